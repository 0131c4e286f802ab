package core

import (
	"bytes"
	"fmt"
	"io"

	"filevault/pkg/storage"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compressor is a reversible byte transform. Both directions consume the
// input reader and return a fresh, fully materialized reader positioned at
// its start; the input is never retained.
type Compressor interface {
	Algorithm() storage.CompressionAlgorithm
	Compress(data io.Reader) (*bytes.Reader, error)
	Decompress(data io.Reader) (*bytes.Reader, error)
}

// NewCompressor returns the Compressor implementing algorithm.
func NewCompressor(algorithm storage.CompressionAlgorithm) (Compressor, error) {
	switch algorithm {
	case storage.CompressionNone:
		return NoneCompressor{}, nil
	case storage.CompressionGzip:
		return GzipCompressor{Level: gzip.DefaultCompression}, nil
	case storage.CompressionZstd:
		return ZstdCompressor{Level: zstd.SpeedDefault}, nil
	default:
		return nil, fmt.Errorf("%w: compression algorithm %s is not supported", storage.ErrInvalidArgument, algorithm)
	}
}

// NoneCompressor copies its input unchanged.
type NoneCompressor struct{}

func (NoneCompressor) Algorithm() storage.CompressionAlgorithm { return storage.CompressionNone }

func (NoneCompressor) Compress(data io.Reader) (*bytes.Reader, error) {
	return materialize(data)
}

func (NoneCompressor) Decompress(data io.Reader) (*bytes.Reader, error) {
	return materialize(data)
}

// GzipCompressor compresses with gzip at Level. The zero Level selects
// gzip.DefaultCompression.
type GzipCompressor struct {
	Level int
}

func (GzipCompressor) Algorithm() storage.CompressionAlgorithm { return storage.CompressionGzip }

func (c GzipCompressor) Compress(data io.Reader) (*bytes.Reader, error) {
	level := c.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := io.Copy(zw, data); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip flush: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

func (GzipCompressor) Decompress(data io.Reader) (*bytes.Reader, error) {
	zr, err := gzip.NewReader(data)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	out, err := materialize(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

// ZstdCompressor compresses with Zstandard at Level. The zero Level selects
// zstd.SpeedDefault.
type ZstdCompressor struct {
	Level zstd.EncoderLevel
}

func (ZstdCompressor) Algorithm() storage.CompressionAlgorithm { return storage.CompressionZstd }

func (c ZstdCompressor) Compress(data io.Reader) (*bytes.Reader, error) {
	level := c.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}

	// Zero frames keep empty input decodable as a complete frame.
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(level), zstd.WithZeroFrames(true))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, data); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd flush: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

func (ZstdCompressor) Decompress(data io.Reader) (*bytes.Reader, error) {
	dec, err := zstd.NewReader(data)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := materialize(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// materialize reads r to the end into a new reader positioned at zero.
func materialize(r io.Reader) (*bytes.Reader, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}
