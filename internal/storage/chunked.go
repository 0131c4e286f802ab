package storage

import (
	"context"
	"io"
	"time"
)

const (
	// Size of the buffer used to move payloads between a source and a
	// backend in bounded chunks.
	DefaultBufferSize = 80 * 1024

	// Payloads larger than this are stored as PostgreSQL large objects.
	// Inline payloads are held in memory while they are written, so this
	// also bounds the memory a single inline upload takes.
	DefaultLargeObjectThreshold = 64 * 1024 * 1024

	DefaultCommandTimeout = 5 * time.Minute
)

// largeObjectSentinel is written to the inline data column of rows whose
// payload lives in a large object, so that "stored elsewhere" is never
// confused with an empty inline payload.
var largeObjectSentinel = []byte{0, 0, 0}

// copyChunked copies src to dst through a buffer of bufferSize bytes,
// checking ctx for cancellation before every chunk.
func copyChunked(ctx context.Context, dst io.Writer, src io.Reader, bufferSize int) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	buf := make([]byte, bufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
