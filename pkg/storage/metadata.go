package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HashSize is the length in bytes of FileMetadata.Hash (SHA-256).
const HashSize = 32

// CompressionAlgorithm identifies the compression applied to a stored payload.
// Values not listed here may appear in metadata written by newer versions and
// must be carried through unchanged. Tags fit a SQL SMALLINT.
type CompressionAlgorithm int16

const (
	CompressionNone CompressionAlgorithm = 0
	CompressionGzip CompressionAlgorithm = 1
	CompressionZstd CompressionAlgorithm = 2
)

var compressionNames = map[CompressionAlgorithm]string{
	CompressionNone: "none",
	CompressionGzip: "gzip",
	CompressionZstd: "zstd",
}

func (c CompressionAlgorithm) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int16(c))
}

// Known reports whether c is an algorithm this build can execute.
func (c CompressionAlgorithm) Known() bool {
	_, ok := compressionNames[c]
	return ok
}

// ParseCompressionAlgorithm maps a configuration name to its tag.
func ParseCompressionAlgorithm(name string) (CompressionAlgorithm, error) {
	for tag, n := range compressionNames {
		if strings.EqualFold(n, name) {
			return tag, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown compression algorithm %q", ErrInvalidArgument, name)
}

// EncryptionAlgorithm identifies the encryption applied to a stored payload.
type EncryptionAlgorithm int16

const (
	EncryptionNone EncryptionAlgorithm = 0
	EncryptionAES  EncryptionAlgorithm = 1
)

var encryptionNames = map[EncryptionAlgorithm]string{
	EncryptionNone: "none",
	EncryptionAES:  "aes",
}

func (e EncryptionAlgorithm) String() string {
	if name, ok := encryptionNames[e]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int16(e))
}

// Known reports whether e is an algorithm this build can execute.
func (e EncryptionAlgorithm) Known() bool {
	_, ok := encryptionNames[e]
	return ok
}

// ParseEncryptionAlgorithm maps a configuration name to its tag.
func ParseEncryptionAlgorithm(name string) (EncryptionAlgorithm, error) {
	for tag, n := range encryptionNames {
		if strings.EqualFold(n, name) {
			return tag, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown encryption algorithm %q", ErrInvalidArgument, name)
}

// FileMetadata describes a stored file. It is created once at upload time and
// never modified afterwards.
type FileMetadata struct {
	FileID     uuid.UUID `json:"fileId"`
	Name       string    `json:"name"`
	Extension  string    `json:"extension"`
	UploadedAt time.Time `json:"dateUploaded"`

	// OriginalSize is the length of the payload before any transform.
	OriginalSize int64 `json:"originalSize"`

	// PersistedSize is the length after compression and encryption.
	PersistedSize int64 `json:"persistedSize"`

	CompressionAlgorithm CompressionAlgorithm `json:"compressionAlgorithm"`
	EncryptionAlgorithm  EncryptionAlgorithm  `json:"encryptionAlgorithm"`

	// Hash is the SHA-256 digest of the original, untransformed payload.
	Hash []byte `json:"hash"`
}
