package storage

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// StorageEngine defines the interface for a storage backend that persists a
// file's metadata record together with its transformed (compressed and
// encrypted) payload. Both halves are keyed by FileMetadata.FileID and are
// treated as one logical unit. Implementations must be safe for concurrent use
// across distinct file ids.

type StorageEngine interface {
	// Store persists meta and the size bytes read from data under
	// meta.FileID. It returns meta unchanged as an acknowledgment.
	Store(ctx context.Context, meta FileMetadata, data io.Reader, size int64) (FileMetadata, error)

	// GetMetadata returns the metadata previously stored for fileID, or an
	// error wrapping ErrNotFound.
	GetMetadata(ctx context.Context, fileID uuid.UUID) (FileMetadata, error)

	// GetData returns a reader positioned at the start of the persisted (still
	// transformed) payload, or an error wrapping ErrNotFound. The caller must
	// close the reader.
	GetData(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, error)

	// Delete removes both the metadata and the payload of fileID. Deleting an
	// id that does not exist is not an error.
	Delete(ctx context.Context, fileID uuid.UUID) error

	// Exists reports whether fileID is present.
	Exists(ctx context.Context, fileID uuid.UUID) (bool, error)

	// Close releases any resources held by the engine.
	Close() error
}
