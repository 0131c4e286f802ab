// Package enginetest holds the behaviour every storage.StorageEngine must
// share. Engine packages run it from their own tests with Run.
package enginetest

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"filevault/pkg/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty engine. It should register any cleanup with
// t.Cleanup.
type Factory func(t *testing.T) storage.StorageEngine

// NewMetadata builds metadata describing payload as if it had been stored
// untransformed.
func NewMetadata(t *testing.T, payload []byte) storage.FileMetadata {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err, "uuid.NewV7 error")

	sum := sha256.Sum256(payload)
	return storage.FileMetadata{
		FileID:               id,
		Name:                 "report",
		Extension:            ".bin",
		UploadedAt:           time.Date(2026, time.March, 14, 15, 9, 26, 535000000, time.UTC),
		OriginalSize:         int64(len(payload)),
		PersistedSize:        int64(len(payload)),
		CompressionAlgorithm: storage.CompressionNone,
		EncryptionAlgorithm:  storage.EncryptionNone,
		Hash:                 sum[:],
	}
}

// Payload returns size deterministic, non-repeating-looking bytes.
func Payload(size int) []byte {
	out := make([]byte, size)
	var x uint32 = 2463534242
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x)
	}
	return out
}

// RequireMetadataEqual compares metadata, treating timestamps as equal when
// they denote the same instant.
func RequireMetadataEqual(t *testing.T, want storage.FileMetadata, got storage.FileMetadata) {
	t.Helper()

	require.True(t, want.UploadedAt.Equal(got.UploadedAt), "upload time mismatch: want %s, got %s", want.UploadedAt, got.UploadedAt)
	got.UploadedAt = want.UploadedAt
	require.Equal(t, want, got, "metadata mismatch")
}

// Store stores payload under fresh metadata and returns that metadata.
func Store(t *testing.T, engine storage.StorageEngine, payload []byte) storage.FileMetadata {
	t.Helper()

	meta := NewMetadata(t, payload)
	stored, err := engine.Store(t.Context(), meta, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err, "Store error")
	require.Equal(t, meta, stored, "Store should acknowledge with the metadata it was given")
	return meta
}

// ReadData fetches and drains the payload of fileID.
func ReadData(t *testing.T, engine storage.StorageEngine, fileID uuid.UUID) []byte {
	t.Helper()

	rc, err := engine.GetData(t.Context(), fileID)
	require.NoError(t, err, "GetData error")
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err, "reading data")
	return got
}

// Run executes the conformance suite against engines built by newEngine.
func Run(t *testing.T, newEngine Factory) {
	t.Run("RoundTrip", func(t *testing.T) {
		engine := newEngine(t)

		for _, size := range []int{0, 1, 15, 16, 17, 4096, 200 * 1024} {
			t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
				payload := Payload(size)
				meta := Store(t, engine, payload)

				got, err := engine.GetMetadata(t.Context(), meta.FileID)
				require.NoError(t, err, "GetMetadata error")
				RequireMetadataEqual(t, meta, got)

				require.Equal(t, payload, ReadData(t, engine, meta.FileID), "payload mismatch")
			})
		}
	})

	t.Run("ExistsLifecycle", func(t *testing.T) {
		engine := newEngine(t)
		payload := []byte("exists lifecycle")
		meta := NewMetadata(t, payload)

		ok, err := engine.Exists(t.Context(), meta.FileID)
		require.NoError(t, err, "Exists error")
		require.False(t, ok, "file should not exist before Store")

		_, err = engine.Store(t.Context(), meta, bytes.NewReader(payload), int64(len(payload)))
		require.NoError(t, err, "Store error")

		ok, err = engine.Exists(t.Context(), meta.FileID)
		require.NoError(t, err, "Exists error")
		require.True(t, ok, "file should exist after Store")

		require.NoError(t, engine.Delete(t.Context(), meta.FileID), "Delete error")

		ok, err = engine.Exists(t.Context(), meta.FileID)
		require.NoError(t, err, "Exists error")
		require.False(t, ok, "file should not exist after Delete")

		_, err = engine.GetMetadata(t.Context(), meta.FileID)
		require.ErrorIs(t, err, storage.ErrNotFound, "metadata should be gone after Delete")
	})

	t.Run("NotFound", func(t *testing.T) {
		engine := newEngine(t)
		missing := uuid.New()

		_, err := engine.GetMetadata(t.Context(), missing)
		require.ErrorIs(t, err, storage.ErrNotFound, "GetMetadata of unknown id")

		_, err = engine.GetData(t.Context(), missing)
		require.ErrorIs(t, err, storage.ErrNotFound, "GetData of unknown id")

		ok, err := engine.Exists(t.Context(), missing)
		require.NoError(t, err, "Exists error")
		require.False(t, ok, "unknown id should not exist")
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		engine := newEngine(t)

		require.NoError(t, engine.Delete(t.Context(), uuid.New()), "deleting an unknown id should succeed")

		meta := Store(t, engine, []byte("delete twice"))
		require.NoError(t, engine.Delete(t.Context(), meta.FileID), "first Delete error")
		require.NoError(t, engine.Delete(t.Context(), meta.FileID), "second Delete error")
	})

	t.Run("UnknownAlgorithmTags", func(t *testing.T) {
		engine := newEngine(t)
		payload := []byte("written by a newer release")

		tags := []struct {
			compression storage.CompressionAlgorithm
			encryption  storage.EncryptionAlgorithm
		}{
			{compression: 200, encryption: 77},
			// 257 and 256 collide with gzip and none if narrowed to a byte.
			{compression: 257, encryption: 256},
			{compression: math.MaxInt16, encryption: 1000},
		}

		for _, tt := range tags {
			meta := NewMetadata(t, payload)
			meta.CompressionAlgorithm = tt.compression
			meta.EncryptionAlgorithm = tt.encryption

			_, err := engine.Store(t.Context(), meta, bytes.NewReader(payload), int64(len(payload)))
			require.NoError(t, err, "Store error")

			got, err := engine.GetMetadata(t.Context(), meta.FileID)
			require.NoError(t, err, "GetMetadata error")
			require.Equal(t, tt.compression, got.CompressionAlgorithm, "compression tag should survive")
			require.Equal(t, tt.encryption, got.EncryptionAlgorithm, "encryption tag should survive")
			require.False(t, got.CompressionAlgorithm.Known(), "compression tag %d should still be unknown", tt.compression)
			require.False(t, got.EncryptionAlgorithm.Known(), "encryption tag %d should still be unknown", tt.encryption)
		}
	})

	t.Run("ConcurrentDistinctIDs", func(t *testing.T) {
		engine := newEngine(t)

		const workers = 8
		metas := make([]storage.FileMetadata, workers)
		payloads := make([][]byte, workers)
		errs := make([]error, workers)

		for i := range workers {
			payloads[i] = Payload(1024 * (i + 1))
			metas[i] = NewMetadata(t, payloads[i])
		}

		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = engine.Store(t.Context(), metas[i], bytes.NewReader(payloads[i]), int64(len(payloads[i])))
			}()
		}
		wg.Wait()

		for i := range workers {
			require.NoError(t, errs[i], "concurrent Store error")
			require.Equal(t, payloads[i], ReadData(t, engine, metas[i].FileID), "payload mismatch for worker %d", i)
		}
	})
}
