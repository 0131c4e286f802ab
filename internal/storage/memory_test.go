package storage_test

import (
	"testing"

	"filevault/internal/storage"
	"filevault/internal/storage/enginetest"
	pkgstorage "filevault/pkg/storage"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorageConformance(t *testing.T) {
	t.Parallel()

	enginetest.Run(t, func(t *testing.T) pkgstorage.StorageEngine {
		engine := storage.NewMemoryStorage()
		t.Cleanup(func() { _ = engine.Close() })
		return engine
	})
}

func TestMemoryStorageCloseClearsEntries(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryStorage()
	meta := enginetest.Store(t, engine, []byte("short lived"))

	require.NoError(t, engine.Close(), "Close error")

	ok, err := engine.Exists(t.Context(), meta.FileID)
	require.NoError(t, err, "Exists error")
	require.False(t, ok, "entries should be dropped on Close")
}

func TestMemoryStorageIsolatesCallerBuffers(t *testing.T) {
	t.Parallel()

	engine := storage.NewMemoryStorage()
	payload := []byte("original payload")
	meta := enginetest.Store(t, engine, payload)

	// Mutating the caller's copies must not leak into the stored entry.
	payload[0] = 'X'
	meta.Hash[0] ^= 0xff

	got, err := engine.GetMetadata(t.Context(), meta.FileID)
	require.NoError(t, err, "GetMetadata error")
	require.NotEqual(t, meta.Hash, got.Hash, "stored hash should be a copy")
	require.Equal(t, []byte("original payload"), enginetest.ReadData(t, engine, meta.FileID), "stored payload should be a copy")
}
