package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"filevault/internal/storage"
	"filevault/internal/storage/enginetest"
	pkgstorage "filevault/pkg/storage"

	"github.com/stretchr/testify/require"
)

func newLocalFileStorage(t *testing.T) (*storage.LocalFileStorage, string) {
	t.Helper()

	rootDir := t.TempDir()
	engine, err := storage.NewLocalFileStorage(rootDir)
	require.NoError(t, err, "NewLocalFileStorage error")
	t.Cleanup(func() { _ = engine.Close() })
	return engine, rootDir
}

func TestLocalFileStorageConformance(t *testing.T) {
	t.Parallel()

	enginetest.Run(t, func(t *testing.T) pkgstorage.StorageEngine {
		engine, _ := newLocalFileStorage(t)
		return engine
	})
}

func TestLocalFileStorageLayout(t *testing.T) {
	t.Parallel()

	engine, rootDir := newLocalFileStorage(t)

	payload := []byte("hello local storage")
	meta := enginetest.Store(t, engine, payload)

	id := meta.FileID.String()
	dataPath := filepath.Join(rootDir, "data", id[:2], id)
	metaPath := filepath.Join(rootDir, "metadata", id[:2], id+".json")

	require.Equal(t, dataPath, storage.ObjectPath(rootDir, "data", meta.FileID), "data path mismatch")
	require.Equal(t, metaPath, storage.ObjectPath(rootDir, "metadata", meta.FileID), "metadata path mismatch")

	got, err := os.ReadFile(dataPath)
	require.NoError(t, err, "expected data file to exist")
	require.Equal(t, payload, got, "payload mismatch")

	info, err := os.Stat(metaPath)
	require.NoError(t, err, "expected metadata file to exist")
	require.False(t, info.IsDir(), "metadata path should be a file")

	entries, err := os.ReadDir(filepath.Join(rootDir, "tmp"))
	require.NoError(t, err, "reading staging dir")
	require.Empty(t, entries, "staging dir should be empty after a successful store")
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestLocalFileStorageFailedStoreLeavesNoData(t *testing.T) {
	t.Parallel()

	engine, rootDir := newLocalFileStorage(t)

	errBroken := errors.New("broken source")
	payload := []byte("never completes")
	meta := enginetest.NewMetadata(t, payload)

	_, err := engine.Store(t.Context(), meta, &failingReader{data: payload, err: errBroken}, int64(len(payload)))
	require.ErrorIs(t, err, errBroken, "Store should surface the reader error")

	ok, err := engine.Exists(t.Context(), meta.FileID)
	require.NoError(t, err, "Exists error")
	require.False(t, ok, "a failed store must not publish a data file")

	entries, err := os.ReadDir(filepath.Join(rootDir, "tmp"))
	require.NoError(t, err, "reading staging dir")
	require.Empty(t, entries, "temporary files should be removed")
}

func TestLocalFileStorageHonorsCancellation(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalFileStorage(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	payload := []byte("cancelled")
	meta := enginetest.NewMetadata(t, payload)

	_, err := engine.Store(ctx, meta, bytes.NewReader(payload), int64(len(payload)))
	require.ErrorIs(t, err, context.Canceled, "Store should stop on a cancelled context")
}

func TestLocalFileStorageRejectsEmptyRoot(t *testing.T) {
	t.Parallel()

	_, err := storage.NewLocalFileStorage("")
	require.ErrorIs(t, err, pkgstorage.ErrInvalidArgument, "empty root should be rejected")
}

func TestLocalFileStorageGetDataStreamsFromDisk(t *testing.T) {
	t.Parallel()

	engine, _ := newLocalFileStorage(t)
	payload := enginetest.Payload(256 * 1024)
	meta := enginetest.Store(t, engine, payload)

	rc, err := engine.GetData(t.Context(), meta.FileID)
	require.NoError(t, err, "GetData error")
	defer rc.Close()

	_, ok := rc.(*os.File)
	require.True(t, ok, "payload should be served straight from the file")

	got, err := io.ReadAll(rc)
	require.NoError(t, err, "reading data")
	require.Equal(t, payload, got, "payload mismatch")
}
