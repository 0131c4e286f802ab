package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"filevault/pkg/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	localDataDir     = "data"
	localMetadataDir = "metadata"
	localStagingDir  = "tmp"
)

// LocalFileStorage is a StorageEngine implementation that keeps payloads and
// metadata records as files under rootDir. Payloads live in
// rootDir/data/<id[:2]>/<id> and metadata in rootDir/metadata/<id[:2]>/<id>.json,
// the first two characters of the id acting as a subdirectory prefix.
type LocalFileStorage struct {
	rootDir    string
	bufferSize int
	logger     *slog.Logger
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at rootDir,
// creating the directory if needed.
func NewLocalFileStorage(rootDir string) (*LocalFileStorage, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("%w: root directory must not be empty", storage.ErrInvalidArgument)
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create root dir: %w", err)
	}
	return &LocalFileStorage{
		rootDir:    rootDir,
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}, nil
}

// ObjectPath computes the full filesystem path for fileID within kind
// ("data" or "metadata").
func ObjectPath(rootDir string, kind string, fileID uuid.UUID) string {
	name := fileID.String()
	if kind == localMetadataDir {
		return filepath.Join(rootDir, kind, name[:2], name+".json")
	}
	return filepath.Join(rootDir, kind, name[:2], name)
}

func (s *LocalFileStorage) Store(ctx context.Context, meta storage.FileMetadata, data io.Reader, size int64) (storage.FileMetadata, error) {
	record, err := json.Marshal(meta)
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("encode metadata: %w", err)
	}

	staging := filepath.Join(s.rootDir, localStagingDir)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return writeFileAtomic(ctx, staging, ObjectPath(s.rootDir, localMetadataDir, meta.FileID), bytes.NewReader(record), s.bufferSize)
	})
	eg.Go(func() error {
		return writeFileAtomic(ctx, staging, ObjectPath(s.rootDir, localDataDir, meta.FileID), data, s.bufferSize)
	})

	if err := eg.Wait(); err != nil {
		s.logger.Warn("Local store failed, metadata and data may be out of step", "file_id", meta.FileID, "err", err)
		return storage.FileMetadata{}, err
	}

	s.logger.Debug("Stored file on local disk", "file_id", meta.FileID, "size", size)
	return meta, nil
}

func (s *LocalFileStorage) GetMetadata(_ context.Context, fileID uuid.UUID) (storage.FileMetadata, error) {
	record, err := os.ReadFile(ObjectPath(s.rootDir, localMetadataDir, fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return storage.FileMetadata{}, fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	if err != nil {
		return storage.FileMetadata{}, err
	}

	var meta storage.FileMetadata
	if err := json.Unmarshal(record, &meta); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("decode metadata for %s: %w", fileID, err)
	}
	return meta, nil
}

func (s *LocalFileStorage) GetData(_ context.Context, fileID uuid.UUID) (io.ReadCloser, error) {
	f, err := os.Open(ObjectPath(s.rootDir, localDataDir, fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes both files of fileID. Missing files are ignored.
func (s *LocalFileStorage) Delete(_ context.Context, fileID uuid.UUID) error {
	var errs []error
	for _, kind := range []string{localDataDir, localMetadataDir} {
		if err := os.Remove(ObjectPath(s.rootDir, kind, fileID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists treats the data file as the source of truth.
func (s *LocalFileStorage) Exists(_ context.Context, fileID uuid.UUID) (bool, error) {
	info, err := os.Stat(ObjectPath(s.rootDir, localDataDir, fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalFileStorage) Close() error {
	return nil
}
