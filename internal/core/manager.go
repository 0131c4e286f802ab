package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"filevault/pkg/storage"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

var (
	// ErrAlgorithmMismatch is returned by Download when a file was written with
	// a compression or encryption algorithm other than the configured one.
	ErrAlgorithmMismatch = errors.New("algorithm mismatch")

	// ErrHashMismatch is returned by Verify when the restored payload does not
	// hash to the digest recorded at upload time.
	ErrHashMismatch = errors.New("hash mismatch")
)

// Manager runs the upload and download pipelines: validation, compression,
// encryption and hashing on the way in, and the reverse on the way out. It
// holds no per-file state and is safe for concurrent use.
type Manager struct {
	engine     storage.StorageEngine
	compressor Compressor
	encryptor  Encryptor
	clock      clock.Clock
	logger     *slog.Logger
}

// NewManager creates a Manager from opts. A storage engine is required.
func NewManager(opts ...ConfigOption) (*Manager, error) {
	cfg := NewConfig(opts...)
	if cfg.Engine == nil {
		return nil, errors.New("a storage engine must be configured")
	}
	if cfg.Compressor == nil || cfg.Encryptor == nil {
		return nil, errors.New("compressor and encryptor must not be nil")
	}

	return &Manager{
		engine:     cfg.Engine,
		compressor: cfg.Compressor,
		encryptor:  cfg.Encryptor,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

type byteCounter int64

func (c *byteCounter) Write(p []byte) (int, error) {
	*c += byteCounter(len(p))
	return len(p), nil
}

// isNil also catches nil pointers stored in the interface, such as a
// (*os.File)(nil), which would otherwise panic on the first Seek.
func isNil(data io.ReadSeeker) bool {
	if data == nil {
		return true
	}
	v := reflect.ValueOf(data)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// Upload validates name and extension, transforms data and hands the result
// to the storage engine. data is read from its start and is rewound to its
// start again before Upload returns, whether or not it succeeds.
func (m *Manager) Upload(ctx context.Context, name string, extension string, data io.ReadSeeker) (storage.FileMetadata, error) {
	if err := ValidateName(name); err != nil {
		return storage.FileMetadata{}, err
	}
	if err := ValidateExtension(extension); err != nil {
		return storage.FileMetadata{}, err
	}
	if isNil(data) {
		return storage.FileMetadata{}, fmt.Errorf("%w: data stream must not be nil", storage.ErrInvalidArgument)
	}

	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("rewind data stream: %w", err)
	}
	defer func() {
		if _, err := data.Seek(0, io.SeekStart); err != nil {
			m.logger.Warn("Failed to rewind upload stream", "err", err)
		}
	}()

	// The hash and original size are taken from the same pass that feeds
	// the compressor, so both describe the untransformed bytes.
	hasher := sha256.New()
	var originalSize byteCounter
	source := io.TeeReader(data, io.MultiWriter(hasher, &originalSize))

	compressed, err := m.compressor.Compress(source)
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("compress: %w", err)
	}

	encrypted, err := m.encryptor.Encrypt(compressed)
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("encrypt: %w", err)
	}

	fileID, err := uuid.NewV7()
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("generate file id: %w", err)
	}

	meta := storage.FileMetadata{
		FileID:               fileID,
		Name:                 name,
		Extension:            extension,
		UploadedAt:           m.clock.Now().UTC(),
		OriginalSize:         int64(originalSize),
		PersistedSize:        encrypted.Size(),
		CompressionAlgorithm: m.compressor.Algorithm(),
		EncryptionAlgorithm:  m.encryptor.Algorithm(),
		Hash:                 hasher.Sum(nil),
	}

	stored, err := m.engine.Store(ctx, meta, encrypted, encrypted.Size())
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("store %s: %w", fileID, err)
	}

	m.logger.Info("Uploaded file",
		"file_id", fileID,
		"name", name+extension,
		"original_size", meta.OriginalSize,
		"persisted_size", meta.PersistedSize,
	)
	return stored, nil
}

// requireExists converts a missing id into an ErrNotFound error.
func (m *Manager) requireExists(ctx context.Context, fileID uuid.UUID) error {
	ok, err := m.engine.Exists(ctx, fileID)
	if err != nil {
		return fmt.Errorf("check existence of %s: %w", fileID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	return nil
}

// FetchMetadata returns the metadata recorded for fileID.
func (m *Manager) FetchMetadata(ctx context.Context, fileID uuid.UUID) (storage.FileMetadata, error) {
	if err := m.requireExists(ctx, fileID); err != nil {
		return storage.FileMetadata{}, err
	}
	return m.engine.GetMetadata(ctx, fileID)
}

// Download returns the original bytes of fileID, reversing encryption and
// then compression.
func (m *Manager) Download(ctx context.Context, fileID uuid.UUID) (*bytes.Reader, error) {
	_, plain, err := m.download(ctx, fileID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("Downloaded file", "file_id", fileID, "size", plain.Size())
	return plain, nil
}

func (m *Manager) download(ctx context.Context, fileID uuid.UUID) (storage.FileMetadata, *bytes.Reader, error) {
	if err := m.requireExists(ctx, fileID); err != nil {
		return storage.FileMetadata{}, nil, err
	}

	meta, err := m.engine.GetMetadata(ctx, fileID)
	if err != nil {
		return storage.FileMetadata{}, nil, err
	}

	if meta.CompressionAlgorithm != m.compressor.Algorithm() {
		return storage.FileMetadata{}, nil, fmt.Errorf("%w: %s was compressed with %s, configured %s",
			ErrAlgorithmMismatch, fileID, meta.CompressionAlgorithm, m.compressor.Algorithm())
	}
	if meta.EncryptionAlgorithm != m.encryptor.Algorithm() {
		return storage.FileMetadata{}, nil, fmt.Errorf("%w: %s was encrypted with %s, configured %s",
			ErrAlgorithmMismatch, fileID, meta.EncryptionAlgorithm, m.encryptor.Algorithm())
	}

	persisted, err := m.engine.GetData(ctx, fileID)
	if err != nil {
		return storage.FileMetadata{}, nil, err
	}
	defer persisted.Close()

	decrypted, err := m.encryptor.Decrypt(persisted)
	if err != nil {
		return storage.FileMetadata{}, nil, fmt.Errorf("decrypt %s: %w", fileID, err)
	}

	plain, err := m.compressor.Decompress(decrypted)
	if err != nil {
		return storage.FileMetadata{}, nil, fmt.Errorf("decompress %s: %w", fileID, err)
	}

	return meta, plain, nil
}

// Verify downloads fileID and checks its digest against the recorded hash.
func (m *Manager) Verify(ctx context.Context, fileID uuid.UUID) error {
	meta, plain, err := m.download(ctx, fileID)
	if err != nil {
		return err
	}

	hasher := sha256.New()
	if _, err := plain.WriteTo(hasher); err != nil {
		return fmt.Errorf("hash %s: %w", fileID, err)
	}

	if !bytes.Equal(hasher.Sum(nil), meta.Hash) {
		return fmt.Errorf("%w: %s", ErrHashMismatch, fileID)
	}
	return nil
}

// Delete removes fileID. Unlike StorageEngine.Delete, deleting an id that
// does not exist fails with ErrNotFound.
func (m *Manager) Delete(ctx context.Context, fileID uuid.UUID) error {
	if err := m.requireExists(ctx, fileID); err != nil {
		return err
	}

	if err := m.engine.Delete(ctx, fileID); err != nil {
		return fmt.Errorf("delete %s: %w", fileID, err)
	}

	m.logger.Info("Deleted file", "file_id", fileID)
	return nil
}

func (m *Manager) Exists(ctx context.Context, fileID uuid.UUID) (bool, error) {
	return m.engine.Exists(ctx, fileID)
}

// Close closes the underlying storage engine.
func (m *Manager) Close() error {
	return m.engine.Close()
}
