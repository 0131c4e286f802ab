package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"filevault/pkg/storage"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteOptions struct {
	// Path of the database file. It is created if missing.
	Path string

	CommandTimeout time.Duration
	BufferSize     int
	Logger         *slog.Logger
}

// SQLiteStorage keeps one row per file, payload included, in an embedded
// SQLite database. Every payload is stored inline.
type SQLiteStorage struct {
	db   *sql.DB
	opts SQLiteOptions
}

// NewSQLiteStorage opens (or creates) the database at opts.Path and applies
// the schema.
func NewSQLiteStorage(ctx context.Context, opts SQLiteOptions) (*SQLiteStorage, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path must not be empty", storage.ErrInvalidArgument)
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, "sqlite", func(ctx context.Context, statement string) error {
		_, err := db.ExecContext(ctx, statement)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db, opts: opts}, nil
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Store(ctx context.Context, meta storage.FileMetadata, data io.Reader, size int64) (storage.FileMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	payload := make([]byte, 0, max(size, 0))
	buf := &sliceWriter{b: payload}
	if _, err := copyChunked(ctx, buf, data, s.opts.BufferSize); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("read payload: %w", err)
	}

	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (
				file_id, name, extension, date_uploaded, original_size, persisted_size,
				compression_algorithm, encryption_algorithm, hash, data
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			meta.FileID.String(),
			meta.Name,
			meta.Extension,
			meta.UploadedAt.UTC().Format(time.RFC3339Nano),
			meta.OriginalSize,
			meta.PersistedSize,
			int(meta.CompressionAlgorithm),
			int(meta.EncryptionAlgorithm),
			meta.Hash,
			buf.b,
		)
		return err
	})
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("insert file %s: %w", meta.FileID, err)
	}

	s.opts.Logger.Debug("Stored payload in sqlite", "file_id", meta.FileID, "size", size)
	return meta, nil
}

// sliceWriter appends to a non-nil slice so that an empty payload is still
// bound as an empty blob rather than NULL.
type sliceWriter struct {
	b []byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func (s *SQLiteStorage) GetMetadata(ctx context.Context, fileID uuid.UUID) (storage.FileMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	var (
		meta        storage.FileMetadata
		uploadedAt  string
		compression int64
		encryption  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, name, extension, date_uploaded, original_size, persisted_size,
		       compression_algorithm, encryption_algorithm, hash
		FROM files WHERE file_id = ?`, fileID.String()).Scan(
		&meta.FileID,
		&meta.Name,
		&meta.Extension,
		&uploadedAt,
		&meta.OriginalSize,
		&meta.PersistedSize,
		&compression,
		&encryption,
		&meta.Hash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.FileMetadata{}, fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("select metadata %s: %w", fileID, err)
	}

	meta.UploadedAt, err = time.Parse(time.RFC3339Nano, uploadedAt)
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("parse upload time of %s: %w", fileID, err)
	}
	if !fitsTag(compression) || !fitsTag(encryption) {
		return storage.FileMetadata{}, fmt.Errorf("algorithm tags of %s out of range: %d, %d", fileID, compression, encryption)
	}
	meta.CompressionAlgorithm = storage.CompressionAlgorithm(compression)
	meta.EncryptionAlgorithm = storage.EncryptionAlgorithm(encryption)
	return meta, nil
}

func fitsTag(v int64) bool {
	return v >= math.MinInt16 && v <= math.MaxInt16
}

// GetData returns a reader that fetches the payload in BufferSize pieces.
func (s *SQLiteStorage) GetData(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	var size int64
	err := s.db.QueryRowContext(lookupCtx, `SELECT length(data) FROM files WHERE file_id = ?`, fileID.String()).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("select data length %s: %w", fileID, err)
	}

	return &sqliteInlineReader{db: s, ctx: ctx, fileID: fileID, size: size}, nil
}

type sqliteInlineReader struct {
	db     *SQLiteStorage
	ctx    context.Context
	fileID uuid.UUID
	size   int64
	offset int64
	chunk  []byte
}

func (r *sqliteInlineReader) Read(p []byte) (int, error) {
	if len(r.chunk) == 0 {
		if r.offset >= r.size {
			return 0, io.EOF
		}
		if err := r.fetch(); err != nil {
			return 0, err
		}
	}

	n := copy(p, r.chunk)
	r.chunk = r.chunk[n:]
	return n, nil
}

func (r *sqliteInlineReader) fetch() error {
	ctx, cancel := context.WithTimeout(r.ctx, r.db.opts.CommandTimeout)
	defer cancel()

	length := min(int64(r.db.opts.BufferSize), r.size-r.offset)

	// substr positions are 1-based.
	var chunk []byte
	err := r.db.db.QueryRowContext(ctx,
		`SELECT substr(data, ?, ?) FROM files WHERE file_id = ?`,
		r.offset+1, length, r.fileID.String(),
	).Scan(&chunk)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s was removed while being read", storage.ErrNotFound, r.fileID)
	}
	if err != nil {
		return fmt.Errorf("read inline data %s: %w", r.fileID, err)
	}
	if len(chunk) == 0 {
		return io.ErrUnexpectedEOF
	}

	r.offset += int64(len(chunk))
	r.chunk = chunk
	return nil
}

func (r *sqliteInlineReader) Close() error {
	r.chunk = nil
	r.offset = r.size
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, fileID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE file_id = ?`, fileID.String()); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}

func (s *SQLiteStorage) Exists(ctx context.Context, fileID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE file_id = ?`, fileID.String()).Scan(&count); err != nil {
		return false, fmt.Errorf("check existence of %s: %w", fileID, err)
	}
	return count > 0, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
