package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"filevault/pkg/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresOptions struct {
	// ConnString is a libpq style URL or key/value connection string.
	ConnString string

	// CommandTimeout bounds every call into the database. Zero selects
	// DefaultCommandTimeout.
	CommandTimeout time.Duration

	// BufferSize is the chunk size used when copying payloads. Zero selects
	// DefaultBufferSize.
	BufferSize int

	// LargeObjectThreshold is the largest payload kept inline in the files
	// table. Zero selects DefaultLargeObjectThreshold.
	LargeObjectThreshold int64

	Logger *slog.Logger
}

func (o *PostgresOptions) setDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.LargeObjectThreshold <= 0 {
		o.LargeObjectThreshold = DefaultLargeObjectThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// PostgresStorage keeps one row per file in the files table. Payloads up to
// the large object threshold are stored inline in the data column; larger
// ones are written to a PostgreSQL large object whose oid is recorded in
// large_object_id while data holds largeObjectSentinel.
type PostgresStorage struct {
	pool *pgxpool.Pool
	opts PostgresOptions
}

// NewPostgresStorage connects to the database described by opts, verifies the
// connection and applies the schema.
func NewPostgresStorage(ctx context.Context, opts PostgresOptions) (*PostgresStorage, error) {
	opts.setDefaults()

	poolCfg, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: parse connection string: %v", storage.ErrInvalidArgument, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStorage{pool: pool, opts: opts}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	opts.Logger.Info("Connected to PostgreSQL",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
	)
	return s, nil
}

// EnsureSchema creates the files table if it does not exist.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	return initSchema(ctx, "postgres", func(ctx context.Context, statement string) error {
		_, err := s.pool.Exec(ctx, statement)
		return err
	})
}

// withPgTransaction runs fn within a transaction, committing when fn returns
// nil and rolling back otherwise.
func withPgTransaction(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	// Rollback after a successful commit is a no-op. It must run even when
	// ctx has been cancelled.
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

const insertFileSQL = `
INSERT INTO files (
	file_id, name, extension, date_uploaded, original_size, persisted_size,
	compression_algorithm, encryption_algorithm, hash, data, large_object_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func insertFileArgs(meta storage.FileMetadata, data []byte, largeObject pgtype.Uint32) []any {
	if data == nil {
		data = []byte{}
	}
	return []any{
		meta.FileID,
		meta.Name,
		meta.Extension,
		meta.UploadedAt,
		meta.OriginalSize,
		meta.PersistedSize,
		int16(meta.CompressionAlgorithm),
		int16(meta.EncryptionAlgorithm),
		meta.Hash,
		data,
		largeObject,
	}
}

// Store writes meta and the size bytes of data. The storage path is chosen
// by comparing size with the large object threshold: equal sizes stay
// inline.
func (s *PostgresStorage) Store(ctx context.Context, meta storage.FileMetadata, data io.Reader, size int64) (storage.FileMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	var err error
	if size > s.opts.LargeObjectThreshold {
		s.opts.Logger.Debug("Storing payload as large object", "file_id", meta.FileID, "size", size)
		err = s.storeLargeObject(ctx, meta, data)
	} else {
		s.opts.Logger.Debug("Storing payload inline", "file_id", meta.FileID, "size", size)
		err = s.storeInline(ctx, meta, data, size)
	}
	if err != nil {
		return storage.FileMetadata{}, err
	}
	return meta, nil
}

// storeInline binds the payload as a bytea parameter. The payload is at most
// LargeObjectThreshold bytes.
func (s *PostgresStorage) storeInline(ctx context.Context, meta storage.FileMetadata, data io.Reader, size int64) error {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := copyChunked(ctx, &buf, data, s.opts.BufferSize); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if _, err := s.pool.Exec(ctx, insertFileSQL, insertFileArgs(meta, buf.Bytes(), pgtype.Uint32{})...); err != nil {
		return fmt.Errorf("insert file %s: %w", meta.FileID, err)
	}
	return nil
}

// storeLargeObject creates a large object, streams data into it in chunks and
// inserts the row referencing it, all in one transaction. Large objects are
// transactional, so a failure or cancellation part way leaves nothing behind.
func (s *PostgresStorage) storeLargeObject(ctx context.Context, meta storage.FileMetadata, data io.Reader) error {
	return withPgTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		los := tx.LargeObjects()

		oid, err := los.Create(ctx, 0)
		if err != nil {
			return fmt.Errorf("create large object: %w", err)
		}

		lo, err := los.Open(ctx, oid, pgx.LargeObjectModeWrite)
		if err != nil {
			return fmt.Errorf("open large object %d: %w", oid, err)
		}

		if _, err := copyChunked(ctx, lo, data, s.opts.BufferSize); err != nil {
			_ = lo.Close()
			return fmt.Errorf("write large object %d: %w", oid, err)
		}
		if err := lo.Close(); err != nil {
			return fmt.Errorf("close large object %d: %w", oid, err)
		}

		ref := pgtype.Uint32{Uint32: oid, Valid: true}
		if _, err := tx.Exec(ctx, insertFileSQL, insertFileArgs(meta, largeObjectSentinel, ref)...); err != nil {
			return fmt.Errorf("insert file %s: %w", meta.FileID, err)
		}
		return nil
	})
}

func (s *PostgresStorage) GetMetadata(ctx context.Context, fileID uuid.UUID) (storage.FileMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	var (
		meta        storage.FileMetadata
		compression int16
		encryption  int16
	)
	err := s.pool.QueryRow(ctx, `
		SELECT file_id, name, extension, date_uploaded, original_size, persisted_size,
		       compression_algorithm, encryption_algorithm, hash
		FROM files WHERE file_id = $1`, fileID).Scan(
		&meta.FileID,
		&meta.Name,
		&meta.Extension,
		&meta.UploadedAt,
		&meta.OriginalSize,
		&meta.PersistedSize,
		&compression,
		&encryption,
		&meta.Hash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.FileMetadata{}, fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("select metadata %s: %w", fileID, err)
	}

	meta.UploadedAt = meta.UploadedAt.UTC()
	meta.CompressionAlgorithm = storage.CompressionAlgorithm(compression)
	meta.EncryptionAlgorithm = storage.EncryptionAlgorithm(encryption)
	return meta, nil
}

// GetData returns a reader that pulls the payload from the database in
// BufferSize chunks as it is read. Large objects are read inside a
// transaction that stays open until the reader is closed.
func (s *PostgresStorage) GetData(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	var (
		largeObject pgtype.Uint32
		inlineSize  int64
	)
	err := s.pool.QueryRow(lookupCtx,
		`SELECT large_object_id, octet_length(data) FROM files WHERE file_id = $1`, fileID,
	).Scan(&largeObject, &inlineSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("select data location %s: %w", fileID, err)
	}

	if largeObject.Valid {
		s.opts.Logger.Debug("Reading payload from large object", "file_id", fileID, "oid", largeObject.Uint32)
		return s.openLargeObject(ctx, fileID, largeObject.Uint32)
	}

	s.opts.Logger.Debug("Reading payload inline", "file_id", fileID, "size", inlineSize)
	return &pgInlineReader{
		db:     s,
		ctx:    ctx,
		fileID: fileID,
		size:   inlineSize,
	}, nil
}

func (s *PostgresStorage) openLargeObject(ctx context.Context, fileID uuid.UUID, oid uint32) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}

	los := tx.LargeObjects()
	lo, err := los.Open(ctx, oid, pgx.LargeObjectModeRead)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		cancel()
		return nil, fmt.Errorf("open large object %d for %s: %w", oid, fileID, err)
	}

	return &pgLargeObjectReader{
		ctx:        ctx,
		cancel:     cancel,
		tx:         tx,
		lo:         lo,
		bufferSize: s.opts.BufferSize,
	}, nil
}

// pgLargeObjectReader reads a large object in bounded chunks. Close closes the
// object and commits the read transaction.
type pgLargeObjectReader struct {
	ctx        context.Context
	cancel     context.CancelFunc
	tx         pgx.Tx
	lo         *pgx.LargeObject
	bufferSize int
	closed     bool
}

func (r *pgLargeObjectReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > r.bufferSize {
		p = p[:r.bufferSize]
	}
	return r.lo.Read(p)
}

func (r *pgLargeObjectReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	defer r.cancel()

	closeErr := r.lo.Close()
	if closeErr != nil {
		_ = r.tx.Rollback(context.WithoutCancel(r.ctx))
		return fmt.Errorf("close large object: %w", closeErr)
	}
	if err := r.tx.Commit(r.ctx); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// pgInlineReader fetches the inline data column one substring at a time so
// the whole value never has to be held in memory.
type pgInlineReader struct {
	db     *PostgresStorage
	ctx    context.Context
	fileID uuid.UUID
	size   int64
	offset int64
	chunk  []byte
}

func (r *pgInlineReader) Read(p []byte) (int, error) {
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

func (r *pgInlineReader) fetch() error {
	ctx, cancel := context.WithTimeout(r.ctx, r.db.opts.CommandTimeout)
	defer cancel()

	length := min(int64(r.db.opts.BufferSize), r.size-r.offset)

	// substring positions are 1-based.
	var chunk []byte
	err := r.db.pool.QueryRow(ctx,
		`SELECT substring(data FROM $2::int FOR $3::int) FROM files WHERE file_id = $1`,
		r.fileID, r.offset+1, length,
	).Scan(&chunk)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (r *pgInlineReader) Close() error {
	r.chunk = nil
	r.offset = r.size
	return nil
}

// Delete removes the row of fileID and unlinks its large object, if any, in
// one transaction.
func (s *PostgresStorage) Delete(ctx context.Context, fileID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	return withPgTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		var largeObject pgtype.Uint32
		err := tx.QueryRow(ctx,
			`DELETE FROM files WHERE file_id = $1 RETURNING large_object_id`, fileID,
		).Scan(&largeObject)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete file %s: %w", fileID, err)
		}

		if largeObject.Valid {
			los := tx.LargeObjects()
			if err := los.Unlink(ctx, largeObject.Uint32); err != nil {
				return fmt.Errorf("unlink large object %d: %w", largeObject.Uint32, err)
			}
		}
		return nil
	})
}

func (s *PostgresStorage) Exists(ctx context.Context, fileID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM files WHERE file_id = $1)`, fileID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check existence of %s: %w", fileID, err)
	}
	return exists, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}
