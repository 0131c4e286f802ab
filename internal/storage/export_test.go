package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// LargeObjectID returns the large object referenced by the row of fileID.
func (s *PostgresStorage) LargeObjectID(ctx context.Context, fileID uuid.UUID) (pgtype.Uint32, error) {
	var oid pgtype.Uint32
	err := s.pool.QueryRow(ctx, `SELECT large_object_id FROM files WHERE file_id = $1`, fileID).Scan(&oid)
	return oid, err
}

// InlineData returns the raw data column of fileID.
func (s *PostgresStorage) InlineData(ctx context.Context, fileID uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM files WHERE file_id = $1`, fileID).Scan(&data)
	return data, err
}

// LargeObjectExists reports whether oid is still allocated.
func (s *PostgresStorage) LargeObjectExists(ctx context.Context, oid uint32) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_largeobject_metadata WHERE oid = $1)`, oid).Scan(&exists)
	return exists, err
}

// SetAlgorithmTags overwrites the stored tags of fileID.
func (s *SQLiteStorage) SetAlgorithmTags(ctx context.Context, fileID uuid.UUID, compression int64, encryption int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET compression_algorithm = ?, encryption_algorithm = ? WHERE file_id = ?`,
		compression, encryption, fileID.String())
	return err
}

// Defaults returns o with every zero field replaced by its default.
func (o PostgresOptions) Defaults() PostgresOptions {
	o.setDefaults()
	return o
}

var LargeObjectSentinel = largeObjectSentinel
