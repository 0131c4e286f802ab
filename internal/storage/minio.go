package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"filevault/pkg/storage"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDataBucket     = "data"
	DefaultMetadataBucket = "metadata"
)

// ObjectClient is the subset of an S3 compatible object store used by
// MinioStorage. GetObject must return an error wrapping storage.ErrNotFound
// for missing keys, and RemoveObject must succeed for them.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket string, key string, data io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, bucket string, key string) (io.ReadCloser, error)
	ObjectExists(ctx context.Context, bucket string, key string) (bool, error)
	RemoveObject(ctx context.Context, bucket string, key string) error
	EnsureBucket(ctx context.Context, bucket string) error
}

type MinioOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	DataBucket     string
	MetadataBucket string

	// CommandTimeout bounds every request. Zero selects DefaultCommandTimeout.
	CommandTimeout time.Duration

	Logger *slog.Logger
}

func (o *MinioOptions) setDefaults() {
	if o.DataBucket == "" {
		o.DataBucket = DefaultDataBucket
	}
	if o.MetadataBucket == "" {
		o.MetadataBucket = DefaultMetadataBucket
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// MinioStorage stores each file as two objects keyed by the file id: the
// payload in the data bucket and a JSON metadata record in the metadata
// bucket. The data bucket is authoritative for existence.
type MinioStorage struct {
	client ObjectClient
	opts   MinioOptions
}

// NewMinioStorage connects to the S3 compatible endpoint in opts. Buckets are
// not created; call EnsureBuckets for that.
func NewMinioStorage(opts MinioOptions) (*MinioStorage, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("%w: minio endpoint must not be empty", storage.ErrInvalidArgument)
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return NewMinioStorageWithClient(&minioClient{client: client}, opts), nil
}

// NewMinioStorageWithClient builds a MinioStorage over an existing client.
func NewMinioStorageWithClient(client ObjectClient, opts MinioOptions) *MinioStorage {
	opts.setDefaults()
	return &MinioStorage{client: client, opts: opts}
}

// EnsureBuckets creates the data and metadata buckets if they are missing.
func (s *MinioStorage) EnsureBuckets(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	for _, bucket := range []string{s.opts.DataBucket, s.opts.MetadataBucket} {
		if err := s.client.EnsureBucket(ctx, bucket); err != nil {
			return err
		}
	}
	return nil
}

// Store uploads the metadata record and the payload concurrently. If one
// upload fails the other is not undone.
func (s *MinioStorage) Store(ctx context.Context, meta storage.FileMetadata, data io.Reader, size int64) (storage.FileMetadata, error) {
	record, err := json.Marshal(meta)
	if err != nil {
		return storage.FileMetadata{}, fmt.Errorf("encode metadata: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	key := meta.FileID.String()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := s.client.PutObject(ctx, s.opts.MetadataBucket, key, bytes.NewReader(record), int64(len(record)), "application/json"); err != nil {
			return fmt.Errorf("upload metadata %s: %w", key, err)
		}
		return nil
	})
	eg.Go(func() error {
		if err := s.client.PutObject(ctx, s.opts.DataBucket, key, data, size, "application/octet-stream"); err != nil {
			return fmt.Errorf("upload data %s: %w", key, err)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		s.opts.Logger.Warn("Object store write failed, metadata and data may be out of step", "file_id", meta.FileID, "err", err)
		return storage.FileMetadata{}, err
	}
	return meta, nil
}

func (s *MinioStorage) GetMetadata(ctx context.Context, fileID uuid.UUID) (storage.FileMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.opts.MetadataBucket, fileID.String())
	if err != nil {
		return storage.FileMetadata{}, err
	}
	defer obj.Close()

	var meta storage.FileMetadata
	if err := json.NewDecoder(obj).Decode(&meta); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("decode metadata for %s: %w", fileID, err)
	}
	return meta, nil
}

// GetData opens the payload object. The command timeout is not applied here
// because the returned reader outlives this call.
func (s *MinioStorage) GetData(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, s.opts.DataBucket, fileID.String())
}

// Delete removes both objects concurrently. Missing objects are not an error.
func (s *MinioStorage) Delete(ctx context.Context, fileID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	key := fileID.String()

	eg, ctx := errgroup.WithContext(ctx)
	for _, bucket := range []string{s.opts.MetadataBucket, s.opts.DataBucket} {
		eg.Go(func() error {
			if err := s.client.RemoveObject(ctx, bucket, key); err != nil {
				return fmt.Errorf("remove %s/%s: %w", bucket, key, err)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		s.opts.Logger.Warn("Object store delete failed, metadata and data may be out of step", "file_id", fileID, "err", err)
		return err
	}
	return nil
}

func (s *MinioStorage) Exists(ctx context.Context, fileID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	return s.client.ObjectExists(ctx, s.opts.DataBucket, fileID.String())
}

func (s *MinioStorage) Close() error {
	return nil
}

// minioClient adapts *minio.Client to ObjectClient.
type minioClient struct {
	client *minio.Client
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

func (c *minioClient) PutObject(ctx context.Context, bucket string, key string, data io.Reader, size int64, contentType string) error {
	_, err := c.client.PutObject(ctx, bucket, key, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (c *minioClient) GetObject(ctx context.Context, bucket string, key string) (io.ReadCloser, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; Stat forces the request so a missing key is
	// reported here rather than on the first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, bucket, key)
		}
		return nil, err
	}
	return obj, nil
}

func (c *minioClient) ObjectExists(ctx context.Context, bucket string, key string) (bool, error) {
	_, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, err
}

func (c *minioClient) RemoveObject(ctx context.Context, bucket string, key string) error {
	err := c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && isNoSuchKey(err) {
		return nil
	}
	return err
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func (c *minioClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
		}
	}
	return nil
}
