package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"filevault/internal/storage"
	"filevault/internal/storage/enginetest"
	pkgstorage "filevault/pkg/storage"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// fakeObjectClient is an in-memory ObjectClient. Buckets must be created with
// EnsureBucket before use, like a real server.
type fakeObjectClient struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// failPut makes PutObject fail for the named bucket.
	failPut string
}

func newFakeObjectClient() *fakeObjectClient {
	return &fakeObjectClient{buckets: make(map[string]map[string][]byte)}
}

func (c *fakeObjectClient) bucket(name string) (map[string][]byte, error) {
	b, ok := c.buckets[name]
	if !ok {
		return nil, fmt.Errorf("bucket %q does not exist", name)
	}
	return b, nil
}

func (c *fakeObjectClient) PutObject(_ context.Context, bucket string, key string, data io.Reader, size int64, _ string) error {
	if bucket == c.failPut {
		return fmt.Errorf("put into %s refused", bucket)
	}

	payload, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if int64(len(payload)) != size {
		return fmt.Errorf("size mismatch: declared %d, read %d", size, len(payload))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	b[key] = payload
	return nil
}

func (c *fakeObjectClient) GetObject(_ context.Context, bucket string, key string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(bucket)
	if err != nil {
		return nil, err
	}
	payload, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", pkgstorage.ErrNotFound, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (c *fakeObjectClient) ObjectExists(_ context.Context, bucket string, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(bucket)
	if err != nil {
		return false, err
	}
	_, ok := b[key]
	return ok, nil
}

func (c *fakeObjectClient) RemoveObject(_ context.Context, bucket string, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(bucket)
	if err != nil {
		return err
	}
	delete(b, key)
	return nil
}

func (c *fakeObjectClient) EnsureBucket(_ context.Context, bucket string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[bucket]; !ok {
		c.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

func (c *fakeObjectClient) has(bucket string, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.buckets[bucket][key]
	return ok
}

func newFakeMinioStorage(t *testing.T) (*storage.MinioStorage, *fakeObjectClient) {
	t.Helper()

	client := newFakeObjectClient()
	engine := storage.NewMinioStorageWithClient(client, storage.MinioOptions{})
	require.NoError(t, engine.EnsureBuckets(t.Context()), "EnsureBuckets error")
	t.Cleanup(func() { _ = engine.Close() })
	return engine, client
}

func TestMinioStorageConformance(t *testing.T) {
	t.Parallel()

	enginetest.Run(t, func(t *testing.T) pkgstorage.StorageEngine {
		engine, _ := newFakeMinioStorage(t)
		return engine
	})
}

func TestMinioStorageLayout(t *testing.T) {
	t.Parallel()

	engine, client := newFakeMinioStorage(t)
	meta := enginetest.Store(t, engine, []byte("two objects"))

	key := meta.FileID.String()
	require.True(t, client.has(storage.DefaultDataBucket, key), "payload should be in the data bucket")
	require.True(t, client.has(storage.DefaultMetadataBucket, key), "record should be in the metadata bucket")
}

func TestMinioStoragePartialWriteIsReported(t *testing.T) {
	t.Parallel()

	engine, client := newFakeMinioStorage(t)
	client.failPut = storage.DefaultMetadataBucket

	payload := []byte("half written")
	meta := enginetest.NewMetadata(t, payload)

	_, err := engine.Store(t.Context(), meta, bytes.NewReader(payload), int64(len(payload)))
	require.Error(t, err, "a failed metadata upload must surface")

	// The data side is not rolled back; existence follows the data bucket.
	ok, err := engine.Exists(t.Context(), meta.FileID)
	require.NoError(t, err, "Exists error")
	require.True(t, ok, "data object is left behind")

	_, err = engine.GetMetadata(t.Context(), meta.FileID)
	require.ErrorIs(t, err, pkgstorage.ErrNotFound, "metadata was never written")
}

func TestMinioStorageCustomBuckets(t *testing.T) {
	t.Parallel()

	client := newFakeObjectClient()
	engine := storage.NewMinioStorageWithClient(client, storage.MinioOptions{
		DataBucket:     "blobs",
		MetadataBucket: "records",
	})

	_, err := engine.Store(t.Context(), enginetest.NewMetadata(t, nil), bytes.NewReader(nil), 0)
	require.Error(t, err, "storing before the buckets exist should fail")

	require.NoError(t, engine.EnsureBuckets(t.Context()), "EnsureBuckets error")
	meta := enginetest.Store(t, engine, []byte("custom"))
	require.True(t, client.has("blobs", meta.FileID.String()), "payload should be in the custom data bucket")
	require.True(t, client.has("records", meta.FileID.String()), "record should be in the custom metadata bucket")
}

func TestMinioStorageRejectsEmptyEndpoint(t *testing.T) {
	t.Parallel()

	_, err := storage.NewMinioStorage(storage.MinioOptions{})
	require.True(t, errors.Is(err, pkgstorage.ErrInvalidArgument), "empty endpoint should be rejected")
}

// TestMinioStorageIntegration runs the conformance suite against a real MinIO
// server.
func TestMinioStorageIntegration(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "minioadmin",
				"MINIO_ROOT_PASSWORD": "minioadmin",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err, "starting minio container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminating minio container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err, "minio endpoint")

	enginetest.Run(t, func(t *testing.T) pkgstorage.StorageEngine {
		engine, err := storage.NewMinioStorage(storage.MinioOptions{
			Endpoint:        endpoint,
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
		})
		require.NoError(t, err, "NewMinioStorage error")
		require.NoError(t, engine.EnsureBuckets(t.Context()), "EnsureBuckets error")
		return engine
	})
}
