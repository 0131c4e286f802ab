package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"filevault/internal/api"
	"filevault/internal/core"
	internalstorage "filevault/internal/storage"
	"filevault/pkg/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// NewTestServer serves a memory-backed Manager with gzip compression and
// returns the httptest.Server wrapping it.
func NewTestServer(t *testing.T, cfg api.Config) *httptest.Server {
	t.Helper()

	manager, err := core.NewManager(
		core.WithStorageEngine(internalstorage.NewMemoryStorage()),
		core.WithCompressor(core.GzipCompressor{}),
	)
	require.NoError(t, err, "NewManager error")
	t.Cleanup(func() { _ = manager.Close() })

	return newHTTPServer(t, manager, cfg)
}

func newHTTPServer(t *testing.T, files api.Files, cfg api.Config) *httptest.Server {
	t.Helper()

	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}

	srv, err := api.NewServer(files, cfg)
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return httpSrv
}

func DoMethod(t *testing.T, method string, url string, body []byte) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, url, reader)
	require.NoError(t, err, "creating "+method+" request")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, method+" request failed")
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func uploadURL(base string, name string, extension string) string {
	return base + "/files?" + url.Values{"name": {name}, "extension": {extension}}.Encode()
}

func upload(t *testing.T, base string, payload []byte) storage.FileMetadata {
	t.Helper()

	resp := DoMethod(t, http.MethodPost, uploadURL(base, "report", ".txt"), payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "upload status")

	var meta storage.FileMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta), "decoding metadata")
	require.Equal(t, "/files/"+meta.FileID.String(), resp.Header.Get("Location"))
	return meta
}

func TestFileLifecycle(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, api.Config{})
	payload := bytes.Repeat([]byte("the quick brown fox "), 500)

	meta := upload(t, srv.URL, payload)
	require.Equal(t, "report", meta.Name)
	require.Equal(t, int64(len(payload)), meta.OriginalSize)
	require.Equal(t, storage.CompressionGzip, meta.CompressionAlgorithm)

	fileURL := srv.URL + "/files/" + meta.FileID.String()

	resp := DoMethod(t, http.MethodHead, fileURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "HEAD of stored file")

	resp = DoMethod(t, http.MethodGet, fileURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "download status")
	require.Contains(t, resp.Header.Get("Content-Disposition"), "report.txt")
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"), "content type from extension")
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading download")
	require.Equal(t, payload, got, "downloaded bytes should match the upload")

	resp = DoMethod(t, http.MethodGet, fileURL+"/metadata", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "metadata status")
	var fetched storage.FileMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched), "decoding metadata")
	require.Equal(t, meta, fetched)

	resp = DoMethod(t, http.MethodDelete, fileURL, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "delete status")

	resp = DoMethod(t, http.MethodHead, fileURL, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "HEAD after delete")

	resp = DoMethod(t, http.MethodDelete, fileURL, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "second delete")
}

func TestDownloadRange(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, api.Config{})
	meta := upload(t, srv.URL, []byte("0123456789"))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/files/"+meta.FileID.String(), nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "range request failed")
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "2345", string(got))
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, api.Config{MaxUploadSize: 16})
	missing := srv.URL + "/files/" + uuid.New().String()

	tests := []struct {
		name   string
		method string
		url    string
		body   []byte
		status int
	}{
		{name: "missing name", method: http.MethodPost, url: srv.URL + "/files?extension=.txt", body: []byte("x"), status: http.StatusBadRequest},
		{name: "bad extension", method: http.MethodPost, url: uploadURL(srv.URL, "a", "txt"), body: []byte("x"), status: http.StatusBadRequest},
		{name: "name with slash", method: http.MethodPost, url: uploadURL(srv.URL, "a/b", ".txt"), body: []byte("x"), status: http.StatusBadRequest},
		{name: "too large", method: http.MethodPost, url: uploadURL(srv.URL, "big", ".bin"), body: make([]byte, 17), status: http.StatusRequestEntityTooLarge},
		{name: "malformed id", method: http.MethodGet, url: srv.URL + "/files/not-a-uuid", status: http.StatusBadRequest},
		{name: "malformed id head", method: http.MethodHead, url: srv.URL + "/files/not-a-uuid", status: http.StatusBadRequest},
		{name: "unknown download", method: http.MethodGet, url: missing, status: http.StatusNotFound},
		{name: "unknown metadata", method: http.MethodGet, url: missing + "/metadata", status: http.StatusNotFound},
		{name: "unknown head", method: http.MethodHead, url: missing, status: http.StatusNotFound},
		{name: "unknown delete", method: http.MethodDelete, url: missing, status: http.StatusNotFound},
		{name: "method not allowed", method: http.MethodPut, url: missing, status: http.StatusMethodNotAllowed},
		{name: "unknown verify", method: http.MethodPost, url: missing + "/verify", status: http.StatusNotFound},
		{name: "malformed id verify", method: http.MethodPost, url: srv.URL + "/files/not-a-uuid/verify", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := DoMethod(t, tt.method, tt.url, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestEmptyUpload(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, api.Config{})
	meta := upload(t, srv.URL, []byte{})
	require.Zero(t, meta.OriginalSize)

	resp := DoMethod(t, http.MethodGet, srv.URL+"/files/"+meta.FileID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestTrailingSlash(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, api.Config{})
	meta := upload(t, srv.URL, []byte("slashes"))

	resp := DoMethod(t, http.MethodGet, srv.URL+"/files/"+meta.FileID.String()+"/metadata/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv := NewTestServer(t, api.Config{Registry: prometheus.NewRegistry()})

	resp := DoMethod(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	upload(t, srv.URL, []byte("counted"))

	resp = DoMethod(t, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `filevault_http_requests_total{method="POST",route="POST /files",status="201"} 1`)
}

// brokenFiles fails or panics on every call.
type brokenFiles struct {
	panics bool
}

var errBackend = errors.New("backend unavailable")

func (b brokenFiles) fail() error {
	if b.panics {
		panic("boom")
	}
	return errBackend
}

func (b brokenFiles) Upload(context.Context, string, string, io.ReadSeeker) (storage.FileMetadata, error) {
	return storage.FileMetadata{}, b.fail()
}

func (b brokenFiles) FetchMetadata(context.Context, uuid.UUID) (storage.FileMetadata, error) {
	return storage.FileMetadata{}, b.fail()
}

func (b brokenFiles) Download(context.Context, uuid.UUID) (*bytes.Reader, error) {
	return nil, b.fail()
}

func (b brokenFiles) Delete(context.Context, uuid.UUID) error {
	return b.fail()
}

func (b brokenFiles) Exists(context.Context, uuid.UUID) (bool, error) {
	return false, b.fail()
}

func (b brokenFiles) Verify(context.Context, uuid.UUID) error {
	return b.fail()
}

func TestBackendFailures(t *testing.T) {
	t.Parallel()

	for _, panics := range []bool{false, true} {
		srv := newHTTPServer(t, brokenFiles{panics: panics}, api.Config{})
		fileURL := srv.URL + "/files/" + uuid.New().String()

		resp := DoMethod(t, http.MethodGet, fileURL+"/metadata", nil)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode, "panics=%v", panics)

		resp = DoMethod(t, http.MethodPost, uploadURL(srv.URL, "a", ".txt"), []byte("x"))
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode, "panics=%v", panics)

		resp = DoMethod(t, http.MethodHead, fileURL, nil)
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode, "panics=%v", panics)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	engine := internalstorage.NewMemoryStorage()
	manager, err := core.NewManager(core.WithStorageEngine(engine))
	require.NoError(t, err, "NewManager error")
	t.Cleanup(func() { _ = manager.Close() })
	srv := newHTTPServer(t, manager, api.Config{})

	meta := upload(t, srv.URL, []byte("checked twice"))

	resp := DoMethod(t, http.MethodPost, srv.URL+"/files/"+meta.FileID.String()+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "verify status")
	var verified struct {
		FileID   uuid.UUID `json:"fileId"`
		Verified bool      `json:"verified"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verified), "decoding verify response")
	require.Equal(t, meta.FileID, verified.FileID)
	require.True(t, verified.Verified)

	// A record whose bytes no longer hash to the recorded digest.
	tampered := meta
	tampered.FileID = uuid.New()
	_, err = engine.Store(t.Context(), tampered, strings.NewReader("checked twicE"), tampered.PersistedSize)
	require.NoError(t, err, "Store error")

	resp = DoMethod(t, http.MethodPost, srv.URL+"/files/"+tampered.FileID.String()+"/verify", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "verify of tampered file")
}
