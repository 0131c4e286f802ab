// Package api serves a Manager over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"

	"filevault/internal/core"
	"filevault/internal/metrics"
	"filevault/pkg/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Files is the part of core.Manager the API needs.
type Files interface {
	Upload(ctx context.Context, name string, extension string, data io.ReadSeeker) (storage.FileMetadata, error)
	FetchMetadata(ctx context.Context, fileID uuid.UUID) (storage.FileMetadata, error)
	Download(ctx context.Context, fileID uuid.UUID) (*bytes.Reader, error)
	Delete(ctx context.Context, fileID uuid.UUID) error
	Exists(ctx context.Context, fileID uuid.UUID) (bool, error)
	Verify(ctx context.Context, fileID uuid.UUID) error
}

type Config struct {
	// TempDir receives request bodies while they are uploaded. Empty selects
	// os.TempDir().
	TempDir string

	// MaxUploadSize limits request bodies. Zero means no limit.
	MaxUploadSize int64

	// Registry backs /metrics and the HTTP request metrics. Nil selects a
	// fresh registry.
	Registry *prometheus.Registry

	Logger *slog.Logger
}

type Server struct {
	files   Files
	cfg     Config
	metrics *metrics.HTTPMetrics
}

func NewServer(files Files, cfg Config) (*Server, error) {
	if files == nil {
		return nil, errors.New("files must not be nil")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		files:   files,
		cfg:     cfg,
		metrics: metrics.NewHTTPMetrics(cfg.Registry),
	}, nil
}

// Handler returns the http.Handler serving the file API, /metrics and
// /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern string, handler http.HandlerFunc) {
		mux.Handle(pattern, Instrument(s.metrics, pattern, handler))
	}

	route("POST /files", s.handleUpload)
	route("GET /files/{id}", s.handleDownload)
	route("HEAD /files/{id}", s.handleExists)
	route("GET /files/{id}/metadata", s.handleMetadata)
	route("DELETE /files/{id}", s.handleDelete)
	route("POST /files/{id}/verify", s.handleVerify)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	return LogRequest(s.cfg.Logger, Recoverer(s.cfg.Logger, SlashFix(mux)))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeFailure maps err onto a status code. Internal errors are logged and
// reported without detail.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrHashMismatch), errors.Is(err, core.ErrAlgorithmMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", maxBytes.Limit))
	default:
		s.cfg.Logger.Error("Request failed", "method", r.Method, "url", r.URL.String(), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseFileID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed file id %q", storage.ErrInvalidArgument, r.PathValue("id"))
	}
	return id, nil
}

// spoolBody copies the request body into a temporary file so the upload can
// be read from the start more than once. The caller removes the file.
func (s *Server) spoolBody(w http.ResponseWriter, r *http.Request) (*os.File, error) {
	f, err := os.CreateTemp(s.cfg.TempDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	body := r.Body
	if s.cfg.MaxUploadSize > 0 {
		body = http.MaxBytesReader(w, body, s.cfg.MaxUploadSize)
	}

	if _, err := io.Copy(f, body); err != nil {
		s.discard(f)
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return f, nil
}

func (s *Server) discard(f *os.File) {
	if err := f.Close(); err != nil {
		s.cfg.Logger.Debug("Failed to close temp upload file", "path", f.Name(), "err", err)
	}
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		s.cfg.Logger.Debug("Failed to remove temp upload file", "path", f.Name(), "err", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	body, err := s.spoolBody(w, r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer s.discard(body)

	meta, err := s.files.Upload(r.Context(), query.Get("name"), query.Get("extension"), body)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Location", "/files/"+meta.FileID.String())
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := parseFileID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	meta, err := s.files.FetchMetadata(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	content, err := s.files.Download(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	// ServeContent picks the content type from the extension, sniffing the
	// payload when the extension is not registered.
	filename := meta.Name + meta.Extension
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	http.ServeContent(w, r, filename, meta.UploadedAt, content)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	id, err := parseFileID(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ok, err := s.files.Exists(r.Context(), id)
	switch {
	case err != nil:
		s.cfg.Logger.Error("Existence check failed", "file_id", id, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
	case !ok:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseFileID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	meta, err := s.files.FetchMetadata(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseFileID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if err := s.files.Delete(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyResponse struct {
	FileID   uuid.UUID `json:"fileId"`
	Verified bool      `json:"verified"`
}

// handleVerify restores the file and compares its digest with the one taken
// at upload. A mismatch is reported as 409.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := parseFileID(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if err := s.files.Verify(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{FileID: id, Verified: true})
}
