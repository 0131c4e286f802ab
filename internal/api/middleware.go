package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"filevault/internal/metrics"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Status is the code sent to the client, or 200 if the handler wrote nothing.
func (w *ResponseWriterWrapper) Status() int {
	if w.WrittenResponseCode == 0 {
		return http.StatusOK
	}
	return w.WrittenResponseCode
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest is middleware that logs every request once it has been served.
func LogRequest(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start)

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.Status()

		switch {
		case entry.StatusCode >= 500:
			logger.Error("Request", entry.User(), entry.Request())
		case entry.StatusCode >= 400:
			logger.Warn("Request", entry.User(), entry.Request())
		default:
			logger.Info("Request", entry.User(), entry.Request())
		}
	})
}

// Instrument records the outcome of every request to route in m.
func Instrument(m *metrics.HTTPMetrics, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)
		m.Observe(r.Method, route, writer.Status(), time.Since(start))
	})
}

func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replace all occurrences of "//" with "/" in the URL path
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func Recoverer(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				logger.Error("Internal Error in HTTP handler", "error", rvr, "url", r.URL.String())

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
