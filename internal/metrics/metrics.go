// Package metrics exposes Prometheus instrumentation for storage engines and
// the HTTP API.
package metrics

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"filevault/pkg/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// register adds c to reg, returning the collector that is already registered
// under the same descriptor if there is one, so several engines and tests can
// share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

type engineCollectors struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
}

func newEngineCollectors(reg prometheus.Registerer) engineCollectors {
	return engineCollectors{
		operations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_storage_operations_total",
				Help: "Storage engine operations by engine, operation and result.",
			},
			[]string{"engine", "op", "result"},
		)),
		duration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filevault_storage_operation_duration_seconds",
				Help:    "Latency of storage engine operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"engine", "op"},
		)),
		bytes: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_storage_bytes_total",
				Help: "Persisted bytes written to or read from storage engines.",
			},
			[]string{"engine", "direction"},
		)),
	}
}

// InstrumentedEngine wraps a StorageEngine and records the count, outcome and
// latency of every call.
type InstrumentedEngine struct {
	next       storage.StorageEngine
	name       string
	collectors engineCollectors
}

func NewInstrumentedEngine(engine storage.StorageEngine, name string, reg prometheus.Registerer) *InstrumentedEngine {
	return &InstrumentedEngine{
		next:       engine,
		name:       name,
		collectors: newEngineCollectors(reg),
	}
}

// result classifies err for the result label.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func (e *InstrumentedEngine) observe(op string, start time.Time, err error) {
	e.collectors.duration.WithLabelValues(e.name, op).Observe(time.Since(start).Seconds())
	e.collectors.operations.WithLabelValues(e.name, op, result(err)).Inc()
}

func (e *InstrumentedEngine) Store(ctx context.Context, meta storage.FileMetadata, data io.Reader, size int64) (storage.FileMetadata, error) {
	start := time.Now()
	stored, err := e.next.Store(ctx, meta, data, size)
	e.observe("store", start, err)
	if err == nil {
		e.collectors.bytes.WithLabelValues(e.name, "write").Add(float64(size))
	}
	return stored, err
}

func (e *InstrumentedEngine) GetMetadata(ctx context.Context, fileID uuid.UUID) (storage.FileMetadata, error) {
	start := time.Now()
	meta, err := e.next.GetMetadata(ctx, fileID)
	e.observe("get_metadata", start, err)
	return meta, err
}

// GetData times opening the payload. Bytes are counted as the caller reads.
func (e *InstrumentedEngine) GetData(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := e.next.GetData(ctx, fileID)
	e.observe("get_data", start, err)
	if err != nil {
		return nil, err
	}
	return &countingReadCloser{ReadCloser: rc, counter: e.collectors.bytes.WithLabelValues(e.name, "read")}, nil
}

func (e *InstrumentedEngine) Delete(ctx context.Context, fileID uuid.UUID) error {
	start := time.Now()
	err := e.next.Delete(ctx, fileID)
	e.observe("delete", start, err)
	return err
}

func (e *InstrumentedEngine) Exists(ctx context.Context, fileID uuid.UUID) (bool, error) {
	start := time.Now()
	ok, err := e.next.Exists(ctx, fileID)
	e.observe("exists", start, err)
	return ok, err
}

func (e *InstrumentedEngine) Close() error {
	return e.next.Close()
}

type countingReadCloser struct {
	io.ReadCloser
	counter prometheus.Counter
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.counter.Add(float64(n))
	return n, err
}

// HTTPMetrics records request counts and latencies for the HTTP API.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	return &HTTPMetrics{
		requests: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filevault_http_requests_total",
				Help: "HTTP requests by route, method and status.",
			},
			[]string{"method", "route", "status"},
		)),
		duration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "filevault_http_request_duration_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)),
	}
}

// Observe records one finished request. route should be the registered
// pattern, not the raw path, to keep label cardinality bounded.
func (m *HTTPMetrics) Observe(method string, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

