// Package metrics exposes prometheus instrumentation for the archive
// engine: chunk traffic, deduplication effectiveness and operation
// durations.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultRegistry is the default prometheus registry.
var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all engine metrics.
type Metrics struct {
	chunksStored      prometheus.Counter
	chunksDeduped     prometheus.Counter
	bytesOriginal     prometheus.Counter
	bytesStored       prometheus.Counter
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec
	itemsProcessed    *prometheus.CounterVec
	repairActions     *prometheus.CounterVec
	goroutines        prometheus.Gauge
	memoryAllocBytes  prometheus.Gauge
}

// NewMetrics registers the metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry registers on a custom registry; tests use
// this to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunksStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbonvault_chunks_stored_total",
			Help: "Chunks written to the repository",
		}),
		chunksDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbonvault_chunks_deduplicated_total",
			Help: "Chunk references satisfied by existing chunks",
		}),
		bytesOriginal: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbonvault_bytes_original_total",
			Help: "Plaintext bytes presented to the chunker",
		}),
		bytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "carbonvault_bytes_stored_total",
			Help: "Ciphertext bytes written to the repository",
		}),
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonvault_operations_total",
			Help: "Archive operations by type and outcome",
		}, []string{"operation", "status"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carbonvault_operation_duration_seconds",
			Help:    "Archive operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"operation"}),
		operationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonvault_operation_errors_total",
			Help: "Archive operation errors by type",
		}, []string{"operation"}),
		itemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonvault_items_processed_total",
			Help: "Items processed by file type",
		}, []string{"type"}),
		repairActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carbonvault_repair_actions_total",
			Help: "Checker repair actions by kind",
		}, []string{"kind"}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carbonvault_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carbonvault_memory_alloc_bytes",
			Help: "Currently allocated heap bytes",
		}),
	}
}

// RecordChunk accounts one chunk reference.
func (m *Metrics) RecordChunk(size, csize uint32, unique bool) {
	if unique {
		m.chunksStored.Inc()
		m.bytesStored.Add(float64(csize))
	} else {
		m.chunksDeduped.Inc()
	}
	m.bytesOriginal.Add(float64(size))
}

// RecordOperation accounts one completed archive operation.
func (m *Metrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.operationErrors.WithLabelValues(operation).Inc()
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordItem accounts one processed item.
func (m *Metrics) RecordItem(fileType string) {
	m.itemsProcessed.WithLabelValues(fileType).Inc()
}

// RecordRepair accounts one checker repair action.
func (m *Metrics) RecordRepair(kind string) {
	m.repairActions.WithLabelValues(kind).Inc()
}

// UpdateRuntime refreshes the process gauges.
func (m *Metrics) UpdateRuntime() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.memoryAllocBytes.Set(float64(ms.Alloc))
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr in the background. Errors are
// delivered on the returned channel.
func Serve(addr string) <-chan error {
	errCh := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		errCh <- http.ListenAndServe(addr, mux)
	}()
	return errCh
}
