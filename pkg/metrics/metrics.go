// Package metrics exposes a small Prometheus registry for the storage
// engine: per-operation counters, flush/compaction counters, and
// transaction outcome counters. Shape follows the teacher's
// pkg/metrics registry pattern (a private *prometheus.Registry plus
// promauto.With(...) constructors grouped by subsystem) rebuilt fresh
// and scoped to this engine's own events rather than graph/HTTP/
// licensing/replication metrics that have no place here.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this engine emits.
type Registry struct {
	registry *prometheus.Registry

	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	FlushesTotal       prometheus.Counter
	FlushDuration      prometheus.Histogram
	CompactionsTotal   prometheus.Counter
	CompactionDuration prometheus.Histogram
	SegmentsLive       prometheus.Gauge

	TransactionsCommitted prometheus.Counter
	TransactionsAborted   prometheus.Counter
	TransactionConflicts  prometheus.Counter

	InvalidPartitionTotal *prometheus.CounterVec
}

// NewRegistry builds a Registry backed by a fresh, isolated Prometheus
// registry (not the global default, so tests and multiple server
// instances in one process never collide on metric names).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.OperationsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "wcstore_operations_total",
		Help: "Total number of client operations handled, by kind and outcome.",
	}, []string{"kind", "status"})

	r.OperationDuration = promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wcstore_operation_duration_seconds",
		Help:    "Operation handling latency in seconds, by kind.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"kind"})

	r.FlushesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "wcstore_memtable_flushes_total",
		Help: "Total number of memtable flushes to SSTable segments.",
	})

	r.FlushDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name:    "wcstore_memtable_flush_duration_seconds",
		Help:    "Time spent draining a memtable and writing its SSTable segment.",
		Buckets: prometheus.DefBuckets,
	})

	r.CompactionsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "wcstore_compactions_total",
		Help: "Total number of compaction runs that merged a bucket of segments.",
	})

	r.CompactionDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name:    "wcstore_compaction_duration_seconds",
		Help:    "Time spent merging one bucket of segments.",
		Buckets: prometheus.DefBuckets,
	})

	r.SegmentsLive = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "wcstore_sstable_segments_live",
		Help: "Number of on-disk SSTable segments not yet compacted away.",
	})

	r.TransactionsCommitted = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "wcstore_transactions_committed_total",
		Help: "Total number of two-phase-commit transactions that committed.",
	})

	r.TransactionsAborted = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "wcstore_transactions_aborted_total",
		Help: "Total number of transactions explicitly aborted by the client.",
	})

	r.TransactionConflicts = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "wcstore_transaction_conflicts_total",
		Help: "Total number of commits rejected by CanCommit due to a version conflict.",
	})

	r.InvalidPartitionTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "wcstore_invalid_partition_total",
		Help: "Total number of single-key requests rejected because the client hashed to a partition this thread doesn't own.",
	}, []string{"kind"})

	return r
}

// RecordOperation records one client operation's outcome and latency.
func (r *Registry) RecordOperation(kind, status string, d time.Duration) {
	r.OperationsTotal.WithLabelValues(kind, status).Inc()
	r.OperationDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordFlush records one memtable-to-SSTable flush.
func (r *Registry) RecordFlush(d time.Duration) {
	r.FlushesTotal.Inc()
	r.FlushDuration.Observe(d.Seconds())
}

// RecordCompaction records one compaction run and the resulting live
// segment count.
func (r *Registry) RecordCompaction(d time.Duration, liveSegments int) {
	r.CompactionsTotal.Inc()
	r.CompactionDuration.Observe(d.Seconds())
	r.SegmentsLive.Set(float64(liveSegments))
}

// RecordTransactionCommit records a successful two-phase commit.
func (r *Registry) RecordTransactionCommit() {
	r.TransactionsCommitted.Inc()
}

// RecordTransactionAbort records an explicit client abort.
func (r *Registry) RecordTransactionAbort() {
	r.TransactionsAborted.Inc()
}

// RecordTransactionConflict records a commit rejected by CanCommit.
func (r *Registry) RecordTransactionConflict() {
	r.TransactionConflicts.Inc()
}

// RecordInvalidPartition records one single-key request rejected
// because its hash key did not belong to the handling thread.
func (r *Registry) RecordInvalidPartition(kind string) {
	r.InvalidPartitionTotal.WithLabelValues(kind).Inc()
}

// PrometheusRegistry returns the underlying registry for wiring into an
// HTTP /metrics exporter.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}
