package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ShardRecovery/internal/candidate"
	"ShardRecovery/internal/recovery"
)

const namespace = "shardrecovery"

// Metrics exports recovery and import counters on a private registry.
// It implements recovery.Observer and importer.Observer.
type Metrics struct {
	registry *prometheus.Registry // registry holds only our collectors

	active        prometheus.Gauge         // active counts running recoveries
	started       prometheus.Counter       // started counts recoveries begun
	recovered     *prometheus.CounterVec   // recovered counts successes by path
	failed        *prometheus.CounterVec   // failed counts failures by reason
	cancelled     prometheus.Counter       // cancelled counts tasks stopped before completion
	duration      *prometheus.HistogramVec // duration observes time to recover by path
	chunks        *prometheus.CounterVec   // chunks counts chunk requests by outcome
	imports       prometheus.Counter       // imports counts accepted bodies
	importRejects prometheus.Counter       // importRejects counts refused bodies
}

// New creates the collectors and registers them with Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recoveries_active",
			Help:      "Recoveries currently running.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_started_total",
			Help:      "Recoveries started.",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_succeeded_total",
			Help:      "Bodies recovered, by path.",
		}, []string{"path"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_failed_total",
			Help:      "Recoveries that ended without a body, by reason.",
		}, []string{"reason"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_cancelled_total",
			Help:      "Recoveries stopped by cancellation or reorg.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Time from start to verified body.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"path"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_requests_total",
			Help:      "Chunk requests, by outcome.",
		}, []string{"outcome"}),
		imports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Recovered bodies imported into the local chain.",
		}),
		importRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_rejected_total",
			Help:      "Recovered bodies refused by the import pipeline.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.active, m.started, m.recovered, m.failed, m.cancelled, m.duration,
		m.chunks, m.imports, m.importRejects,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecoveryStarted counts a new task.
func (m *Metrics) RecoveryStarted(candidate.Hash) {
	m.started.Inc()
	m.active.Inc()
}

// RecoverySucceeded records a verified body.
func (m *Metrics) RecoverySucceeded(_ candidate.Hash, fastPath bool, elapsed time.Duration) {
	path := "chunks"
	if fastPath {
		path = "fast"
	}

	m.active.Dec()
	m.recovered.WithLabelValues(path).Inc()
	m.duration.WithLabelValues(path).Observe(elapsed.Seconds())
}

// RecoveryFailed records a task that ended without a body.
func (m *Metrics) RecoveryFailed(_ candidate.Hash, err error) {
	m.active.Dec()
	m.failed.WithLabelValues(reason(err)).Inc()
}

// RecoveryCancelled records a task stopped by cancellation or reorg.
func (m *Metrics) RecoveryCancelled(candidate.Hash) {
	m.active.Dec()
	m.cancelled.Inc()
}

// ChunkRequested counts an outgoing chunk request.
func (m *Metrics) ChunkRequested(candidate.Hash) {
	m.chunks.WithLabelValues("requested").Inc()
}

// ChunkAccepted counts a chunk that passed its proof.
func (m *Metrics) ChunkAccepted(candidate.Hash) {
	m.chunks.WithLabelValues("accepted").Inc()
}

// ChunkRejected counts a missing, late, or invalid chunk.
func (m *Metrics) ChunkRejected(_ candidate.Hash, err error) {
	m.chunks.WithLabelValues(reason(err)).Inc()
}

// ImportSucceeded counts an imported body.
func (m *Metrics) ImportSucceeded(candidate.Hash) {
	m.imports.Inc()
}

// ImportRejected counts a refused body.
func (m *Metrics) ImportRejected(candidate.Hash, error) {
	m.importRejects.Inc()
}

// reason maps recovery errors to a bounded label set.
func reason(err error) string {
	switch {
	case errors.Is(err, recovery.ErrCancelled):
		return "cancelled"
	case errors.Is(err, recovery.ErrReconstructionMismatch):
		return "mismatch"
	case errors.Is(err, recovery.ErrUnrecoverable):
		return "unrecoverable"
	case errors.Is(err, recovery.ErrNotFound):
		return "not_found"
	case errors.Is(err, recovery.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, recovery.ErrInvalidProof):
		return "bad_proof"
	default:
		return "other"
	}
}
