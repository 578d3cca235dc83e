// Package metrics exposes Prometheus collectors for the kernel's
// backpressure and reconciliation behavior: claim-scan depth,
// reconciliation latency, and per-bucket job/stream sizing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "jobbroker"
	subsystem = "core"
)

// Metrics holds every collector the broker, engine, and recovery supervisor
// report to.
type Metrics struct {
	ClaimScanDepth         prometheus.Histogram
	JobsClaimedTotal       *prometheus.CounterVec
	JobsRetriedTotal       prometheus.Counter
	JobsOrphanedTotal      prometheus.Counter
	ReconciliationLatency  *prometheus.HistogramVec
	ReconciliationOutcomes *prometheus.CounterVec
	StreamLength           *prometheus.GaugeVec
	QueueDepth             prometheus.Gauge
	ActiveWorkers          prometheus.Gauge
}

// New creates and registers every collector against reg. Pass nil to use
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.ClaimScanDepth = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "claim_scan_depth",
		Help:      "Configured pending-queue scan bound of each claim attempt (the number of entries actually scanned is not recorded)",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1 to 256
	})

	m.JobsClaimedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_claimed_total",
		Help:      "Total number of jobs claimed by workers, by outcome",
	}, []string{"outcome"}) // claimed, no_eligible_job

	m.JobsRetriedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_retried_total",
		Help:      "Total number of job failures that were retried rather than terminalised",
	})

	m.JobsOrphanedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "jobs_orphaned_total",
		Help:      "Total number of active jobs found with no live owning worker during a recovery sweep",
	})

	m.ReconciliationLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "reconciliation_latency_seconds",
		Help:      "Time spent querying a connector for a job's true external state during recovery",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"service"})

	m.ReconciliationOutcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "reconciliation_outcomes_total",
		Help:      "Outcome of each recovery reconciliation query, by service and result",
	}, []string{"service", "outcome"}) // running, completed, failed, not_found, error

	m.StreamLength = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "event_stream_length",
		Help:      "Approximate length of an event stream, by stream name",
	}, []string{"stream"})

	m.QueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "pending_queue_depth",
		Help:      "Number of jobs currently waiting in the pending queue",
	})

	m.ActiveWorkers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_workers",
		Help:      "Number of workers currently registered",
	})

	return m
}

func (m *Metrics) RecordClaim(scanDepth int, eligible bool) {
	m.ClaimScanDepth.Observe(float64(scanDepth))
	if eligible {
		m.JobsClaimedTotal.WithLabelValues("claimed").Inc()
	} else {
		m.JobsClaimedTotal.WithLabelValues("no_eligible_job").Inc()
	}
}

func (m *Metrics) RecordReconciliation(service, outcome string, latencySeconds float64) {
	m.ReconciliationLatency.WithLabelValues(service).Observe(latencySeconds)
	m.ReconciliationOutcomes.WithLabelValues(service, outcome).Inc()
}
