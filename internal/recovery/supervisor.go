// Package recovery is the Recovery Supervisor: a ticker-driven
// loop performing three independent sweeps (stale workers, orphaned/stuck
// jobs, worker graveyard). Each sweep is fault-isolated: a panic or error
// in one must never abort the tick or the next tick.
package recovery

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobbroker/core/internal/archive"
	"github.com/jobbroker/core/internal/connector"
	"github.com/jobbroker/core/internal/engine"
	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/metrics"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/store"
)

// unworkableRequeuer is the narrow slice of broker.Broker the supervisor
// needs, kept as an interface for the same reason engine.workflowNotifier
// is: it avoids the recovery package importing broker just to call one
// method.
type unworkableRequeuer interface {
	RequeueUnworkable(ctx context.Context, jobID string) error
}

// Options configures sweep thresholds. ProgressSilenceByService overrides
// ProgressSilence for individual service_required tags; a service absent
// from the map uses ProgressSilence.
type Options struct {
	Tick                     time.Duration
	WorkerStale              time.Duration
	ProgressSilence          time.Duration
	ProgressSilenceByService map[string]time.Duration
	WorkerGC                 time.Duration
}

// progressSilenceFor resolves the stuck-job threshold for a service,
// falling back to the global default when no per-service override exists.
func (s *Supervisor) progressSilenceFor(service string) time.Duration {
	if d, ok := s.opts.ProgressSilenceByService[service]; ok && d > 0 {
		return d
	}
	return s.opts.ProgressSilence
}

// Supervisor drives the three sweeps on a single ticker.
type Supervisor struct {
	log        *logger.Logger
	store      *store.Store
	engine     *engine.Engine
	events     *events.Stream
	connectors *connector.Registry
	archiveSnk archive.Sink
	broker     unworkableRequeuer

	opts      Options
	reconcile *reconciler
}

func New(st *store.Store, eng *engine.Engine, stream *events.Stream, connectors *connector.Registry, archiveSnk archive.Sink, b unworkableRequeuer, log *logger.Logger, opts Options) *Supervisor {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.WorkerStale <= 0 {
		opts.WorkerStale = 90 * time.Second
	}
	if opts.ProgressSilence <= 0 {
		opts.ProgressSilence = 5 * time.Minute
	}
	if opts.WorkerGC <= 0 {
		opts.WorkerGC = time.Hour
	}
	if archiveSnk == nil {
		archiveSnk = archive.NoopSink{}
	}
	return &Supervisor{
		log:        log.With("component", "RecoverySupervisor"),
		store:      st,
		engine:     eng,
		events:     stream,
		connectors: connectors,
		archiveSnk: archiveSnk,
		broker:     b,
		opts:       opts,
		reconcile:  newReconciler(connectors, log),
	}
}

// SetMetrics attaches the Prometheus collectors the reconciler should
// report query latency and outcome against. Safe to leave unset.
func (s *Supervisor) SetMetrics(m *metrics.Metrics) { s.reconcile.SetMetrics(m) }

// Run blocks, executing a tick immediately and then every opts.Tick, until
// ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.tick(ctx)
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("recovery supervisor stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fans the graveyard sweep out concurrently with the worker/job
// sweeps via errgroup, since Sweep C only touches long-offline workers and
// shares no mutable state with A/B. A and B stay sequential within their
// own goroutine: Sweep A hands a stale worker's active jobs straight to the
// same reconciliation path Sweep B uses, so interleaving them would risk
// double-processing the same job.
func (s *Supervisor) tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.runSweep(gctx, "stale_workers", s.sweepStaleWorkers)
		s.runSweep(gctx, "orphaned_jobs", s.sweepOrphanedJobs)
		return nil
	})
	g.Go(func() error {
		s.runSweep(gctx, "worker_graveyard", s.sweepWorkerGraveyard)
		return nil
	})
	_ = g.Wait()
}

// runSweep isolates a single sweep: a panic is recovered and logged, an
// error is logged, and either way the next sweep (and the next tick) still
// runs.
func (s *Supervisor) runSweep(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovery sweep panicked", "sweep", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		s.log.Warn("recovery sweep failed", "sweep", name, "error", err)
	}
}
