package recovery

import (
	"context"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/store"
)

// sweepStaleWorkers is Sweep A: any worker whose heartbeat is
// older than WorkerStale is marked offline and its active jobs handed to
// Sweep B's orphan handling on the same tick, so a dead worker's jobs don't
// wait a full extra tick to be reconciled.
func (s *Supervisor) sweepStaleWorkers(ctx context.Context) error {
	stale, err := s.store.GetStaleWorkers(ctx, s.opts.WorkerStale.Milliseconds())
	if err != nil {
		return err
	}

	for _, w := range stale {
		if w.Status == store.WorkerOffline {
			continue
		}
		if err := s.store.UpdateWorkerStatus(ctx, w.WorkerID, store.WorkerOffline); err != nil {
			s.log.Warn("failed to mark worker offline", "worker_id", w.WorkerID, "error", err)
			continue
		}
		s.events.EmitLifecycle(ctx, events.Event{EventType: "worker.offline", WorkerID: w.WorkerID})

		jobs, err := s.store.GetActiveJobs(ctx, w.WorkerID)
		if err != nil {
			s.log.Warn("failed to list active jobs for offline worker", "worker_id", w.WorkerID, "error", err)
			continue
		}
		for _, j := range jobs {
			s.reconcileOrFail(ctx, j, "owner went offline")
		}
		// Reconciling a job returns its worker to idle; this worker is still
		// stale, so its offline status is set again.
		if len(jobs) > 0 {
			if err := s.store.UpdateWorkerStatus(ctx, w.WorkerID, store.WorkerOffline); err != nil {
				s.log.Warn("failed to mark worker offline", "worker_id", w.WorkerID, "error", err)
			}
		}
	}
	return nil
}
