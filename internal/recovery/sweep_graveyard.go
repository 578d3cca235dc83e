package recovery

import (
	"context"

	"github.com/jobbroker/core/internal/archive"
	"github.com/jobbroker/core/internal/store"
)

// sweepWorkerGraveyard is Sweep C: workers offline longer than
// WorkerGC are removed from the registry; their historical counters are
// preserved in an archive key and, if an archival sink is configured, in
// the sink too.
func (s *Supervisor) sweepWorkerGraveyard(ctx context.Context) error {
	workers, err := s.store.ListActiveWorkers(ctx)
	if err != nil {
		return err
	}
	now := store.NowMs()

	for _, w := range workers {
		if w.Status != store.WorkerOffline {
			continue
		}
		if now-w.LastHeartbeatAt < s.opts.WorkerGC.Milliseconds() {
			continue
		}

		if err := s.store.ArchiveWorker(ctx, w); err != nil {
			s.log.Warn("failed to archive worker before gc", "worker_id", w.WorkerID, "error", err)
		}
		_ = s.archiveSnk.Archive(ctx, archive.Record{
			Kind:     "worker",
			ID:       w.WorkerID,
			ClosedAt: now,
			Fields: map[string]interface{}{
				"jobs_completed": w.JobsCompleted,
				"jobs_failed":    w.JobsFailed,
			},
		})

		if err := s.store.RemoveWorker(ctx, w.WorkerID); err != nil {
			s.log.Warn("failed to gc worker", "worker_id", w.WorkerID, "error", err)
		}
	}
	return nil
}
