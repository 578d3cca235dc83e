package recovery

import (
	"context"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/store"
)

// sweepOrphanedJobs is Sweep B: every active job is checked for
// three offending conditions: orphaned (no live owning worker), timed out
// (started_at + timeout_ms < now), or stuck (no progress for
// ProgressSilence while the worker is still alive). A timed-out job is
// terminalised via the engine; an orphan whose service no non-offline
// worker advertises is requeued without charging a retry; every other
// offending job is routed to reconcileOrFail.
func (s *Supervisor) sweepOrphanedJobs(ctx context.Context) error {
	jobs, err := s.store.GetActiveJobs(ctx, "")
	if err != nil {
		return err
	}
	now := store.NowMs()

	for _, j := range jobs {
		if j.StartedAt > 0 && now-j.StartedAt > j.TimeoutMs {
			s.handleTimeout(ctx, j)
			continue
		}

		var ownerLive bool
		if j.WorkerID != "" {
			w, found, err := s.store.GetWorker(ctx, j.WorkerID)
			ownerLive = err == nil && found && w.Status != store.WorkerOffline
		}
		if j.WorkerID == "" || !ownerLive {
			if ok, err := s.store.HasWorkerForService(ctx, j.ServiceRequired); err == nil && !ok {
				s.handleUnworkable(ctx, j)
				continue
			}
			s.reconcileOrFail(ctx, j, "orphaned: no live owning worker")
			continue
		}

		if j.UpdatedAt > 0 && now-j.UpdatedAt > s.progressSilenceFor(j.ServiceRequired).Milliseconds() {
			s.reconcileOrFail(ctx, j, "stuck: no progress within silence window")
		}
	}
	return nil
}

func (s *Supervisor) handleTimeout(ctx context.Context, j store.Job) {
	if _, err := s.engine.TimeoutJob(ctx, j); err != nil {
		s.log.Warn("failed to terminalise timed-out job", "job_id", j.JobID, "error", err)
	}
}

// handleUnworkable routes a job to RequeueUnworkable instead of the
// retry-charging path when zero currently-registered workers advertise its
// service_required: charging a retry would be pointless (no worker exists
// to reclaim it) and could exhaust max_retries before a capable worker ever
// connects.
func (s *Supervisor) handleUnworkable(ctx context.Context, j store.Job) {
	if err := s.broker.RequeueUnworkable(ctx, j.JobID); err != nil {
		s.log.Warn("failed to requeue unworkable job", "job_id", j.JobID, "error", err)
	}
}

// reconcileOrFail is shared by Sweeps A and B: if the connector for the
// job's service advertises queryable status, ask it for ground truth before
// deciding whether to retry. Falls back to conservative retry
// accounting on any query error, never assuming completion.
func (s *Supervisor) reconcileOrFail(ctx context.Context, j store.Job, reason string) {
	if j.ServiceJobID != "" && s.connectors.SupportsStatusQuery(j.ServiceRequired) {
		result, err := s.reconcile.query(ctx, j.ServiceRequired, j.ServiceJobID)
		if err == nil {
			switch result.State {
			case "completed":
				if _, cerr := s.engine.CompleteJob(ctx, j.JobID, j.WorkerID, result.Result); cerr != nil {
					s.log.Warn("failed to finalise reconciled completion", "job_id", j.JobID, "error", cerr)
				}
				return
			case "failed", "not_found":
				// fall through to retry accounting below.
			default:
				// unknown/transient: proceed conservatively.
			}
		} else {
			s.log.Warn("connector reconciliation query failed, proceeding conservatively", "job_id", j.JobID, "error", err)
		}
	}

	s.retryOrFail(ctx, j, reason)
}

func (s *Supervisor) retryOrFail(ctx context.Context, j store.Job, reason string) {
	canRetry := j.RetryCount < j.MaxRetries
	if _, err := s.engine.FailJob(ctx, j.JobID, j.WorkerID, reason, canRetry); err != nil {
		s.log.Warn("failed to fail/retry job during recovery", "job_id", j.JobID, "error", err)
		return
	}
	s.events.EmitLifecycle(ctx, events.Event{EventType: "recovery.job_reconciled", JobID: j.JobID, JobType: j.ServiceRequired, Priority: j.Priority, Data: map[string]interface{}{"reason": reason}})
}
