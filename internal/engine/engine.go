// Package engine is the Progress/Completion Engine: progress
// updates, completion, failure with retry accounting, cancellation, and
// per-job timeout detection. It is the mutation half of the job lifecycle;
// claim and release live in broker.
package engine

import (
	"context"
	"errors"

	"github.com/jobbroker/core/internal/events"
	brokererrors "github.com/jobbroker/core/internal/pkg/errors"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/store"
)

// workflowNotifier is the narrow slice of broker.Broker the engine needs,
// kept as an interface so engine doesn't import broker and depends only on
// the one method it calls.
type workflowNotifier interface {
	NotifyTerminal(ctx context.Context, job store.Job)
}

// Engine wraps store.Store with the C4 semantics.
type Engine struct {
	log      *logger.Logger
	store    *store.Store
	events   *events.Stream
	workflow workflowNotifier
}

func New(st *store.Store, stream *events.Stream, workflow workflowNotifier, log *logger.Logger) *Engine {
	return &Engine{log: log.With("component", "Engine"), store: st, events: stream, workflow: workflow}
}

// UpdateProgress writes progress fields for a job still owned by workerID.
// Publishes on the ephemeral status channel only, never the persistent
// stream. eventTs is the sender's own message
// timestamp, used by the store to drop updates that arrive out of order
// relative to one already applied; pass 0 if the caller has none.
func (e *Engine) UpdateProgress(ctx context.Context, jobID, workerID string, progress int, text string, estimatedDoneAt int64, eventTs int64) (store.Job, error) {
	job, err := e.store.UpdateProgress(ctx, jobID, workerID, progress, text, estimatedDoneAt, eventTs)
	if err != nil {
		return store.Job{}, err
	}
	e.events.PublishStatus(ctx, "job:"+jobID+":status", map[string]interface{}{
		"job_id":                job.JobID,
		"status":                string(job.Status),
		"progress":              job.Progress,
		"progress_text":         job.ProgressText,
		"estimated_completion":  job.EstimatedDoneAt,
	})
	return job, nil
}

// CompleteJob transitions a job to completed. Calling it twice for the
// same (job_id, worker_id) after the first succeeds is treated as a no-op
// success, since the external service or a racing sweep may have already
// reported completion independently.
func (e *Engine) CompleteJob(ctx context.Context, jobID, workerID string, result []byte) (store.Job, error) {
	job, err := e.store.CompleteJob(ctx, jobID, workerID, result)
	if err != nil {
		if errors.Is(err, brokererrors.ErrStaleUpdate) {
			if existing, found, getErr := e.store.GetJob(ctx, jobID); getErr == nil && found &&
				existing.Status == store.StatusCompleted {
				return existing, nil
			}
		}
		return store.Job{}, err
	}

	if err := e.store.IncrementWorkerCounters(ctx, workerID, 1, 0); err != nil {
		e.log.Warn("failed to increment worker counters", "worker_id", workerID, "error", err)
	}
	if err := e.store.UpdateWorkerStatus(ctx, workerID, store.WorkerIdle); err != nil {
		e.log.Warn("failed to mark worker idle", "worker_id", workerID, "error", err)
	}
	if err := e.store.SetWorkerCurrentJobs(ctx, workerID, nil); err != nil {
		e.log.Warn("failed to clear worker current jobs", "worker_id", workerID, "error", err)
	}

	e.events.EmitLifecycle(ctx, events.Event{EventType: "job.completed", JobID: jobID, WorkerID: workerID, JobType: job.ServiceRequired, Priority: job.Priority})
	e.events.PublishStatus(ctx, "job:"+jobID+":status", map[string]interface{}{
		"job_id": jobID, "status": string(store.StatusCompleted),
	})
	e.workflow.NotifyTerminal(ctx, job)
	return job, nil
}

// FailJob implements the retry/terminal-failure branch.
func (e *Engine) FailJob(ctx context.Context, jobID, workerID, errMsg string, canRetry bool) (store.Job, error) {
	result, err := e.store.FailJob(ctx, jobID, workerID, errMsg, canRetry)
	if err != nil {
		return store.Job{}, err
	}
	job := result.Job

	if err := e.store.UpdateWorkerStatus(ctx, workerID, store.WorkerIdle); err != nil {
		e.log.Warn("failed to mark worker idle after failure", "worker_id", workerID, "error", err)
	}
	if err := e.store.SetWorkerCurrentJobs(ctx, workerID, nil); err != nil {
		e.log.Warn("failed to clear worker current jobs", "worker_id", workerID, "error", err)
	}

	if result.Retried {
		e.events.EmitLifecycle(ctx, events.Event{EventType: "job.retry", JobID: jobID, WorkerID: workerID, JobType: job.ServiceRequired, Priority: job.Priority, Data: map[string]interface{}{"error": errMsg, "retry_count": job.RetryCount}})
		return job, nil
	}

	if err := e.store.IncrementWorkerCounters(ctx, workerID, 0, 1); err != nil {
		e.log.Warn("failed to increment worker counters", "worker_id", workerID, "error", err)
	}
	e.events.EmitError(ctx, events.Event{EventType: "job.failed", JobID: jobID, WorkerID: workerID, JobType: job.ServiceRequired, Priority: job.Priority, Data: map[string]interface{}{"error": errMsg}})
	e.workflow.NotifyTerminal(ctx, job)
	return job, nil
}

// TimeoutJob terminalises a job that has exceeded timeout_ms, driven by
// the Recovery Supervisor's proactive sweep rather than a per-job timer.
// Best-effort cancellation is directed to the owning worker, then the
// worker is returned to idle.
func (e *Engine) TimeoutJob(ctx context.Context, job store.Job) (store.Job, error) {
	timedOut, err := e.store.TimeoutJob(ctx, job.JobID, "job exceeded timeout_ms")
	if err != nil {
		return store.Job{}, err
	}

	if job.WorkerID != "" {
		e.events.DirectWorker(ctx, job.WorkerID, events.WorkerDirective{Type: "abort", JobID: job.JobID})
		if err := e.store.UpdateWorkerStatus(ctx, job.WorkerID, store.WorkerIdle); err != nil {
			e.log.Warn("failed to mark worker idle after timeout", "worker_id", job.WorkerID, "error", err)
		}
		if err := e.store.IncrementWorkerCounters(ctx, job.WorkerID, 0, 1); err != nil {
			e.log.Warn("failed to increment worker counters after timeout", "worker_id", job.WorkerID, "error", err)
		}
	}

	e.events.EmitError(ctx, events.Event{EventType: "job.timeout", JobID: job.JobID, WorkerID: job.WorkerID, JobType: job.ServiceRequired, Priority: job.Priority})
	e.workflow.NotifyTerminal(ctx, timedOut)
	return timedOut, nil
}

// CancelJob cancels a job from any non-terminal state; cancellation on an
// already-terminal job is a no-op success.
func (e *Engine) CancelJob(ctx context.Context, jobID, reason string) (store.Job, error) {
	job, err := e.store.CancelJob(ctx, jobID, reason)
	if err != nil {
		return store.Job{}, err
	}
	if job.WorkerID != "" {
		e.events.DirectWorker(ctx, job.WorkerID, events.WorkerDirective{Type: "abort", JobID: jobID})
	}
	e.events.EmitLifecycle(ctx, events.Event{EventType: "job.cancelled", JobID: jobID, JobType: job.ServiceRequired, Priority: job.Priority, Data: map[string]interface{}{"reason": reason}})
	e.workflow.NotifyTerminal(ctx, job)
	return job, nil
}
