package broker

import (
	"context"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/store"
)

// NotifyTerminal is called by the progress/completion engine after a job
// reaches a terminal state, so the workflow rollup reacts to completions,
// failures, and timeouts the same way it reacts to cancellation.
func (b *Broker) NotifyTerminal(ctx context.Context, job store.Job) {
	b.checkWorkflowRollup(ctx, job)
}

// checkWorkflowRollup implements the workflow lifecycle rollup: once
// every child of a workflow has reached a
// terminal state, the workflow itself rolls up to completed (no failures)
// or failed (at least one permanent failure), and a workflow.* event is
// published. Called after every terminal job transition that carries a
// workflow_id.
func (b *Broker) checkWorkflowRollup(ctx context.Context, job store.Job) {
	if job.WorkflowID == "" || !job.Status.Terminal() {
		return
	}

	wf, found, err := b.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil || !found || wf.Status != store.WorkflowActive {
		return
	}

	total, pending, failed, err := b.store.CountWorkflowChildren(ctx, job.WorkflowID)
	if err != nil {
		b.log.Warn("failed to count workflow children", "workflow_id", job.WorkflowID, "error", err)
		return
	}
	wf.TotalChildren = total
	wf.PendingChildren = pending
	wf.FailedChildren = failed

	if pending > 0 {
		_ = b.store.PutWorkflow(ctx, wf)
		return
	}

	if failed > 0 {
		wf.Status = store.WorkflowFailed
	} else {
		wf.Status = store.WorkflowCompleted
	}
	if err := b.store.PutWorkflow(ctx, wf); err != nil {
		b.log.Warn("failed to persist workflow rollup", "workflow_id", job.WorkflowID, "error", err)
		return
	}

	eventType := "workflow.completed"
	if wf.Status == store.WorkflowFailed {
		eventType = "workflow.failed"
	}
	b.events.EmitLifecycle(ctx, events.Event{
		EventType: eventType,
		Data: map[string]interface{}{
			"workflow_id":     wf.WorkflowID,
			"total_children":  wf.TotalChildren,
			"failed_children": wf.FailedChildren,
		},
	})
}
