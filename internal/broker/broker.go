// Package broker is the thin orchestration layer over the state store:
// submission, claim, release, requeue, and workflow creation.
// It never touches Redis directly; every mutation goes through store.Store.
package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/metrics"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/store"
)

// SubmitRequest is the caller-supplied shape for a new job.
type SubmitRequest struct {
	ServiceRequired  string            `json:"service_required"`
	Priority         int64             `json:"priority"`
	Payload          []byte            `json:"payload,omitempty"`
	Requirements     []string          `json:"requirements,omitempty"`
	CustomerID       string            `json:"customer_id,omitempty"`
	MaxRetries       int               `json:"max_retries,omitempty"`
	TimeoutMs        int64             `json:"timeout_ms,omitempty"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	WorkflowPriority int64             `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64             `json:"workflow_datetime,omitempty"`
	StepNumber       int               `json:"step_number,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Broker wires the store with default policy (retry/timeout defaults) and
// the event fabric used to publish lifecycle events.
type Broker struct {
	log    *logger.Logger
	store  *store.Store
	events *events.Stream

	defaultMaxRetries       int
	defaultTimeoutMs        int64
	defaultTimeoutByService map[string]int64
	claimScanDepth          int

	metrics *metrics.Metrics
}

// SetMetrics attaches the Prometheus collectors claims should report
// against. Safe to leave unset; a nil metrics handle is a no-op.
func (b *Broker) SetMetrics(m *metrics.Metrics) { b.metrics = m }

// Options configures broker-level defaults.
// DefaultTimeoutByService overrides DefaultTimeoutMs for individual
// service_required tags ("broker.default_timeout_ms (per service)"); a
// service absent from the map uses DefaultTimeoutMs.
type Options struct {
	DefaultMaxRetries       int
	DefaultTimeoutMs        int64
	DefaultTimeoutByService map[string]int64
	ClaimScanDepth          int
}

func New(st *store.Store, stream *events.Stream, log *logger.Logger, opts Options) *Broker {
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.DefaultTimeoutMs <= 0 {
		opts.DefaultTimeoutMs = 300_000
	}
	if opts.ClaimScanDepth <= 0 {
		opts.ClaimScanDepth = 256
	}
	return &Broker{
		log:                     log.With("component", "Broker"),
		store:                   st,
		events:                  stream,
		defaultMaxRetries:       opts.DefaultMaxRetries,
		defaultTimeoutMs:        opts.DefaultTimeoutMs,
		defaultTimeoutByService: opts.DefaultTimeoutByService,
		claimScanDepth:          opts.ClaimScanDepth,
	}
}

// defaultTimeoutFor resolves the submission-time default timeout for a
// service, falling back to the broker-wide default when no override exists.
func (b *Broker) defaultTimeoutFor(service string) int64 {
	if v, ok := b.defaultTimeoutByService[service]; ok && v > 0 {
		return v
	}
	return b.defaultTimeoutMs
}

// SubmitJob composes a job record, resolves/creates its workflow if one is
// named, writes it atomically, and publishes job.submitted.
func (b *Broker) SubmitJob(ctx context.Context, req SubmitRequest) (store.Job, error) {
	now := store.NowMs()

	if req.WorkflowID != "" {
		if err := b.ensureWorkflow(ctx, req); err != nil {
			return store.Job{}, fmt.Errorf("ensure workflow: %w", err)
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = b.defaultMaxRetries
	}
	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = b.defaultTimeoutFor(req.ServiceRequired)
	}

	job := store.Job{
		JobID:            uuid.NewString(),
		ServiceRequired:  req.ServiceRequired,
		Priority:         req.Priority,
		Payload:          req.Payload,
		Requirements:     req.Requirements,
		CustomerID:       req.CustomerID,
		MaxRetries:       maxRetries,
		RetryCount:       0,
		TimeoutMs:        timeoutMs,
		CreatedAt:        now,
		WorkflowID:       req.WorkflowID,
		WorkflowPriority: req.WorkflowPriority,
		WorkflowDatetime: req.WorkflowDatetime,
		StepNumber:       req.StepNumber,
		Status:           store.StatusPending,
		Metadata:         req.Metadata,
	}

	saved, err := b.store.SubmitJob(ctx, job)
	if err != nil {
		return store.Job{}, fmt.Errorf("submit job: %w", err)
	}

	b.events.EmitLifecycle(ctx, events.Event{
		EventType: "job.submitted",
		JobID:     saved.JobID,
		JobType:   saved.ServiceRequired,
		Priority:  saved.Priority,
		Data: map[string]interface{}{
			"service_required": saved.ServiceRequired,
			"priority":         saved.Priority,
		},
	})
	return saved, nil
}

// ensureWorkflow creates a workflow row the first time its id is seen,
// inheriting workflow_priority/workflow_datetime from the request or now.
func (b *Broker) ensureWorkflow(ctx context.Context, req SubmitRequest) error {
	_, found, err := b.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	datetime := req.WorkflowDatetime
	if datetime == 0 {
		datetime = store.NowMs()
	}
	wf := store.Workflow{
		WorkflowID:       req.WorkflowID,
		WorkflowPriority: req.WorkflowPriority,
		WorkflowDatetime: datetime,
		Status:           store.WorkflowActive,
		CustomerID:       req.CustomerID,
	}
	return b.store.PutWorkflow(ctx, wf)
}

// ClaimNext atomically assigns the highest-precedence eligible job to
// workerID and publishes job.assigned.
func (b *Broker) ClaimNext(ctx context.Context, workerID string, caps store.Capabilities) (store.Job, error) {
	job, err := b.store.ClaimNext(ctx, workerID, caps, b.claimScanDepth)
	if b.metrics != nil {
		b.metrics.RecordClaim(b.claimScanDepth, err == nil)
	}
	if err != nil {
		return store.Job{}, err
	}

	if err := b.store.SetWorkerCurrentJobs(ctx, workerID, []string{job.JobID}); err != nil {
		b.log.Warn("failed to record current job on worker", "worker_id", workerID, "job_id", job.JobID, "error", err)
	}
	if err := b.store.UpdateWorkerStatus(ctx, workerID, store.WorkerBusy); err != nil {
		b.log.Warn("failed to mark worker busy", "worker_id", workerID, "error", err)
	}

	b.events.EmitLifecycle(ctx, events.Event{
		EventType: "job.assigned",
		JobID:     job.JobID,
		WorkerID:  workerID,
		JobType:   job.ServiceRequired,
		Priority:  job.Priority,
	})
	return job, nil
}

// RequeueUnworkable reinserts a job no currently connected worker could
// handle, clearing last_failed_worker so a new worker isn't excluded.
func (b *Broker) RequeueUnworkable(ctx context.Context, jobID string) error {
	if err := b.store.RequeueUnworkable(ctx, jobID); err != nil {
		return err
	}
	job, _, _ := b.store.GetJob(ctx, jobID)
	b.events.EmitLifecycle(ctx, events.Event{EventType: "job.requeued", JobID: jobID, JobType: job.ServiceRequired, Priority: job.Priority})
	return nil
}

// ReleaseJob reverses a claim without charging a retry, used
// for graceful worker disconnects.
func (b *Broker) ReleaseJob(ctx context.Context, jobID string) (store.Job, error) {
	job, err := b.store.ReleaseJob(ctx, jobID)
	if err != nil {
		return store.Job{}, err
	}
	b.events.EmitLifecycle(ctx, events.Event{EventType: "job.released", JobID: jobID, JobType: job.ServiceRequired, Priority: job.Priority})
	return job, nil
}

// GetJob loads a job's current authoritative state, used by sync_job_state
// requests from reconnecting workers and monitors.
func (b *Broker) GetJob(ctx context.Context, jobID string) (store.Job, bool, error) {
	return b.store.GetJob(ctx, jobID)
}
