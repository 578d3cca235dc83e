// Package registry is the Worker Registry: registration, heartbeat,
// capability advertisement, and status transitions for connected worker
// processes. It is a thin wrapper over store.Store plus the
// worker.connected/worker.disconnected event-fabric publishes.
package registry

import (
	"context"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/store"
)

// Registry wraps store.Store with the worker lifecycle semantics of C3.
type Registry struct {
	log    *logger.Logger
	store  *store.Store
	events *events.Stream
}

func New(st *store.Store, stream *events.Stream, log *logger.Logger) *Registry {
	return &Registry{log: log.With("component", "Registry"), store: st, events: stream}
}

// RegisterWorker upserts a worker and emits worker.connected.
// Idempotent: a second call with the same id and capabilities returns the
// same resulting state.
func (r *Registry) RegisterWorker(ctx context.Context, workerID string, caps store.Capabilities) (store.Worker, error) {
	w, err := r.store.RegisterWorker(ctx, workerID, caps)
	if err != nil {
		return store.Worker{}, err
	}
	r.events.EmitLifecycle(ctx, events.Event{
		EventType: "worker.connected",
		WorkerID:  workerID,
		Data:      map[string]interface{}{"services": caps.Services, "tags": caps.Tags},
	})
	return w, nil
}

// UpdateWorkerStatus sets a worker's status field.
func (r *Registry) UpdateWorkerStatus(ctx context.Context, workerID string, status store.WorkerStatus) error {
	return r.store.UpdateWorkerStatus(ctx, workerID, status)
}

// UpdateWorkerHeartbeat bumps last_heartbeat_at. Every
// heartbeat also publishes an ephemeral machine telemetry update if
// systemInfo is present, so monitors don't need a separate poll.
func (r *Registry) UpdateWorkerHeartbeat(ctx context.Context, workerID string, systemInfo []byte) error {
	if err := r.store.UpdateWorkerHeartbeat(ctx, workerID, systemInfo); err != nil {
		return err
	}
	if len(systemInfo) > 0 {
		r.events.PublishStatus(ctx, "machine:"+workerID+":gpu", map[string]interface{}{
			"worker_id":   workerID,
			"system_info": string(systemInfo),
		})
	}
	return nil
}

// GetWorker loads a single worker record.
func (r *Registry) GetWorker(ctx context.Context, workerID string) (store.Worker, bool, error) {
	return r.store.GetWorker(ctx, workerID)
}

// ListActiveWorkers returns every registered worker.
func (r *Registry) ListActiveWorkers(ctx context.Context) ([]store.Worker, error) {
	return r.store.ListActiveWorkers(ctx)
}

// RemoveWorker releases any jobs the worker still owns, never releasing a
// job that has already terminated (store.ReleaseJob's terminal-state guard
// makes the race with a completing job safe), archives its counters,
// deletes the registry record, and emits worker.disconnected.
func (r *Registry) RemoveWorker(ctx context.Context, workerID string) error {
	w, found, err := r.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if found {
		for _, jobID := range w.CurrentJobs {
			if _, err := r.store.ReleaseJob(ctx, jobID); err != nil {
				r.log.Warn("failed to release job on worker removal", "worker_id", workerID, "job_id", jobID, "error", err)
			}
		}
		if err := r.store.ArchiveWorker(ctx, w); err != nil {
			r.log.Warn("failed to archive worker", "worker_id", workerID, "error", err)
		}
	}
	if err := r.store.RemoveWorker(ctx, workerID); err != nil {
		return err
	}
	r.events.EmitLifecycle(ctx, events.Event{EventType: "worker.disconnected", WorkerID: workerID})
	return nil
}
