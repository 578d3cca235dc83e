package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jobbroker/core/internal/broker"
	"github.com/jobbroker/core/internal/connector"
	"github.com/jobbroker/core/internal/engine"
	"github.com/jobbroker/core/internal/registry"
	"github.com/jobbroker/core/internal/store"
)

// RegisterCoreHandlers binds one handler per message type to the broker,
// registry, and engine, then registers each with reg. This is the only
// place any of those three components are reached from the dispatcher;
// every inbound message reaches them through dispatch.
func RegisterCoreHandlers(reg *Registry, b *broker.Broker, wr *registry.Registry, eng *engine.Engine, connectors *connector.Registry) error {
	handlers := []Handler{
		HandlerFunc{TypeSubmitJob, handleSubmitJob(b)},
		HandlerFunc{TypeUpdateProgress, handleUpdateProgress(eng)},
		HandlerFunc{TypeCompleteJob, handleCompleteJob(eng)},
		HandlerFunc{TypeFailJob, handleFailJob(eng)},
		HandlerFunc{TypeCancelJob, handleCancelJob(eng)},
		HandlerFunc{TypeSyncJobState, handleSyncJobState(b)},
		HandlerFunc{TypeRegisterWorker, handleRegisterWorker(wr)},
		HandlerFunc{TypeWorkerStatus, handleWorkerStatus(wr)},
		HandlerFunc{TypeWorkerHeartbeat, handleWorkerHeartbeat(wr)},
		HandlerFunc{TypeServiceRequest, handleServiceRequest(connectors)},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("register core handlers: %w", err)
		}
	}
	return nil
}

func handleSubmitJob(b *broker.Broker) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var req broker.SubmitRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			return nil, err
		}
		return b.SubmitJob(ctx, req)
	}
}

type progressBody struct {
	JobID           string `json:"job_id"`
	WorkerID        string `json:"worker_id"`
	Progress        int    `json:"progress"`
	ProgressText    string `json:"progress_text"`
	EstimatedDoneAt int64  `json:"estimated_completion"`
}

func handleUpdateProgress(eng *engine.Engine) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var b progressBody
		if err := json.Unmarshal(msg.Body, &b); err != nil {
			return nil, err
		}
		return eng.UpdateProgress(ctx, b.JobID, b.WorkerID, b.Progress, b.ProgressText, b.EstimatedDoneAt, msg.Timestamp)
	}
}

type completeBody struct {
	JobID    string          `json:"job_id"`
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result"`
}

func handleCompleteJob(eng *engine.Engine) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var b completeBody
		if err := json.Unmarshal(msg.Body, &b); err != nil {
			return nil, err
		}
		return eng.CompleteJob(ctx, b.JobID, b.WorkerID, b.Result)
	}
}

type failBody struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
	CanRetry bool   `json:"can_retry"`
}

func handleFailJob(eng *engine.Engine) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var b failBody
		if err := json.Unmarshal(msg.Body, &b); err != nil {
			return nil, err
		}
		return eng.FailJob(ctx, b.JobID, b.WorkerID, b.Error, b.CanRetry)
	}
}

type cancelBody struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

func handleCancelJob(eng *engine.Engine) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var b cancelBody
		if err := json.Unmarshal(msg.Body, &b); err != nil {
			return nil, err
		}
		return eng.CancelJob(ctx, b.JobID, b.Reason)
	}
}

type syncBody struct {
	JobID string `json:"job_id"`
}

// handleSyncJobState lets a reconnecting worker or monitor ask for a job's
// current authoritative state, rather than trusting whatever it last saw on
// an ephemeral status channel, where messages may arrive out of order or
// be missed entirely.
func handleSyncJobState(b *broker.Broker) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var body syncBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, err
		}
		job, found, err := b.GetJob(ctx, body.JobID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("job not found: %s", body.JobID)
		}
		return job, nil
	}
}

func handleRegisterWorker(wr *registry.Registry) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var body struct {
			WorkerID     string              `json:"worker_id"`
			Capabilities store.Capabilities `json:"capabilities"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, err
		}
		return wr.RegisterWorker(ctx, body.WorkerID, body.Capabilities)
	}
}

func handleWorkerStatus(wr *registry.Registry) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var body struct {
			WorkerID string             `json:"worker_id"`
			Status   store.WorkerStatus `json:"status"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, err
		}
		return nil, wr.UpdateWorkerStatus(ctx, body.WorkerID, body.Status)
	}
}

func handleWorkerHeartbeat(wr *registry.Registry) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var body struct {
			WorkerID   string          `json:"worker_id"`
			SystemInfo json.RawMessage `json:"system_info"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, err
		}
		return nil, wr.UpdateWorkerHeartbeat(ctx, body.WorkerID, body.SystemInfo)
	}
}

type serviceRequestBody struct {
	Service      string `json:"service"`
	ServiceJobID string `json:"service_job_id"`
}

// handleServiceRequest lets a monitor or worker ask a connector directly
// for an external job's status, outside of the Recovery Supervisor's own
// reconciliation sweeps.
func handleServiceRequest(connectors *connector.Registry) func(context.Context, Message) (interface{}, error) {
	return func(ctx context.Context, msg Message) (interface{}, error) {
		var body serviceRequestBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, err
		}
		c, ok := connectors.Get(body.Service)
		if !ok {
			return nil, fmt.Errorf("no connector registered for service: %s", body.Service)
		}
		return c.QueryStatus(ctx, body.ServiceJobID)
	}
}
