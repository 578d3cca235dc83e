package store

import "time"

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether a status cannot be transitioned out of, except
// for archival.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// WorkerStatus is a worker's lifecycle state.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerOffline  WorkerStatus = "offline"
)

// WorkflowStatus is a workflow's rollup state.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// Job is the canonical job record. Timestamps are epoch milliseconds
// throughout; conversion to/from ISO strings happens only at the edge.
type Job struct {
	JobID            string            `json:"job_id"`
	ServiceRequired  string            `json:"service_required"`
	Priority         int64             `json:"priority"`
	Payload          []byte            `json:"payload"`
	Requirements     []string          `json:"requirements,omitempty"`
	CustomerID       string            `json:"customer_id,omitempty"`
	MaxRetries       int               `json:"max_retries"`
	RetryCount       int               `json:"retry_count"`
	TimeoutMs        int64             `json:"timeout_ms"`
	CreatedAt        int64             `json:"created_at"`
	StartedAt        int64             `json:"started_at,omitempty"`
	CompletedAt      int64             `json:"completed_at,omitempty"`
	UpdatedAt        int64             `json:"updated_at,omitempty"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	WorkflowPriority int64             `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64             `json:"workflow_datetime,omitempty"`
	StepNumber       int               `json:"step_number,omitempty"`
	Status           Status            `json:"status"`
	WorkerID         string            `json:"worker_id,omitempty"`
	ServiceJobID     string            `json:"service_job_id,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	LastFailedWorker string            `json:"last_failed_worker,omitempty"`
	Progress         int               `json:"progress,omitempty"`
	ProgressText     string            `json:"progress_text,omitempty"`
	EstimatedDoneAt  int64             `json:"estimated_completion,omitempty"`
	LastProgressEventTs int64          `json:"last_progress_event_ts,omitempty"`
	Result           []byte            `json:"result,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Workflow is an optional grouping of jobs sharing a priority and
// submission timestamp.
type Workflow struct {
	WorkflowID       string         `json:"workflow_id"`
	WorkflowPriority int64          `json:"workflow_priority"`
	WorkflowDatetime int64          `json:"workflow_datetime"`
	Status           WorkflowStatus `json:"status"`
	CustomerID       string         `json:"customer_id,omitempty"`
	PendingChildren  int            `json:"pending_children"`
	FailedChildren   int            `json:"failed_children"`
	TotalChildren    int            `json:"total_children"`
}

// Capabilities is the tag set a worker advertises: service names plus
// resource tags (e.g. {comfyui, gpu, sdxl}).
type Capabilities struct {
	Services []string `json:"services,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Worker is the registry record for a connected worker process.
type Worker struct {
	WorkerID        string       `json:"worker_id"`
	Capabilities    Capabilities `json:"capabilities"`
	Status          WorkerStatus `json:"status"`
	CurrentJobs     []string     `json:"current_jobs,omitempty"`
	ConnectedAt     int64        `json:"connected_at"`
	LastHeartbeatAt int64        `json:"last_heartbeat_at"`
	SystemInfo      []byte       `json:"system_info,omitempty"`
	JobsCompleted   int64        `json:"jobs_completed"`
	JobsFailed      int64        `json:"jobs_failed"`
}

// NowMs returns the current time as epoch milliseconds, the internal
// representation used throughout the kernel.
func NowMs() int64 { return time.Now().UnixMilli() }
