// Package events is the Event Fabric: a persistent, bounded
// append-only stream for lifecycle events a monitor can audit or replay,
// and a physically separate ephemeral pub/sub layer for high-frequency
// status updates that never touch the stream.
package events

// Event is one entry on the persistent stream. Timestamp is stamped by
// Stream.EmitLifecycle at publish time.
type Event struct {
	Timestamp int64                  `json:"timestamp"`
	Service   string                 `json:"service,omitempty"`
	EventType string                 `json:"event_type"`
	TraceID   string                 `json:"trace_id,omitempty"`
	JobID     string                 `json:"job_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	MachineID string                 `json:"machine_id,omitempty"`
	JobType   string                 `json:"job_type,omitempty"`
	Priority  int64                  `json:"priority,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// StatusUpdate is a message published on an ephemeral per-entity channel
// (job:{job_id}:status, machine:{machine_id}:gpu, and the like). Payload is
// topic-specific and opaque to the fabric.
type StatusUpdate struct {
	Timestamp int64                  `json:"timestamp"`
	Topic     string                 `json:"topic"`
	Payload   map[string]interface{} `json:"payload"`
}

// WorkerDirective is delivered on a worker's directed channel, currently
// only used to request an abort on cancellation or timeout.
type WorkerDirective struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// ResyncResult is returned to a monitor requesting replay since a given
// timestamp.
type ResyncResult struct {
	Events                []Event `json:"events"`
	HasMore               bool    `json:"has_more"`
	OldestAvailableTsMs   int64   `json:"oldest_available_timestamp"`
}
