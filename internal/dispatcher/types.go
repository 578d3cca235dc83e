package dispatcher

import "encoding/json"

// MessageType is the fixed enum of inbound message types. The set is
// closed: a dispatcher only ever needs to route messages the core itself
// defines.
type MessageType string

const (
	TypeSubmitJob       MessageType = "submit_job"
	TypeUpdateProgress  MessageType = "update_progress"
	TypeCompleteJob     MessageType = "complete_job"
	TypeFailJob         MessageType = "fail_job"
	TypeCancelJob       MessageType = "cancel_job"
	TypeSyncJobState    MessageType = "sync_job_state"
	TypeRegisterWorker  MessageType = "register_worker"
	TypeWorkerStatus    MessageType = "worker_status"
	TypeWorkerHeartbeat MessageType = "worker_heartbeat"
	TypeServiceRequest  MessageType = "service_request"
	TypeAck             MessageType = "ack"
	TypeError           MessageType = "error"
)

// Message is the client/worker envelope: {id, type, timestamp,
// source?, worker_id?, ...type-specific fields}. Type-specific fields are
// left as raw JSON and decoded by each handler, since the dispatcher itself
// never inspects them beyond the envelope.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Body      json.RawMessage `json:"-"`
}

// Reply is returned to the sender: either the handler's own payload, or a
// synthesized ack/error envelope.
type Reply struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	InReply string      `json:"in_reply_to"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ackReply(msg Message, payload interface{}) Reply {
	return Reply{ID: msg.ID, Type: TypeAck, InReply: msg.ID, Payload: payload}
}

func errorReply(msg Message, errMsg string) Reply {
	return Reply{ID: msg.ID, Type: TypeError, InReply: msg.ID, Error: errMsg}
}
