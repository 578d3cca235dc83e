// Package archive defines a narrow sink contract: terminal job history
// may be archived outside the store, but the core never depends on a
// specific archival backend. Terminal jobs and removed workers land here
// so every id stays accounted for after it leaves the live indexes.
package archive

import "context"

// Record is the minimal shape archived for a terminal job or removed
// worker.
type Record struct {
	Kind      string                 `json:"kind"` // "job" or "worker"
	ID        string                 `json:"id"`
	Status    string                 `json:"status,omitempty"`
	ClosedAt  int64                  `json:"closed_at"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Sink is the archival contract.
type Sink interface {
	Archive(ctx context.Context, rec Record) error
}

// NoopSink discards everything. The default when no archival backend is
// configured; terminal state still lives in the store's own terminal
// sets, so archival is strictly additive.
type NoopSink struct{}

func (NoopSink) Archive(ctx context.Context, rec Record) error { return nil }
