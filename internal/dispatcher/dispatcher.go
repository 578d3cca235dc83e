// Package dispatcher is the Message Dispatcher: the only place
// inbound client/worker messages cross from wire format into the broker,
// registry, and engine components. Every inbound message reaches those
// components through Dispatch.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jobbroker/core/internal/platform/ctxutil"
	"github.com/jobbroker/core/internal/platform/logger"
	"github.com/jobbroker/core/internal/platform/tracing"
)

// UnknownTypePolicy controls how an unrecognised message type is surfaced
// (config key dispatcher.unknown_type_policy).
type UnknownTypePolicy string

const (
	PolicyWarn  UnknownTypePolicy = "warn"
	PolicyError UnknownTypePolicy = "error"
)

// Options configures dispatcher-level policy.
type Options struct {
	UnknownTypePolicy UnknownTypePolicy
}

// Dispatcher maps {message_type -> handler} and enforces envelope
// validation and statistics for every inbound message.
type Dispatcher struct {
	log      *logger.Logger
	registry *Registry
	stats    *Stats
	policy   UnknownTypePolicy
}

func New(registry *Registry, log *logger.Logger, opts Options) *Dispatcher {
	policy := opts.UnknownTypePolicy
	if policy == "" {
		policy = PolicyWarn
	}
	return &Dispatcher{
		log:      log.With("component", "Dispatcher"),
		registry: registry,
		stats:    newStats(),
		policy:   policy,
	}
}

// Stats exposes the running per-type/outcome counters.
func (d *Dispatcher) Stats() *Stats { return d.stats }

// Dispatch decodes a raw envelope, validates it, routes it to the handler
// registered for its type, and returns the reply to send back to the
// sender. Dispatch itself never returns an error for an unknown or invalid
// message; that always becomes an `error`-type Reply so the caller can
// forward it to the sender. A transport-level decode
// failure (malformed JSON) is returned as an error since there is no
// envelope to reply on.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (Reply, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Reply{}, fmt.Errorf("decode message envelope: %w", err)
	}
	msg.Body = raw

	if msg.Type == "" || msg.Timestamp == 0 {
		d.stats.record(msg.Type, false)
		return errorReply(msg, "missing required field: type and timestamp are mandatory"), nil
	}

	h, ok := d.registry.Get(msg.Type)
	if !ok {
		d.stats.record(msg.Type, false)
		if d.policy == PolicyError {
			d.log.Error("unknown message type", "type", msg.Type, "id", msg.ID)
		} else {
			d.log.Warn("unknown message type", "type", msg.Type, "id", msg.ID)
		}
		return errorReply(msg, fmt.Sprintf("unknown message type: %s", msg.Type)), nil
	}

	spanCtx, traceID, span := tracing.StartDispatchSpan(ctx, string(msg.Type), msg.TraceID)
	ctx = ctxutil.WithTraceData(spanCtx, &ctxutil.TraceData{TraceID: traceID})
	msg.TraceID = traceID
	defer span.End()

	payload, err := h.Handle(ctx, msg)
	if err != nil {
		d.stats.record(msg.Type, false)
		d.log.Warn("handler returned error", "type", msg.Type, "id", msg.ID, "error", err)
		return errorReply(msg, err.Error()), nil
	}

	d.stats.record(msg.Type, true)
	return ackReply(msg, payload), nil
}
