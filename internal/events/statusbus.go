package events

import (
	"context"
	"encoding/json"
	"time"
)

// PublishStatus fans a high-frequency update out to an ephemeral
// per-entity channel. No persistence, no delivery guarantee if no
// subscriber is attached. Swallows errors like EmitLifecycle does; a slow
// or absent monitor must never block a job mutation.
func (s *Stream) PublishStatus(ctx context.Context, topic string, payload map[string]interface{}) {
	msg := StatusUpdate{Timestamp: time.Now().UnixMilli(), Topic: topic, Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to marshal status update, dropping", "topic", topic, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, topic, data).Err(); err != nil {
		s.log.Warn("failed to publish status update, dropping", "topic", topic, "error", err)
	}
}

// DirectWorker sends a one-off instruction to a specific worker's directed
// channel (currently only "abort", on cancellation or timeout). Delivery is
// best-effort; a worker that isn't subscribed simply never sees it, exactly
// like any other status-channel publish.
func (s *Stream) DirectWorker(ctx context.Context, workerID string, directive WorkerDirective) {
	data, err := json.Marshal(directive)
	if err != nil {
		s.log.Warn("failed to marshal worker directive, dropping", "worker_id", workerID, "error", err)
		return
	}
	channel := "worker:" + workerID + ":directed"
	if err := s.rdb.Publish(ctx, channel, data).Err(); err != nil {
		s.log.Warn("failed to direct worker, dropping", "worker_id", workerID, "error", err)
	}
}

// SubscribeStatus subscribes to one or more ephemeral topics and invokes
// onMsg for each decoded update until ctx is cancelled: Subscribe, confirm
// via Receive, then range the channel in a goroutine.
func (s *Stream) SubscribeStatus(ctx context.Context, topics []string, onMsg func(StatusUpdate)) error {
	sub := s.rdb.Subscribe(ctx, topics...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var msg StatusUpdate
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					s.log.Warn("bad status payload", "channel", m.Channel, "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}
