package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jobbroker/core/internal/platform/logger"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return NewStream(client, log, Options{Prefix: "test:"})
}

func TestEmitLifecycleAndResync(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	before := time.Now().UnixMilli()
	s.EmitLifecycle(ctx, Event{EventType: "job.submitted", JobID: "j1"})
	s.EmitLifecycle(ctx, Event{EventType: "job.assigned", JobID: "j1", WorkerID: "w1"})

	result, err := s.Resync(ctx, before, 0)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if result.Events[0].EventType != "job.submitted" || result.Events[1].EventType != "job.assigned" {
		t.Fatalf("expected events in append order, got %+v", result.Events)
	}
}

func TestResyncRespectsCapAndSetsHasMore(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()
	before := time.Now().UnixMilli()

	for i := 0; i < 5; i++ {
		s.EmitLifecycle(ctx, Event{EventType: "job.submitted", JobID: "j1"})
	}
	result, err := s.Resync(ctx, before, 2)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected cap to bound results to 2, got %d", len(result.Events))
	}
	if !result.HasMore {
		t.Fatalf("expected has_more true when more events exist beyond the cap")
	}
}

func TestEmitErrorMirrorsToBothStreams(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()
	s.EmitError(ctx, Event{EventType: "job.failed", JobID: "j1"})

	mainLen, err := s.rdb.XLen(ctx, s.main).Result()
	if err != nil {
		t.Fatalf("XLen main: %v", err)
	}
	errLen, err := s.rdb.XLen(ctx, s.errs).Result()
	if err != nil {
		t.Fatalf("XLen errs: %v", err)
	}
	if mainLen != 1 || errLen != 1 {
		t.Fatalf("expected one entry on each stream, got main=%d errs=%d", mainLen, errLen)
	}
}

func TestLenReflectsEmittedCount(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()
	s.EmitLifecycle(ctx, Event{EventType: "job.submitted"})
	s.EmitLifecycle(ctx, Event{EventType: "job.completed"})

	n, err := s.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected length 2, got %d", n)
	}
}

func TestTrimAgedDropsEntriesPastRetention(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	// An entry with an ancient explicit id sits far outside the retention
	// window; a freshly emitted one is inside it.
	if err := s.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.main,
		ID:     "1000-0",
		Values: map[string]interface{}{"payload": `{"event_type":"job.submitted","timestamp":1000}`},
	}).Err(); err != nil {
		t.Fatalf("XAdd aged entry: %v", err)
	}
	s.EmitLifecycle(ctx, Event{EventType: "job.completed", JobID: "j1"})

	s.TrimAged(ctx)

	n, err := s.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the fresh entry to survive the age trim, got %d", n)
	}
}

func TestPublishStatusDeliversToSubscriber(t *testing.T) {
	s := newTestStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan StatusUpdate, 1)
	if err := s.SubscribeStatus(ctx, []string{"job:j1:status"}, func(msg StatusUpdate) {
		received <- msg
	}); err != nil {
		t.Fatalf("SubscribeStatus: %v", err)
	}

	s.PublishStatus(ctx, "job:j1:status", map[string]interface{}{"progress": float64(50)})

	select {
	case msg := <-received:
		if msg.Topic != "job:j1:status" {
			t.Fatalf("expected topic job:j1:status, got %s", msg.Topic)
		}
		if msg.Payload["progress"] != float64(50) {
			t.Fatalf("expected progress payload to round-trip, got %+v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status update")
	}
}

func TestDirectWorkerDeliversAbort(t *testing.T) {
	s := newTestStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := s.rdb.Subscribe(ctx, "worker:w1:directed")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe receive: %v", err)
	}

	s.DirectWorker(ctx, "w1", WorkerDirective{Type: "abort", JobID: "j1"})

	select {
	case msg := <-sub.Channel():
		var d WorkerDirective
		if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
			t.Fatalf("decode directive: %v", err)
		}
		if d.Type != "abort" || d.JobID != "j1" {
			t.Fatalf("expected abort directive for j1, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for directive")
	}
}
