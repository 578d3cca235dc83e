package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jobbroker/core/internal/platform/ctxutil"
	"github.com/jobbroker/core/internal/platform/logger"
)

// Stream is the persistent half of the Event Fabric: two append-only,
// length-bounded Redis Streams. Emission is fire-and-forget: a publish
// failure is logged and swallowed, never propagated to the caller.
type Stream struct {
	log  *logger.Logger
	rdb  goredis.UniversalClient
	main string
	errs string

	mainMaxLen int64
	errMaxLen  int64

	mainRetentionMs int64
	errRetentionMs  int64
}

// Options configures stream names and retention caps. Retention is
// enforced two ways: MaxLen approximately on every append, and age on the
// periodic TrimAged pass.
type Options struct {
	Prefix          string
	MainMaxLen      int64
	ErrMaxLen       int64
	MainRetentionMs int64
	ErrRetentionMs  int64
}

func NewStream(rdb goredis.UniversalClient, log *logger.Logger, opts Options) *Stream {
	if opts.MainMaxLen <= 0 {
		opts.MainMaxLen = 10_000
	}
	if opts.ErrMaxLen <= 0 {
		opts.ErrMaxLen = 50_000
	}
	if opts.MainRetentionMs <= 0 {
		opts.MainRetentionMs = 86_400_000
	}
	if opts.ErrRetentionMs <= 0 {
		opts.ErrRetentionMs = 604_800_000
	}
	prefix := opts.Prefix
	return &Stream{
		log:             log.With("component", "EventStream"),
		rdb:             rdb,
		main:            prefix + "events:main",
		errs:            prefix + "events:errors",
		mainMaxLen:      opts.MainMaxLen,
		errMaxLen:       opts.ErrMaxLen,
		mainRetentionMs: opts.MainRetentionMs,
		errRetentionMs:  opts.ErrRetentionMs,
	}
}

// EmitLifecycle appends an event to events:main; every lifecycle
// transition a monitor may need to audit or replay goes through here.
// Errors are logged, never returned. The stream is a derived view, never
// load-bearing.
func (s *Stream) EmitLifecycle(ctx context.Context, ev Event) {
	s.emit(ctx, s.main, s.mainMaxLen, ev)
}

// EmitError mirrors an event to events:errors, which carries a longer
// retention window than the main stream.
func (s *Stream) EmitError(ctx context.Context, ev Event) {
	s.emit(ctx, s.errs, s.errMaxLen, ev)
	s.emit(ctx, s.main, s.mainMaxLen, ev)
}

func (s *Stream) emit(ctx context.Context, stream string, maxLen int64, ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.TraceID == "" {
		ev.TraceID = ctxutil.TraceIDFromContext(ctx)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("failed to marshal event, dropping", "event_type", ev.EventType, "error", err)
		return
	}
	err = s.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": data},
	}).Err()
	if err != nil {
		s.log.Warn("failed to publish event, dropping", "stream", stream, "event_type", ev.EventType, "error", err)
	}
}

// Resync returns every event on events:main since the given timestamp, up
// to the caller-specified cap, alongside whether more exist and the oldest
// timestamp still retained.
func (s *Stream) Resync(ctx context.Context, sinceMs int64, cap int64) (ResyncResult, error) {
	entries, err := s.rdb.XRange(ctx, s.main, "-", "+").Result()
	if err != nil {
		return ResyncResult{}, err
	}

	var out ResyncResult
	if len(entries) > 0 {
		if first, ok := decodeEntry(entries[0]); ok {
			out.OldestAvailableTsMs = first.Timestamp
		}
	}

	for _, entry := range entries {
		ev, ok := decodeEntry(entry)
		if !ok || ev.Timestamp < sinceMs {
			continue
		}
		if cap > 0 && int64(len(out.Events)) >= cap {
			out.HasMore = true
			break
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

// Len reports the current length of events:main, used by the
// queue-health metrics.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.main).Result()
}

// TrimAged drops entries older than each stream's retention window.
// Stream entry ids are millisecond-timestamp based, so trimming to a
// minimum id of now-retention removes everything older. Errors are logged
// and swallowed like every other stream write.
func (s *Stream) TrimAged(ctx context.Context) {
	now := time.Now().UnixMilli()
	for _, t := range []struct {
		stream      string
		retentionMs int64
	}{
		{s.main, s.mainRetentionMs},
		{s.errs, s.errRetentionMs},
	} {
		minID := strconv.FormatInt(now-t.retentionMs, 10)
		if err := s.rdb.XTrimMinIDApprox(ctx, t.stream, minID, 0).Err(); err != nil {
			s.log.Warn("failed to trim aged stream entries", "stream", t.stream, "error", err)
		}
	}
}

// RunRetentionTrimmer calls TrimAged on a ticker until ctx is cancelled.
func (s *Stream) RunRetentionTrimmer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.TrimAged(ctx)
		}
	}
}

func decodeEntry(msg goredis.XMessage) (Event, bool) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return Event{}, false
	}
	str, ok := raw.(string)
	if !ok {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(str), &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}
