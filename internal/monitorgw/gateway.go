// Package monitorgw is the monitor-facing edge transport: a thin
// WebSocket front over the Event Fabric's persistent stream, carrying
// framed JSON over github.com/gorilla/websocket and backed by
// events.MonitorRegistry for the drop-on-silence rule. Auth and general
// JSON-over-HTTP framing are left to whatever sits in front of it; only
// the envelope this package forwards is defined here.
package monitorgw

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jobbroker/core/internal/events"
	"github.com/jobbroker/core/internal/platform/logger"
)

// subscribeRequest is the first frame a monitor must send after the
// WebSocket handshake completes.
type subscribeRequest struct {
	Topics   []string       `json:"topics"`
	Filters  events.Filters `json:"filters"`
	SinceMs  int64          `json:"since_ms"`
}

// heartbeatRequest is sent periodically by a connected monitor to stay
// registered.
type heartbeatRequest struct {
	Type string `json:"type"`
}

// Gateway upgrades HTTP connections to WebSocket and streams the event
// fabric's persistent stream to each connected monitor.
type Gateway struct {
	log      *logger.Logger
	stream   *events.Stream
	monitors *events.MonitorRegistry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[events.MonitorID]*websocket.Conn
}

func New(stream *events.Stream, monitors *events.MonitorRegistry, log *logger.Logger) *Gateway {
	return &Gateway{
		log:      log.With("component", "MonitorGateway"),
		stream:   stream,
		monitors: monitors,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:    make(map[events.MonitorID]*websocket.Conn),
	}
}

// ServeHTTP upgrades the request and blocks for the life of the
// connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	id := events.MonitorID(uuid.NewString())
	defer g.disconnect(id, conn)

	var sub subscribeRequest
	if err := conn.ReadJSON(&sub); err != nil {
		g.log.Warn("monitor never sent a valid subscribe frame", "monitor_id", id, "error", err)
		return
	}
	g.monitors.Register(id, events.Subscription{Topics: sub.Topics, Filters: sub.Filters})

	g.mu.Lock()
	g.conns[id] = conn
	g.mu.Unlock()

	if sub.SinceMs > 0 {
		if res, err := g.stream.Resync(r.Context(), sub.SinceMs, 0); err == nil {
			for _, ev := range res.Events {
				if !topicMatch(sub.Topics, ev) || !sub.Filters.Matches(ev, ev.WorkerID) {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go g.readLoop(ctx, id, conn)
	g.forwardLoop(ctx, id, sub, conn)
}

// readLoop processes client->server control frames (heartbeats) until the
// connection closes.
func (g *Gateway) readLoop(ctx context.Context, id events.MonitorID, conn *websocket.Conn) {
	for {
		var hb heartbeatRequest
		if err := conn.ReadJSON(&hb); err != nil {
			return
		}
		if hb.Type == "heartbeat" {
			g.monitors.Heartbeat(id)
		}
	}
}

// forwardLoop tails the persistent stream from "now" and forwards matching
// events until the context is cancelled, polling rather than using
// XREAD BLOCK so a departed monitor's goroutine unwinds promptly on
// cancellation instead of blocking inside Redis.
func (g *Gateway) forwardLoop(ctx context.Context, id events.MonitorID, sub subscribeRequest, conn *websocket.Conn) {
	cursor := time.Now().UnixMilli()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := g.stream.Resync(ctx, cursor, 0)
			if err != nil {
				continue
			}
			for _, ev := range res.Events {
				if ev.Timestamp > cursor {
					cursor = ev.Timestamp
				}
				if !topicMatch(sub.Topics, ev) || !sub.Filters.Matches(ev, ev.WorkerID) {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}

func (g *Gateway) disconnect(id events.MonitorID, conn *websocket.Conn) {
	g.monitors.Unregister(id)
	g.mu.Lock()
	delete(g.conns, id)
	g.mu.Unlock()
	_ = conn.Close()
}

// dropMonitor is wired to MonitorRegistry.RunHeartbeatSweeper's onDrop
// callback so a monitor that stops heartbeating has its socket forcibly
// closed rather than left dangling.
func (g *Gateway) dropMonitor(id events.MonitorID) {
	g.mu.Lock()
	conn, ok := g.conns[id]
	delete(g.conns, id)
	g.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// RunHeartbeatSweeper starts the monitor registry's own sweeper wired to
// this gateway's dropMonitor, and blocks until ctx is cancelled.
func (g *Gateway) RunHeartbeatSweeper(ctx context.Context, interval time.Duration) {
	g.monitors.RunHeartbeatSweeper(ctx, interval, g.dropMonitor)
}

func topicMatch(topics []string, ev events.Event) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == ev.EventType || t == "*" {
			return true
		}
	}
	return false
}
