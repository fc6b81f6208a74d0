// Package maester implements the operator-facing WebSocket channel from
// spec.md §1/§6: a session hub adapted from 4nonX-D-PlaneOS's
// internal/websocket/monitor.go MonitorHub, carrying the small
// take_snapshot/load_snapshot/new_alert/new_event message vocabulary
// restored from original_source/src/raven.rs's RavenMessage enum.
package maester

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/websocket"

	"github.com/nightswatch/nightswatch/internal/alert"
	"github.com/nightswatch/nightswatch/internal/event"
)

// WatcherControl is the subset of *watcher.Watcher the operator channel
// drives, kept as an interface to avoid a dependency cycle.
type WatcherControl interface {
	TakeSnapshot() error
	LoadSnapshotFromBus(ctx context.Context) error
}

// envelope is the wire shape of every Maester message, the Go analogue of
// raven.rs's RavenMessage.
type envelope struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// session is one connected operator, identified by a monotonic id starting
// at 1 (0 is reserved invalid, per the original MaesterState).
type session struct {
	id   uint64
	conn *websocket.Conn
	send chan envelope
}

// Hub manages operator WebSocket connections and their broadcast fan-out.
type Hub struct {
	w      WatcherControl
	logger log.Logger

	mu       sync.RWMutex
	sessions map[uint64]*session
	nextID   uint64

	broadcast  chan envelope
	register   chan *session
	unregister chan *session
}

// NewHub creates a Hub bound to w.
func NewHub(w WatcherControl, logger log.Logger) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Hub{
		w:          w,
		logger:     log.With(logger, "component", "maester"),
		sessions:   make(map[uint64]*session),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *session),
		unregister: make(chan *session),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, s := range h.sessions {
				s.conn.Close()
			}
			h.sessions = make(map[uint64]*session)
			h.mu.Unlock()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.id] = s
			h.mu.Unlock()
			level.Info(h.logger).Log("msg", "operator connected", "id", s.id, "total", len(h.sessions))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s.id]; ok {
				delete(h.sessions, s.id)
				close(s.send)
			}
			h.mu.Unlock()
			level.Info(h.logger).Log("msg", "operator disconnected", "id", s.id)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, s := range h.sessions {
				select {
				case s.send <- msg:
				default:
					level.Warn(h.logger).Log("msg", "dropped broadcast to slow operator session", "id", s.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastAlert pushes a new_alert message to every connected operator.
func (h *Hub) BroadcastAlert(a alert.Alert) {
	h.broadcastJSON("new_alert", a)
}

// BroadcastEvent pushes a new_event message to every connected operator.
func (h *Hub) BroadcastEvent(e event.Event) {
	h.broadcastJSON("new_event", e)
}

func (h *Hub) broadcastJSON(method string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to marshal broadcast payload", "method", method, "err", err)
		return
	}
	select {
	case h.broadcast <- envelope{Method: method, Data: raw}:
	default:
		level.Warn(h.logger).Log("msg", "broadcast channel full, dropping message", "method", method)
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the per-session
// read/write loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Error(h.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	s := &session{id: id, conn: conn, send: make(chan envelope, 32)}
	h.register <- s

	go h.writeLoop(s)
	h.readLoop(s)
}

func (h *Hub) writeLoop(s *session) {
	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			level.Warn(h.logger).Log("msg", "operator write failed", "id", s.id, "err", err)
			return
		}
	}
}

func (h *Hub) readLoop(s *session) {
	defer func() {
		h.unregister <- s
		s.conn.Close()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(s, raw)
	}
}

// handleMessage decodes {"method": "take_snapshot"|"load_snapshot"} and
// calls into the Watcher, per the RavenMessage vocabulary restored from
// original_source/src/raven.rs.
func (h *Hub) handleMessage(s *session, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		level.Error(h.logger).Log("msg", "invalid raven message", "id", s.id, "err", err)
		return
	}

	switch env.Method {
	case "take_snapshot":
		if err := h.w.TakeSnapshot(); err != nil {
			level.Error(h.logger).Log("msg", "take_snapshot failed", "err", err)
		}
	case "load_snapshot":
		if err := h.w.LoadSnapshotFromBus(context.Background()); err != nil {
			level.Error(h.logger).Log("msg", "load_snapshot failed", "err", err)
		}
	default:
		level.Error(h.logger).Log("msg", "unknown raven message method", "method", env.Method)
	}
}
