package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cotrain/offlineq/internal/connectivity"
	"github.com/cotrain/offlineq/internal/drain"
	"github.com/cotrain/offlineq/internal/queue"
)

const (
	wsSendBuffer   = 32
	wsWriteTimeout = 5 * time.Second
)

// Event types pushed to WebSocket clients.
const (
	EventStatus    = "status"
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
	EventError     = "error"
)

// Event is a server-to-client frame.
type Event struct {
	Type   string              `json:"type"`
	Status *Status             `json:"status,omitempty"`
	Action *queue.ActionRecord `json:"action,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// ClientMessage is a client-to-server frame. The only supported type is
// "connectivity", which forwards a platform online/offline event.
type ClientMessage struct {
	Type   string `json:"type"`
	Online *bool  `json:"online"`
}

type wsClient struct {
	send chan Event
}

// Hub fans engine events out to connected WebSocket clients. Slow clients
// miss events rather than stalling the drain goroutine.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger.With("component", "ws"),
	}
}

// Attach forwards outcomes and status changes from e, and connectivity
// flips from m when it is not nil. The returned function detaches the hub.
func (h *Hub) Attach(e *drain.Engine, m connectivity.Monitor) func() {
	removeHooks := e.AddHooks(drain.Hooks{
		OnSuccess: func(rec queue.ActionRecord) {
			h.Broadcast(Event{Type: EventSucceeded, Action: &rec})
		},
		OnFailure: func(rec queue.ActionRecord, err error) {
			h.Broadcast(Event{Type: EventFailed, Action: &rec, Error: err.Error()})
		},
	})
	unwatch := e.Watch(func(queue.Change) {
		st := currentStatus(e)
		h.Broadcast(Event{Type: EventStatus, Status: &st})
	})
	unsub := func() {}
	if m != nil {
		unsub = m.Subscribe(func(online bool) {
			st := currentStatus(e)
			st.IsOnline = online
			h.Broadcast(Event{Type: EventStatus, Status: &st})
		})
	}
	return func() {
		removeHooks()
		unwatch()
		unsub()
	}
}

// Broadcast queues ev for every client without blocking.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Debug("ws client too slow, event dropped", "type", ev.Type)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) join() *wsClient {
	c := &wsClient{send: make(chan Event, wsSendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) leave(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func handleWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validToken(wsToken(r), deps.Token) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			deps.Logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		client := deps.Hub.join()
		defer deps.Hub.leave(client)
		deps.Logger.Debug("ws client connected", "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		st := currentStatus(deps.Engine)
		if !writeEvent(ctx, conn, Event{Type: EventStatus, Status: &st}) {
			return
		}

		go func() {
			defer cancel()
			for {
				var msg ClientMessage
				if err := wsjson.Read(ctx, conn, &msg); err != nil {
					deps.Logger.Debug("ws read ended", "error", err)
					return
				}
				if reply, ok := handleClientMessage(deps, msg); ok {
					select {
					case client.send <- reply:
					default:
					}
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case ev := <-client.send:
				if !writeEvent(ctx, conn, ev) {
					return
				}
			}
		}
	}
}

// handleClientMessage applies msg and returns an error frame to send back,
// if any.
func handleClientMessage(deps Deps, msg ClientMessage) (Event, bool) {
	switch msg.Type {
	case "connectivity":
		if msg.Online == nil {
			return Event{Type: EventError, Error: "online is required"}, true
		}
		if deps.Reporter == nil {
			return Event{Type: EventError, Error: "connectivity is probed; events are not accepted"}, true
		}
		deps.Reporter.Report(*msg.Online)
		return Event{}, false
	default:
		return Event{Type: EventError, Error: "unknown message type: " + msg.Type}, true
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) bool {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev) == nil
}
