// Package hub keeps the set of live browser websockets. It pushes state to
// all of them, replies to one of them, and routes every inbound frame either
// to the startup pipeline (setup messages) or to the domain command handler.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"vehicles.ledger/vtrack/internal/types"
)

// StartupHandler receives setup messages and provides the app_state sent to
// new connections.
type StartupHandler interface {
	Configure(ctx context.Context, env *types.Envelope) error
	Snapshot() types.Outbound
}

// CommandHandler receives domain commands from an identified user.
type CommandHandler interface {
	Handle(ctx context.Context, sender Sender, username string, env *types.Envelope)
}

// Resolver finds the username behind a connection's session cookie.
type Resolver interface {
	Resolve(r *http.Request) (string, bool)
}

// Hub is the live connection set.
type Hub struct {
	log      *slog.Logger
	resolver Resolver
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]Sender
	closed bool

	routeMu  sync.RWMutex
	startup  StartupHandler
	commands CommandHandler

	wg sync.WaitGroup
}

// New creates an empty hub.
func New(log *slog.Logger, resolver Resolver) *Hub {
	return &Hub{
		log:      log,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]Sender),
	}
}

// Route sets the handlers inbound frames are dispatched to.
func (h *Hub) Route(startup StartupHandler, commands CommandHandler) {
	h.routeMu.Lock()
	h.startup = startup
	h.commands = commands
	h.routeMu.Unlock()
}

func (h *Hub) routes() (StartupHandler, CommandHandler) {
	h.routeMu.RLock()
	defer h.routeMu.RUnlock()
	return h.startup, h.commands
}

// Add registers a connection.
func (h *Hub) Add(s Sender) {
	h.mu.Lock()
	h.conns[s.ID()] = s
	h.mu.Unlock()
}

// Remove unregisters a connection.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends msg to every connection. A failed send is logged and that
// connection is dropped from the set; the others still receive msg.
func (h *Hub) Broadcast(msg types.Outbound) {
	h.mu.RLock()
	targets := make([]Sender, 0, len(h.conns))
	for _, s := range h.conns {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for i, s := range targets {
		h.log.Debug("broadcasting to clients", "n", i+1, "msg", msg.Kind())
		if err := s.Send(msg); err != nil {
			h.log.Debug("error broadcasting", "conn", s.ID(), "msg", msg.Kind(), "err", err)
			h.Remove(s.ID())
		}
	}
}

// Send delivers msg to one connection.
func (h *Hub) Send(s Sender, msg types.Outbound) {
	if err := s.Send(msg); err != nil {
		h.log.Debug("error sending", "conn", s.ID(), "msg", msg.Kind(), "err", err)
		h.Remove(s.ID())
	}
}

// ServeWS upgrades the request, sends the current app_state and serves the
// connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn := newConn(ws, r)
	if !h.admit(conn) {
		_ = conn.Close()
		return
	}
	h.log.Debug("websocket connected", "conn", conn.ID(), "clients", h.Len())

	if startup, _ := h.routes(); startup != nil {
		h.Send(conn, startup.Snapshot())
	}

	// one goroutine per frame; frames from one browser may complete out of order
	ctx := context.WithoutCancel(r.Context())
	conn.listen(func(data []byte) {
		if !h.track() {
			h.log.Debug("hub closed, dropping frame", "conn", conn.ID())
			return
		}
		go func() {
			defer h.wg.Done()
			h.Dispatch(ctx, conn, r, data)
		}()
	})

	h.Remove(conn.ID())
	_ = conn.Close()
	h.log.Debug("websocket closed", "conn", conn.ID())
}

// admit registers conn unless the hub is closing.
func (h *Hub) admit(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn.ID()] = conn
	return true
}

// track registers an in-flight frame unless the hub is closing.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

// Dispatch routes one inbound frame. Malformed frames are dropped; domain
// commands from a connection without a logged-in user are dropped silently.
func (h *Hub) Dispatch(ctx context.Context, sender Sender, r *http.Request, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("panic handling websocket message", "conn", sender.ID(), "panic", rec)
		}
	}()

	env, err := types.DecodeEnvelope(data)
	if err != nil {
		h.log.Debug("websocket message error", "conn", sender.ID(), "err", err)
		return
	}
	startup, commands := h.routes()

	if env.Type == types.TypeSetup {
		h.log.Debug("setup message", "configure", env.Configure)
		if startup == nil {
			return
		}
		if err := startup.Configure(ctx, env); err != nil {
			h.log.Warn("setup did not complete", "configure", env.Configure, "err", err)
		}
		return
	}

	if commands == nil {
		return
	}
	username, ok := h.resolver.Resolve(r)
	if !ok {
		h.log.Debug("dropping command without a session", "type", env.Type)
		return
	}
	commands.Handle(ctx, sender, username, env)
}

// Close closes every connection and waits for in-flight messages.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = make(map[string]Sender)
	h.mu.Unlock()

	for _, s := range conns {
		if c, ok := s.(*Conn); ok {
			_ = c.Close()
		}
	}
	h.wg.Wait()
}
