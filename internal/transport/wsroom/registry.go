// Package wsroom provides a browser WebSocket transport for intake sessions.
package wsroom

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/transport"
)

// Registry tracks live browser sockets by room name and hands them to the
// orchestrator when it connects to that room.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Conn
}

var _ transport.Adapter = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]*Conn),
	}
}

// Get returns the connection registered for room, or nil.
func (r *Registry) Get(room string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[room]
}

// Register binds conn to room, replacing and closing any previous socket.
func (r *Registry) Register(room string, conn *Conn) {
	r.mu.Lock()
	existing, exists := r.active[room]
	r.active[room] = conn
	r.mu.Unlock()

	if exists && existing != conn {
		_ = existing.close("session replaced")
	}
	slog.Info("Intake socket registered", "room", room)
}

// Unregister removes conn if it is still the socket bound to room.
func (r *Registry) Unregister(room string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[room]; ok && current == conn {
		delete(r.active, room)
		slog.Info("Intake socket unregistered", "room", room)
	}
}

// CloseAll closes every registered socket.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.active))
	for room, c := range r.active {
		conns = append(conns, c)
		delete(r.active, room)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.close(reason)
	}
}

// Len returns the number of registered sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Connect implements transport.Adapter for sockets already registered by the
// HTTP handler.
func (r *Registry) Connect(_ context.Context, room domain.RoomRef) (transport.Conn, error) {
	c := r.Get(room.Name)
	if c == nil {
		return nil, transport.ErrRoomNotFound
	}
	return c, nil
}
