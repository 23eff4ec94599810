// Package bridge exposes the assistant workflow over WebSocket connections.
package bridge

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks active WebSocket connections by session ID so the server
// can count and drain them on shutdown.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*websocket.Conn)}
}

// Register adds a connection under its session ID.
func (r *Registry) Register(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[sessionID] = conn
	slog.Info("session registered", "session_id", sessionID, "active", len(r.active))
}

// Unregister removes a connection. Safe to call for unknown IDs.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[sessionID]; ok {
		delete(r.active, sessionID)
		slog.Info("session unregistered", "session_id", sessionID, "active", len(r.active))
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CloseAll terminates every active connection, used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.active {
		_ = conn.Close(websocket.StatusGoingAway, reason)
		delete(r.active, id)
		slog.Info("session closed", "session_id", id, "reason", reason)
	}
}
