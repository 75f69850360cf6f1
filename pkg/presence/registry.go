// Package presence tracks which users currently hold a live connection.
// The registry is the single source of truth for "who is online".
package presence

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Conn is the slice of a transport connection the registry needs. Keeping it
// narrow lets the event router be tested against fakes.
type Conn interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// Registry maps a user identity to that user's current connection. At most one
// entry exists per user; a later connection replaces an earlier one. Entries
// are added and removed only by the event router's connect/disconnect paths.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Conn

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		peers:  make(map[string]Conn),
		logger: logger.With(slog.String("component", "presence_registry")),
	}
}

// Set records conn as the user's current connection. The last connection wins:
// a user reconnecting (tab refresh) must not stay reachable on a dead socket.
// Any displaced connection is returned so the caller can close it.
func (r *Registry) Set(userID string, conn Conn) (replaced Conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.peers[userID]
	r.peers[userID] = conn
	r.logger.Debug("presence entry set", slog.String("userID", userID), slog.String("connID", conn.ID().String()))
	if had && prev.ID() != conn.ID() {
		return prev, true
	}
	return nil, false
}

// Get returns the user's current connection, if any.
func (r *Registry) Get(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.peers[userID]
	return conn, ok
}

// Remove deletes the user's entry, but only if it still points at connID.
// A stale teardown arriving after the user reconnected must not evict the
// successor connection. Removing an absent entry is a no-op.
func (r *Registry) Remove(userID string, connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.peers[userID]
	if !ok || conn.ID() != connID {
		return false
	}
	delete(r.peers, userID)
	r.logger.Debug("presence entry removed", slog.String("userID", userID), slog.String("connID", connID.String()))
	return true
}

// UserIDs returns the sorted identities of all online users.
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Conns returns every currently registered connection.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.peers))
	for _, c := range r.peers {
		conns = append(conns, c)
	}
	return conns
}

// Len reports the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
