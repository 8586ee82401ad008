package taskwire

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ClientInfo describes a registered client session.
type ClientInfo struct {
	ID          string    `json:"client_id"`
	Name        string    `json:"name"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Heartbeats  int64     `json:"heartbeats"`
}

type clientRecord struct {
	info ClientInfo
	conn *frameConn
}

// clientRegistry is the server's table of active clients keyed by client id.
type clientRegistry struct {
	clients map[string]*clientRecord
	mu      sync.RWMutex
	logger  *slog.Logger
}

func newClientRegistry(logger *slog.Logger) *clientRegistry {
	return &clientRegistry{
		clients: make(map[string]*clientRecord),
		logger:  logger,
	}
}

// Add registers a client. It fails if the id is already taken by a live session.
func (r *clientRegistry) Add(id, name string, conn *frameConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[id]; exists {
		r.logger.Warn("Client id already registered", "client_id", id)
		return fmt.Errorf("client already connected: %s", id)
	}
	now := time.Now()
	r.clients[id] = &clientRecord{
		info: ClientInfo{
			ID:          id,
			Name:        name,
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: now,
			LastSeen:    now,
		},
		conn: conn,
	}
	r.logger.Debug("Client added to registry", "client_id", id)
	return nil
}

// Remove deletes the client only if it is still bound to conn, so a stale
// connection cannot evict a newer session with the same id.
func (r *clientRegistry) Remove(id string, conn *frameConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[id]
	if !ok || rec.conn != conn {
		return false
	}
	delete(r.clients, id)
	r.logger.Debug("Client removed from registry", "client_id", id)
	return true
}

// Conn returns the connection of a registered client.
func (r *clientRegistry) Conn(id string) (*frameConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

// Exists checks if a client id is registered.
func (r *clientRegistry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.clients[id]
	return exists
}

// Heartbeat records liveness for a client. It is advisory only.
func (r *clientRegistry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.clients[id]; ok {
		rec.info.LastSeen = time.Now()
		rec.info.Heartbeats++
	}
}

func (r *clientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// List returns a copy of every record ordered by connection time.
func (r *clientRegistry) List() []ClientInfo {
	r.mu.RLock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, rec.info)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b ClientInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return out
}
