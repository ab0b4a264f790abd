package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/notebrook/cellkernel/internal/pool"
)

// ErrRegistryClosed reports a session acquired from a registry that already
// shut down.
var ErrRegistryClosed = errors.New("session registry is closed")

// Registry owns the live session clients for one server. The transport
// layer acquires a client when a session opens and releases it when the
// session goes away; Close tears down whatever is left at server shutdown.
type Registry struct {
	pool   *pool.Pool
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewRegistry builds a registry backed by the given pool.
func NewRegistry(p *pool.Pool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pool:    p,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Acquire returns the session's client, creating it on first use. Acquiring
// an existing session with a different notebook is a caller bug and fails.
func (r *Registry) Acquire(sessionID, notebookID string) (*Client, error) {
	if sessionID == "" {
		return nil, errors.New("empty session id")
	}
	if notebookID == "" {
		return nil, errors.New("empty notebook id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if c, ok := r.clients[sessionID]; ok {
		if c.NotebookID() != notebookID {
			return nil, fmt.Errorf("session %s is bound to notebook %s, not %s",
				sessionID, c.NotebookID(), notebookID)
		}
		return c, nil
	}
	c := NewClient(r.pool, sessionID, notebookID, r.logger)
	r.clients[sessionID] = c
	r.logger.Info("session registered", "session_id", sessionID, "notebook_id", notebookID)
	return c, nil
}

// Release drops the session and terminates its sticky worker. Unknown
// sessions are ignored.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	c, ok := r.clients[sessionID]
	delete(r.clients, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	c.Release()
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close releases every live session. Called at server shutdown, before the
// pool itself closes.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = nil
	r.mu.Unlock()

	for _, c := range clients {
		c.Release()
	}
	r.logger.Info("session registry closed", "sessions", len(clients))
}
