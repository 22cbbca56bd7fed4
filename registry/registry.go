// Package registry tracks live player connections by a registry-issued id.
// The id is independent of the transport, so a reconnect is a new Connection.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrNotFound is returned for ids that are unknown or already closing.
// Callers treat it as a benign race with a departing peer.
var ErrNotFound = eris.New("connection not found")

// Connection is one live transport endpoint.
type Connection struct {
	ID       string
	OpenedAt time.Time

	mu          sync.RWMutex
	displayName string
	queuedSince time.Time
	closing     bool
}

func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *Connection) SetDisplayName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayName = name
}

// QueuedSince reports when the connection entered the queue slot, if it is there.
func (c *Connection) QueuedSince() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queuedSince, !c.queuedSince.IsZero()
}

func (c *Connection) MarkQueued(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queuedSince = at
}

func (c *Connection) ClearQueued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queuedSince = time.Time{}
}

// Registry owns every Connection. Other components hold ids only.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]*Connection
	beforeRemove func(*Connection)
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// SetBeforeRemove installs the reconciliation hook run by Unregister while the
// connection is closing but still owned by the registry.
func (r *Registry) SetBeforeRemove(fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeRemove = fn
}

// Register issues a fresh id and starts tracking the connection.
func (r *Registry) Register() *Connection {
	c := &Connection{ID: uuid.NewString(), OpenedAt: time.Now()}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	return c
}

// Lookup returns a live connection. Closing connections are reported as ErrNotFound.
func (r *Registry) Lookup(id string) (*Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "connection %s", id)
	}
	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()
	if closing {
		return nil, eris.Wrapf(ErrNotFound, "connection %s is closing", id)
	}
	return c, nil
}

// Unregister runs the reconciliation hook and then drops the connection.
// It reports whether this call performed the removal; repeated calls are no-ops.
func (r *Registry) Unregister(id string) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	hook := r.beforeRemove
	r.mu.RUnlock()
	if !ok {
		return false
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.closing = true
	c.mu.Unlock()

	if hook != nil {
		hook(c)
	}

	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
	return true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns a snapshot of the registered connection ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
