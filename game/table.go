package game

import (
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
)

// Table maps session ids to live sessions and indexes them by participant.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[string]string
	sequence uint64
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
	}
}

// Create registers a session for two distinct connections. The id joins both
// connection ids with the pairing sequence, so concurrent pairings never collide.
func (t *Table) Create(a, b Participant) (*Session, error) {
	if a.ConnID == b.ConnID {
		return nil, eris.Wrapf(ErrSelfPair, "connection %s", a.ConnID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range []string{a.ConnID, b.ConnID} {
		if sid, ok := t.byConn[id]; ok {
			return nil, eris.Wrapf(ErrAlreadyInMatch, "connection %s in session %s", id, sid)
		}
	}

	t.sequence++
	s := newSession(fmt.Sprintf("%s_%s_%d", a.ConnID, b.ConnID, t.sequence), a, b)
	t.sessions[s.ID] = s
	t.byConn[a.ConnID] = s.ID
	t.byConn[b.ConnID] = s.ID
	return s, nil
}

func (t *Table) Get(id string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, eris.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	return s, nil
}

// ForConnection returns the live session a connection participates in.
func (t *Table) ForConnection(connID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sid, ok := t.byConn[connID]
	if !ok {
		return nil, false
	}
	s, ok := t.sessions[sid]
	return s, ok
}

// Remove retires a session. It reports whether the session was present.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return false
	}
	delete(t.sessions, id)
	for _, p := range []Participant{s.A, s.B} {
		if t.byConn[p.ConnID] == id {
			delete(t.byConn, p.ConnID)
		}
	}
	return true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
