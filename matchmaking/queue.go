// Package matchmaking pairs connections through a single waiting slot.
package matchmaking

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"versus/server/game"
	"versus/server/registry"
	"versus/server/timeout"
)

// ErrSelfPair is returned when the waiting connection asks to be paired again.
var ErrSelfPair = eris.New("connection is already waiting")

// Status of an EnqueueOrPair call.
type Status int

const (
	Waiting Status = iota + 1
	Paired
)

// Result tells the caller whether it now waits or was paired.
type Result struct {
	Status  Status
	Session *game.Session
	Peer    game.Participant
}

// Lookuper resolves connection ids to live connections.
type Lookuper interface {
	Lookup(id string) (*registry.Connection, error)
}

// SessionCreator creates the session for a pairing and reports live membership.
type SessionCreator interface {
	Create(a, b game.Participant) (*game.Session, error)
	ForConnection(connID string) (*game.Session, bool)
}

// Queue holds at most one waiting connection.
type Queue struct {
	mu         sync.Mutex
	waiting    *registry.Connection
	generation uint64

	conns     Lookuper
	sessions  SessionCreator
	timeouts  *timeout.Manager
	maxWait   time.Duration
	onTimeout func(connID string, waited time.Duration)
	log       *zap.Logger
}

// Options configures the optional max wait. A zero MaxWait disables it.
type Options struct {
	MaxWait   time.Duration
	OnTimeout func(connID string, waited time.Duration)
}

func NewQueue(conns Lookuper, sessions SessionCreator, timeouts *timeout.Manager, log *zap.Logger, opts Options) *Queue {
	return &Queue{
		conns:     conns,
		sessions:  sessions,
		timeouts:  timeouts,
		maxWait:   opts.MaxWait,
		onTimeout: opts.OnTimeout,
		log:       log,
	}
}

// EnqueueOrPair is the check-and-set on the slot. An empty slot stores c; an
// occupied one is cleared and a session is created with the waiting connection.
func (q *Queue) EnqueueOrPair(c *registry.Connection, displayName string) (Result, error) {
	c.SetDisplayName(displayName)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.waiting != nil && q.waiting.ID == c.ID {
		return Result{}, eris.Wrapf(ErrSelfPair, "connection %s", c.ID)
	}
	// Sessions are only created under q.mu, so this check cannot go stale before the pairing below.
	if s, ok := q.sessions.ForConnection(c.ID); ok {
		return Result{}, eris.Wrapf(game.ErrAlreadyInMatch, "connection %s in session %s", c.ID, s.ID)
	}

	if q.waiting != nil {
		// The occupant may be closing while its disconnect hook has not run yet.
		if _, err := q.conns.Lookup(q.waiting.ID); err != nil {
			q.log.Debug("[QUEUE] dropping closed occupant", zap.String("conn_id", q.waiting.ID))
			q.clearLocked()
		} else if s, ok := q.sessions.ForConnection(q.waiting.ID); ok {
			q.log.Warn("[QUEUE] dropping occupant already in a session",
				zap.String("conn_id", q.waiting.ID), zap.String("session_id", s.ID))
			q.clearLocked()
		}
	}

	if q.waiting == nil {
		q.storeLocked(c)
		return Result{Status: Waiting}, nil
	}

	peer := q.waiting
	a := game.Participant{ConnID: peer.ID, DisplayName: peer.DisplayName()}
	b := game.Participant{ConnID: c.ID, DisplayName: displayName}
	s, err := q.sessions.Create(a, b)
	if eris.Is(err, game.ErrAlreadyInMatch) {
		q.log.Warn("[QUEUE] occupant could not be paired", zap.String("conn_id", peer.ID), zap.Error(err))
		q.clearLocked()
		q.storeLocked(c)
		return Result{Status: Waiting}, nil
	}
	if err != nil {
		return Result{}, err
	}
	q.clearLocked()
	return Result{Status: Paired, Session: s, Peer: a}, nil
}

// Remove clears the slot if connID holds it.
func (q *Queue) Remove(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.waiting == nil || q.waiting.ID != connID {
		return false
	}
	q.clearLocked()
	return true
}

// Waiting returns the id of the current occupant.
func (q *Queue) Waiting() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.waiting == nil {
		return "", false
	}
	return q.waiting.ID, true
}

func (q *Queue) storeLocked(c *registry.Connection) {
	q.generation++
	q.waiting = c
	c.MarkQueued(time.Now())

	if q.maxWait <= 0 || q.timeouts == nil {
		return
	}
	gen := q.generation
	q.timeouts.Watch(timeoutKey(c.ID), q.maxWait, func(ev timeout.Event) {
		q.expire(c.ID, gen, ev.Waited)
	})
}

func (q *Queue) clearLocked() {
	if q.waiting == nil {
		return
	}
	if q.timeouts != nil {
		q.timeouts.Cancel(timeoutKey(q.waiting.ID))
	}
	q.waiting.ClearQueued()
	q.waiting = nil
}

func (q *Queue) expire(connID string, gen uint64, waited time.Duration) {
	q.mu.Lock()
	if q.waiting == nil || q.waiting.ID != connID || q.generation != gen {
		q.mu.Unlock()
		return
	}
	q.waiting.ClearQueued()
	q.waiting = nil
	q.mu.Unlock()

	q.log.Info("[QUEUE] wait expired", zap.String("conn_id", connID), zap.Duration("waited", waited))
	if q.onTimeout != nil {
		q.onTimeout(connID, waited)
	}
}

func timeoutKey(connID string) string {
	return "queue:" + connID
}
