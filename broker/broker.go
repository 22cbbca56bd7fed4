// Package broker owns all matchmaking, relay and arbitration state and exposes
// one entry point per inbound connection event.
package broker

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"versus/server/arbitration"
	"versus/server/game"
	"versus/server/matchmaking"
	"versus/server/protocol"
	"versus/server/pubsub"
	"versus/server/registry"
	"versus/server/store"
	"versus/server/telemetry"
	"versus/server/timeout"
)

// ErrProtocol marks events that are well-formed but not allowed in the
// connection's current state.
var ErrProtocol = eris.New("protocol violation")

type Options struct {
	QueueMaxWait        time.Duration
	RelayBuffer         int
	TieBreak            game.TieBreak
	ForfeitOnDisconnect bool
	FinalizeTimeout     time.Duration
	Guard               arbitration.Guard
}

type Broker struct {
	conns    *registry.Registry
	queue    *matchmaking.Queue
	table    *game.Table
	engine   *arbitration.Engine
	bus      *pubsub.Bus
	timeouts *timeout.Manager
	metrics  *telemetry.Metrics
	log      *zap.Logger
	forfeit  bool

	mu   sync.Mutex
	subs map[string]pubsub.Subscriber
}

// Stats is a point-in-time view of broker state.
type Stats struct {
	Connections          int `json:"connections"`
	Waiting              int `json:"waiting"`
	ActiveSessions       int `json:"activeSessions"`
	PendingFinalizations int `json:"pendingFinalizations"`
}

func New(directory store.Directory, matches store.MatchStore, metrics *telemetry.Metrics, log *zap.Logger, opts Options) *Broker {
	b := &Broker{
		conns:    registry.New(),
		table:    game.NewTable(),
		bus:      pubsub.NewBus(opts.RelayBuffer, log.Named("pubsub")),
		timeouts: timeout.NewManager(log.Named("timeout")),
		metrics:  metrics,
		log:      log,
		forfeit:  opts.ForfeitOnDisconnect,
		subs:     make(map[string]pubsub.Subscriber),
	}
	b.queue = matchmaking.NewQueue(b.conns, b.table, b.timeouts, log.Named("matchmaking"), matchmaking.Options{
		MaxWait:   opts.QueueMaxWait,
		OnTimeout: b.onQueueTimeout,
	})
	b.engine = arbitration.NewEngine(b.table, directory, matches, b, metrics, log.Named("arbitration"), arbitration.Options{
		TieBreak:        opts.TieBreak,
		FinalizeTimeout: opts.FinalizeTimeout,
		Guard:           opts.Guard,
	})
	b.conns.SetBeforeRemove(b.onDisconnect)
	return b
}

// Open registers a new connection and returns its outbound frame queue.
func (b *Broker) Open() (*registry.Connection, pubsub.Subscriber) {
	c := b.conns.Register()
	sub := b.bus.Subscribe(pubsub.ConnTopic(c.ID))

	b.mu.Lock()
	b.subs[c.ID] = sub
	b.mu.Unlock()

	b.log.Debug("[BROKER] connection opened", zap.String("conn_id", c.ID))
	return c, sub
}

// Close runs the disconnect handler and releases the outbound queue. It is idempotent.
func (b *Broker) Close(connID string) {
	b.conns.Unregister(connID)

	b.mu.Lock()
	sub, ok := b.subs[connID]
	delete(b.subs, connID)
	b.mu.Unlock()
	if ok {
		b.bus.Unsubscribe(sub)
		b.log.Debug("[BROKER] connection closed", zap.String("conn_id", connID))
	}
}

// Notify encodes msg and queues it for connID. It returns false if the
// connection is gone or its queue is full.
func (b *Broker) Notify(connID string, msg protocol.ServerMsg) bool {
	if _, err := b.conns.Lookup(connID); err != nil {
		return false
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		b.log.Error("[BROKER] failed to encode event", zap.String("event", msg.Event), zap.Error(err))
		return false
	}
	return b.bus.Publish(pubsub.ConnTopic(connID), frame)
}

// FindOpponent enters the connection into the queue or pairs it with the waiting one.
func (b *Broker) FindOpponent(connID, displayName string) error {
	c, err := b.conns.Lookup(connID)
	if err != nil {
		return err
	}

	res, err := b.queue.EnqueueOrPair(c, displayName)
	if eris.Is(err, matchmaking.ErrSelfPair) {
		return eris.Wrap(ErrProtocol, "already waiting")
	}
	if eris.Is(err, game.ErrAlreadyInMatch) {
		return eris.Wrap(ErrProtocol, "already matched")
	}
	if err != nil {
		return err
	}

	if res.Status == matchmaking.Waiting {
		b.metrics.Incr(telemetry.QueueWaiting)
		b.log.Info("[BROKER] waiting for opponent", zap.String("conn_id", connID), zap.String("name", displayName))
		b.Notify(connID, protocol.ServerMsg{Event: protocol.WaitingForOpponent, Data: protocol.WaitingMsg{}})
		return nil
	}

	s := res.Session
	b.metrics.Incr(telemetry.QueuePaired)
	b.metrics.Gauge(telemetry.SessionsActive, b.table.Len())
	b.log.Info("[BROKER] session created",
		zap.String("session_id", s.ID),
		zap.String("a", s.A.DisplayName),
		zap.String("b", s.B.DisplayName))

	b.Notify(s.A.ConnID, protocol.ServerMsg{
		Event: protocol.OpponentFound,
		Data:  protocol.OpponentFoundMsg{OpponentName: s.B.DisplayName, SessionID: s.ID},
	})
	b.Notify(s.B.ConnID, protocol.ServerMsg{
		Event: protocol.OpponentFound,
		Data:  protocol.OpponentFoundMsg{OpponentName: s.A.DisplayName, SessionID: s.ID},
	})
	return nil
}

// StateUpdate forwards payload to the sender's peer in the session.
func (b *Broker) StateUpdate(connID, sessionID string, payload json.RawMessage) error {
	s, err := b.table.Get(sessionID)
	if err != nil {
		return err
	}
	peer, ok := s.Peer(connID)
	if !ok {
		return eris.Wrapf(ErrProtocol, "connection is not a participant of session %s", sessionID)
	}
	if s.Closed() {
		return eris.Wrapf(game.ErrSessionClosed, "session %s", sessionID)
	}

	if b.Notify(peer.ConnID, protocol.ServerMsg{
		Event: protocol.StateUpdate,
		Data:  protocol.RelayedStateMsg{Payload: payload},
	}) {
		b.metrics.Incr(telemetry.RelayForwarded)
	} else {
		b.metrics.Incr(telemetry.RelayDropped)
	}
	return nil
}

// Finish reports a final score. The display name from find-opponent is used
// for the outcome; a different name here is only logged.
func (b *Broker) Finish(connID, sessionID, displayName string, score int) arbitration.Result {
	if s, err := b.table.Get(sessionID); err == nil {
		if p, ok := s.Participant(connID); ok && displayName != "" && displayName != p.DisplayName {
			b.log.Warn("[BROKER] finish name differs from session name",
				zap.String("session_id", sessionID),
				zap.String("conn_id", connID),
				zap.String("reported", displayName),
				zap.String("session_name", p.DisplayName))
		}
	}

	res := b.engine.ReportFinish(sessionID, game.Report{ReporterID: connID, Score: score})
	if res.Status == arbitration.Finalized {
		b.metrics.Gauge(telemetry.SessionsActive, b.table.Len())
	}
	return res
}

// Dispatch decodes one inbound frame and routes it. Errors never escape: they
// are logged and, for protocol errors, reported back on the connection.
func (b *Broker) Dispatch(connID string, frame []byte) {
	err := b.dispatch(connID, frame)
	switch {
	case err == nil:
	case eris.Is(err, protocol.ErrMalformed), eris.Is(err, ErrProtocol):
		b.metrics.Incr(telemetry.ProtocolErrors)
		b.log.Warn("[BROKER] protocol error", zap.String("conn_id", connID), zap.Error(err))
		b.Notify(connID, protocol.ServerMsg{Event: protocol.Error, Data: protocol.ErrorMsg{Message: err.Error()}})
	default:
		b.log.Debug("[BROKER] event dropped", zap.String("conn_id", connID), zap.Error(err))
	}
}

func (b *Broker) dispatch(connID string, frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	switch env.Event {
	case protocol.FindOpponent:
		m, err := env.FindOpponent()
		if err != nil {
			return err
		}
		return b.FindOpponent(connID, m.DisplayName)
	case protocol.StateUpdate:
		m, err := env.StateUpdate()
		if err != nil {
			return err
		}
		return b.StateUpdate(connID, m.SessionID, m.Payload)
	case protocol.Finish:
		m, err := env.Finish()
		if err != nil {
			return err
		}
		return b.Finish(connID, m.SessionID, m.DisplayName, *m.Score).Reason
	}
	return eris.Wrapf(protocol.ErrMalformed, "unknown event %q", env.Event)
}

// onDisconnect runs while the connection is closing but still registered.
func (b *Broker) onDisconnect(c *registry.Connection) {
	log := b.log.With(zap.String("conn_id", c.ID))

	if b.queue.Remove(c.ID) {
		log.Info("[BROKER] left the queue")
	}

	s, ok := b.table.ForConnection(c.ID)
	if !ok {
		return
	}
	peer, _ := s.Peer(c.ID)
	log = log.With(zap.String("session_id", s.ID))

	if b.forfeit {
		res := b.engine.Forfeit(s, c.ID)
		switch {
		case res.Status == arbitration.Recorded:
			log.Info("[BROKER] participant forfeited")
			self, _ := s.Participant(c.ID)
			b.Notify(peer.ConnID, protocol.ServerMsg{
				Event: protocol.OpponentLeft,
				Data:  protocol.OpponentLeftMsg{SessionID: s.ID, OpponentName: self.DisplayName},
			})
			return
		case res.Status == arbitration.Finalized, eris.Is(res.Reason, game.ErrNoWinner):
			b.metrics.Gauge(telemetry.SessionsActive, b.table.Len())
			return
		}
		// already reported before leaving: fall through to the baseline abort
	}

	if !s.Abort() {
		return
	}
	b.table.Remove(s.ID)
	b.metrics.Incr(telemetry.SessionsAborted)
	b.metrics.Gauge(telemetry.SessionsActive, b.table.Len())
	log.Info("[BROKER] session aborted by disconnect")

	b.Notify(peer.ConnID, protocol.ServerMsg{
		Event: protocol.SessionEnded,
		Data:  protocol.SessionEndedMsg{SessionID: s.ID, Reason: protocol.ReasonOpponentDisconnected},
	})
}

func (b *Broker) onQueueTimeout(connID string, waited time.Duration) {
	b.metrics.Incr(telemetry.QueueTimeouts)
	b.Notify(connID, protocol.ServerMsg{
		Event: protocol.QueueTimeout,
		Data:  protocol.QueueTimeoutMsg{WaitedMs: waited.Milliseconds()},
	})
}

func (b *Broker) Stats() Stats {
	st := Stats{
		Connections:          b.conns.Len(),
		ActiveSessions:       b.table.Len(),
		PendingFinalizations: b.engine.Pending(),
	}
	if _, ok := b.queue.Waiting(); ok {
		st.Waiting = 1
	}
	return st
}

// Shutdown closes every connection and waits for in-flight finalizations.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.timeouts.CancelAll()
	for _, id := range b.conns.IDs() {
		b.Close(id)
	}

	done := make(chan struct{})
	go func() {
		b.engine.Drain()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "%d finalizations still pending", b.engine.Pending())
	}
}
