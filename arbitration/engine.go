// Package arbitration decides and persists session outcomes exactly once.
package arbitration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"versus/server/game"
	"versus/server/lock"
	"versus/server/protocol"
	"versus/server/store"
	"versus/server/telemetry"
)

// Status of a ReportFinish call.
type Status int

const (
	Ignored Status = iota
	Recorded
	Finalized
)

func (s Status) String() string {
	switch s {
	case Recorded:
		return "recorded"
	case Finalized:
		return "finalized"
	default:
		return "ignored"
	}
}

// Outcome is the decided result of a session.
type Outcome struct {
	SessionID string
	Winner    game.Report
	Loser     game.Report
}

// Result of recording a report. Reason is set when Status is Ignored.
type Result struct {
	Status  Status
	Outcome Outcome
	Reason  error
}

// Sessions is the part of the session table the engine uses.
type Sessions interface {
	Get(id string) (*game.Session, error)
	Remove(id string) bool
}

// Notifier delivers an event to a live connection. It returns false if the
// connection is gone.
type Notifier interface {
	Notify(connID string, msg protocol.ServerMsg) bool
}

// Guard is an optional cross-process lock taken before persisting.
type Guard interface {
	Acquire(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

type Options struct {
	TieBreak        game.TieBreak
	FinalizeTimeout time.Duration
	Guard           Guard
}

// ErrDraining is returned for reports that arrive after Drain started.
var ErrDraining = eris.New("arbitration is shutting down")

type Engine struct {
	sessions  Sessions
	directory store.Directory
	matches   store.MatchStore
	notify    Notifier
	metrics   *telemetry.Metrics
	log       *zap.Logger
	opts      Options

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	pending  atomic.Int64
}

func NewEngine(sessions Sessions, directory store.Directory, matches store.MatchStore, notify Notifier,
	metrics *telemetry.Metrics, log *zap.Logger, opts Options) *Engine {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 10 * time.Second
	}
	return &Engine{
		sessions:  sessions,
		directory: directory,
		matches:   matches,
		notify:    notify,
		metrics:   metrics,
		log:       log,
		opts:      opts,
	}
}

// ReportFinish records a participant's final score. The second report decides
// the outcome, retires the session and starts persistence in the background.
func (e *Engine) ReportFinish(sessionID string, r game.Report) Result {
	s, err := e.sessions.Get(sessionID)
	if err != nil {
		e.log.Debug("[ARBITRATION] late finish ignored", zap.String("session_id", sessionID), zap.String("conn_id", r.ReporterID))
		return Result{Status: Ignored, Reason: err}
	}
	return e.record(s, r)
}

// Forfeit records an implicit losing report for a participant that left.
func (e *Engine) Forfeit(s *game.Session, connID string) Result {
	return e.record(s, game.Report{ReporterID: connID, Forfeit: true})
}

func (e *Engine) record(s *game.Session, r game.Report) Result {
	if e.isDraining() {
		e.log.Debug("[ARBITRATION] finish rejected while draining", zap.String("session_id", s.ID))
		return Result{Status: Ignored, Reason: ErrDraining}
	}
	reports, complete, err := s.Record(r)
	if err != nil {
		e.log.Debug("[ARBITRATION] finish ignored",
			zap.String("session_id", s.ID),
			zap.String("conn_id", r.ReporterID),
			zap.Error(err))
		return Result{Status: Ignored, Reason: err}
	}
	if !complete {
		e.log.Debug("[ARBITRATION] finish recorded", zap.String("session_id", s.ID), zap.String("conn_id", r.ReporterID))
		return Result{Status: Recorded}
	}

	e.sessions.Remove(s.ID)

	winner, loser, err := game.Decide(reports, e.opts.TieBreak)
	if err != nil {
		e.metrics.Incr(telemetry.SessionsAborted)
		e.log.Info("[ARBITRATION] session closed without a winner", zap.String("session_id", s.ID), zap.Error(err))
		return Result{Status: Ignored, Reason: err}
	}

	out := Outcome{SessionID: s.ID, Winner: winner, Loser: loser}
	if !e.start(s, out) {
		return Result{Status: Ignored, Reason: ErrDraining}
	}
	return Result{Status: Finalized, Outcome: out}
}

// start launches the finalization worker unless Drain has begun, in which case
// the participants are told the result was not recorded.
func (e *Engine) start(s *game.Session, out Outcome) bool {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		e.fail(s, out, ErrDraining)
		return false
	}
	e.wg.Add(1)
	e.pending.Add(1)
	e.mu.Unlock()

	go e.finalize(s, out)
	return true
}

func (e *Engine) isDraining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// Wait blocks until every started finalization has finished. Callers must not
// report concurrently; use Drain at shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain stops accepting finalizations and waits for the running ones.
func (e *Engine) Drain() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.wg.Wait()
}

// Pending returns the number of finalizations in flight.
func (e *Engine) Pending() int {
	return int(e.pending.Load())
}

func (e *Engine) finalize(s *game.Session, out Outcome) {
	defer e.wg.Done()
	defer e.pending.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.FinalizeTimeout)
	defer cancel()

	log := e.log.With(zap.String("session_id", out.SessionID))
	key := "finalized:" + out.SessionID

	if g := e.opts.Guard; g != nil {
		if err := g.Acquire(ctx, key); err != nil {
			if eris.Is(err, lock.ErrNotAcquired) {
				log.Warn("[ARBITRATION] session already finalized by another owner", zap.Error(err))
			}
			e.fail(s, out, eris.Wrap(err, "acquire finalization guard"))
			return
		}
	}

	persisted, err := e.persist(ctx, out)
	if err != nil && !persisted {
		if g := e.opts.Guard; g != nil {
			if rerr := g.Release(ctx, key); rerr != nil {
				log.Warn("[ARBITRATION] guard release failed", zap.Error(rerr))
			}
		}
		e.fail(s, out, err)
		return
	}
	if err != nil {
		log.Error("[ARBITRATION] match persisted but stats update failed", zap.Error(err))
	}

	e.metrics.Incr(telemetry.SessionsFinalized)
	log.Info("[ARBITRATION] session finalized",
		zap.String("winner", out.Winner.DisplayName),
		zap.String("loser", out.Loser.DisplayName),
		zap.Int("winner_score", out.Winner.Score),
		zap.Int("loser_score", out.Loser.Score))

	e.broadcast(s, protocol.ServerMsg{
		Event: protocol.SessionResult,
		Data: protocol.SessionResultMsg{
			SessionID:   out.SessionID,
			WinnerName:  out.Winner.DisplayName,
			LoserName:   out.Loser.DisplayName,
			WinnerScore: out.Winner.Score,
			LoserScore:  out.Loser.Score,
		},
	})
}

// fail reports a finalization that recorded nothing to both participants.
func (e *Engine) fail(s *game.Session, out Outcome, err error) {
	e.metrics.Incr(telemetry.SessionsFailed)
	e.log.Error("[ARBITRATION] finalization failed, result not recorded",
		zap.String("session_id", out.SessionID), zap.Error(err))
	e.broadcast(s, protocol.ServerMsg{
		Event: protocol.SessionEnded,
		Data:  protocol.SessionEndedMsg{SessionID: out.SessionID, Reason: protocol.ReasonResultNotRecorded},
	})
}

// persist resolves both identities and writes the match and stats. persisted
// reports whether a MatchResult was committed, even if a later write failed.
func (e *Engine) persist(ctx context.Context, out Outcome) (persisted bool, err error) {
	winnerID, err := e.directory.Resolve(ctx, out.Winner.DisplayName)
	if err != nil {
		return false, eris.Wrap(err, "resolve winner")
	}
	loserID, err := e.directory.Resolve(ctx, out.Loser.DisplayName)
	if err != nil {
		return false, eris.Wrap(err, "resolve loser")
	}

	if tx, ok := e.matches.(store.TxStore); ok {
		err := tx.InTx(ctx, func(ms store.MatchStore) error {
			_, err := writeMatch(ctx, ms, winnerID, loserID, out)
			return err
		})
		return err == nil, err
	}
	return writeMatch(ctx, e.matches, winnerID, loserID, out)
}

func writeMatch(ctx context.Context, ms store.MatchStore, winnerID, loserID string, out Outcome) (bool, error) {
	if _, err := ms.PersistMatch(ctx, winnerID, loserID, out.Winner.Score, out.Loser.Score); err != nil {
		return false, eris.Wrap(err, "persist match")
	}
	if err := ms.IncrementStats(ctx, winnerID, store.StatsDelta{Wins: 1, GamesPlayed: 1}); err != nil {
		return true, eris.Wrap(err, "increment winner stats")
	}
	if err := ms.IncrementStats(ctx, loserID, store.StatsDelta{GamesPlayed: 1}); err != nil {
		return true, eris.Wrap(err, "increment loser stats")
	}
	if err := ms.RaiseBestScore(ctx, winnerID, out.Winner.Score); err != nil {
		return true, eris.Wrap(err, "raise best score")
	}
	return true, nil
}

func (e *Engine) broadcast(s *game.Session, msg protocol.ServerMsg) {
	for _, p := range []game.Participant{s.A, s.B} {
		if !e.notify.Notify(p.ConnID, msg) {
			e.log.Debug("[ARBITRATION] participant gone, notification dropped",
				zap.String("session_id", s.ID),
				zap.String("conn_id", p.ConnID),
				zap.String("event", msg.Event))
		}
	}
}
