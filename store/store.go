// Package store defines the persistence collaborators consumed at finalization:
// the identity directory and the Match Store.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

var ErrAccountNotFound = eris.New("account not found")

// MatchResult is immutable once persisted.
type MatchResult struct {
	ID          string
	WinnerID    string
	LoserID     string
	WinnerScore int
	LoserScore  int
	PlayedAt    time.Time
}

// StatsDelta is added to an account's counters.
type StatsDelta struct {
	Wins        int
	GamesPlayed int
}

// Account is the read model of one player's network statistics.
type Account struct {
	ID              string
	Username        string
	NetworkWins     int
	GamesPlayed     int
	NetworkMaxScore int
}

// Directory resolves a verified display name to a persistent account id.
type Directory interface {
	Resolve(ctx context.Context, displayName string) (string, error)
}

type MatchStore interface {
	PersistMatch(ctx context.Context, winnerID, loserID string, winnerScore, loserScore int) (MatchResult, error)
	IncrementStats(ctx context.Context, accountID string, delta StatsDelta) error
	// RaiseBestScore sets the best network score to score if it is higher than the current one.
	RaiseBestScore(ctx context.Context, accountID string, score int) error
}

// TxStore applies a group of MatchStore calls atomically.
type TxStore interface {
	MatchStore
	InTx(ctx context.Context, fn func(MatchStore) error) error
}
