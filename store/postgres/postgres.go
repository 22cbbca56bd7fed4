// Package postgres implements the account directory and Match Store on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"versus/server/store"
)

//go:embed schema.sql
var schema string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type Store struct {
	pool Pool
	q    querier
}

var (
	_ store.Directory = (*Store)(nil)
	_ store.TxStore   = (*Store)(nil)
)

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to db")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "failed to ping db")
	}
	return NewWithPool(pool), nil
}

func NewWithPool(pool Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (s *Store) Close() {
	if c, ok := s.pool.(interface{ Close() }); ok {
		c.Close()
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "migrate")
		}
	}
	return nil
}

// AddAccount registers username, returning the existing id if it is already taken.
func (s *Store) AddAccount(ctx context.Context, username string) (string, error) {
	var id string
	err := s.q.QueryRow(ctx,
		`INSERT INTO accounts (id, username) VALUES ($1, $2)
		 ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		 RETURNING id`,
		uuid.NewString(), username,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "add account %q", username)
	}
	return id, nil
}

func (s *Store) Resolve(ctx context.Context, displayName string) (string, error) {
	var id string
	err := s.q.QueryRow(ctx, `SELECT id FROM accounts WHERE username = $1`, displayName).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrapf(store.ErrAccountNotFound, "username %q", displayName)
	}
	if err != nil {
		return "", eris.Wrapf(err, "resolve %q", displayName)
	}
	return id, nil
}

func (s *Store) PersistMatch(ctx context.Context, winnerID, loserID string, winnerScore, loserScore int) (store.MatchResult, error) {
	var (
		id       int64
		playedAt time.Time
	)
	err := s.q.QueryRow(ctx,
		`INSERT INTO matches (winner_id, loser_id, winner_score, loser_score)
		 VALUES ($1, $2, $3, $4) RETURNING id, played_at`,
		winnerID, loserID, winnerScore, loserScore,
	).Scan(&id, &playedAt)
	if err != nil {
		return store.MatchResult{}, eris.Wrap(err, "persist match")
	}
	return store.MatchResult{
		ID:          strconv.FormatInt(id, 10),
		WinnerID:    winnerID,
		LoserID:     loserID,
		WinnerScore: winnerScore,
		LoserScore:  loserScore,
		PlayedAt:    playedAt,
	}, nil
}

func (s *Store) IncrementStats(ctx context.Context, accountID string, delta store.StatsDelta) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE accounts SET network_wins = network_wins + $1, games_played = games_played + $2 WHERE id = $3`,
		delta.Wins, delta.GamesPlayed, accountID,
	)
	if err != nil {
		return eris.Wrapf(err, "increment stats %s", accountID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(store.ErrAccountNotFound, "account %s", accountID)
	}
	return nil
}

func (s *Store) RaiseBestScore(ctx context.Context, accountID string, score int) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE accounts SET network_max_score = GREATEST(network_max_score, $1) WHERE id = $2`,
		score, accountID,
	)
	if err != nil {
		return eris.Wrapf(err, "raise best score %s", accountID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(store.ErrAccountNotFound, "account %s", accountID)
	}
	return nil
}

// InTx runs fn inside one transaction. Calls on a transaction-scoped store run fn inline.
func (s *Store) InTx(ctx context.Context, fn func(store.MatchStore) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "begin")
	}
	if err := fn(&Store{q: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return eris.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "commit")
}
