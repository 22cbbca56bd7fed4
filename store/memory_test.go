package store

import (
	"context"
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryResolve(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(false)
	id := m.AddAccount("alice")

	got, err := m.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = m.Resolve(ctx, "mallory")
	assert.True(t, errors.Is(err, ErrAccountNotFound))
}

func TestMemoryAutoRegister(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(true)

	first, err := m.Resolve(ctx, "carol")
	require.NoError(t, err)
	second, err := m.Resolve(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(false)
	a := m.AddAccount("alice")
	b := m.AddAccount("bob")

	res, err := m.PersistMatch(ctx, a, b, 120, 80)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 120, res.WinnerScore)

	require.NoError(t, m.IncrementStats(ctx, a, StatsDelta{Wins: 1, GamesPlayed: 1}))
	require.NoError(t, m.IncrementStats(ctx, b, StatsDelta{GamesPlayed: 1}))
	require.NoError(t, m.RaiseBestScore(ctx, a, 120))
	require.NoError(t, m.RaiseBestScore(ctx, a, 90))

	acc, ok := m.Account(a)
	require.True(t, ok)
	assert.Equal(t, 1, acc.NetworkWins)
	assert.Equal(t, 1, acc.GamesPlayed)
	assert.Equal(t, 120, acc.NetworkMaxScore)

	assert.Len(t, m.Matches(), 1)
	assert.Error(t, m.IncrementStats(ctx, "missing", StatsDelta{Wins: 1}))
}

func TestMemoryInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(false)
	a := m.AddAccount("alice")
	b := m.AddAccount("bob")

	boom := eris.New("boom")
	err := m.InTx(ctx, func(tx MatchStore) error {
		if _, err := tx.PersistMatch(ctx, a, b, 3, 1); err != nil {
			return err
		}
		if err := tx.IncrementStats(ctx, a, StatsDelta{Wins: 1, GamesPlayed: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Matches())
	acc, _ := m.Account(a)
	assert.Zero(t, acc.NetworkWins)

	err = m.InTx(ctx, func(tx MatchStore) error {
		_, err := tx.PersistMatch(ctx, a, b, 3, 1)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, m.Matches(), 1)
}
