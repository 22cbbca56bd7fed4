package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Memory is an in-process Directory and TxStore.
type Memory struct {
	mu           sync.Mutex
	accounts     map[string]*Account // by id
	byName       map[string]string   // username -> id
	matches      []MatchResult
	autoRegister bool
}

// NewMemory returns an empty store. With autoRegister, Resolve creates accounts
// for names it has not seen.
func NewMemory(autoRegister bool) *Memory {
	return &Memory{
		accounts:     make(map[string]*Account),
		byName:       make(map[string]string),
		autoRegister: autoRegister,
	}
}

// AddAccount registers username and returns its id.
func (m *Memory) AddAccount(username string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(username)
}

func (m *Memory) addLocked(username string) string {
	if id, ok := m.byName[username]; ok {
		return id
	}
	id := uuid.NewString()
	m.accounts[id] = &Account{ID: id, Username: username}
	m.byName[username] = id
	return id
}

func (m *Memory) Resolve(_ context.Context, displayName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byName[displayName]; ok {
		return id, nil
	}
	if m.autoRegister {
		return m.addLocked(displayName), nil
	}
	return "", eris.Wrapf(ErrAccountNotFound, "username %q", displayName)
}

func (m *Memory) PersistMatch(ctx context.Context, winnerID, loserID string, winnerScore, loserScore int) (MatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked(winnerID, loserID, winnerScore, loserScore)
}

func (m *Memory) persistLocked(winnerID, loserID string, winnerScore, loserScore int) (MatchResult, error) {
	for _, id := range []string{winnerID, loserID} {
		if _, ok := m.accounts[id]; !ok {
			return MatchResult{}, eris.Wrapf(ErrAccountNotFound, "account %s", id)
		}
	}
	res := MatchResult{
		ID:          uuid.NewString(),
		WinnerID:    winnerID,
		LoserID:     loserID,
		WinnerScore: winnerScore,
		LoserScore:  loserScore,
		PlayedAt:    time.Now(),
	}
	m.matches = append(m.matches, res)
	return res, nil
}

func (m *Memory) IncrementStats(_ context.Context, accountID string, delta StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return eris.Wrapf(ErrAccountNotFound, "account %s", accountID)
	}
	a.NetworkWins += delta.Wins
	a.GamesPlayed += delta.GamesPlayed
	return nil
}

func (m *Memory) RaiseBestScore(_ context.Context, accountID string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return eris.Wrapf(ErrAccountNotFound, "account %s", accountID)
	}
	if score > a.NetworkMaxScore {
		a.NetworkMaxScore = score
	}
	return nil
}

// InTx runs fn against a scratch copy and commits it only if fn succeeds.
func (m *Memory) InTx(ctx context.Context, fn func(MatchStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scratch := &Memory{
		accounts: make(map[string]*Account, len(m.accounts)),
		byName:   m.byName,
		matches:  append([]MatchResult(nil), m.matches...),
	}
	for id, a := range m.accounts {
		cp := *a
		scratch.accounts[id] = &cp
	}

	if err := fn(scratch); err != nil {
		return err
	}
	m.accounts = scratch.accounts
	m.matches = scratch.matches
	return nil
}

// Account returns a copy of an account's statistics.
func (m *Memory) Account(id string) (Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Matches returns persisted results, newest first.
func (m *Memory) Matches() []MatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]MatchResult(nil), m.matches...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PlayedAt.After(out[j].PlayedAt) })
	return out
}
