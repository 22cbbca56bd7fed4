// Package timeout runs keyed one-shot deadlines that can be cancelled.
package timeout

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event describes a deadline that fired.
type Event struct {
	Key       string
	StartTime time.Time
	FiredAt   time.Time
	Waited    time.Duration
}

type watcher struct {
	key       string
	startTime time.Time
	timeout   time.Duration
	timer     *time.Timer
	cancelled bool
	mu        sync.Mutex
}

func (w *watcher) cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return false
	}
	w.cancelled = true
	w.timer.Stop()
	return true
}

// Manager keeps at most one watcher per key.
type Manager struct {
	mu       sync.Mutex
	watchers map[string]*watcher
	fired    int
	log      *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		watchers: make(map[string]*watcher),
		log:      log,
	}
}

// Watch schedules onTimeout after d. An existing watcher for key is replaced.
func (m *Manager) Watch(key string, d time.Duration, onTimeout func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.watchers[key]; ok {
		existing.cancel()
	}

	w := &watcher{key: key, startTime: time.Now(), timeout: d}
	w.timer = time.AfterFunc(d, func() {
		w.mu.Lock()
		if w.cancelled {
			w.mu.Unlock()
			return
		}
		w.cancelled = true
		w.mu.Unlock()

		m.mu.Lock()
		if m.watchers[key] == w {
			delete(m.watchers, key)
		}
		m.fired++
		m.mu.Unlock()

		ev := Event{Key: key, StartTime: w.startTime, FiredAt: time.Now()}
		ev.Waited = ev.FiredAt.Sub(ev.StartTime)
		m.log.Debug("[TIMEOUT] deadline fired", zap.String("key", key), zap.Duration("waited", ev.Waited))
		onTimeout(ev)
	})
	m.watchers[key] = w
}

// Cancel stops the watcher for key. It reports whether one was pending.
func (m *Manager) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[key]
	if !ok {
		return false
	}
	delete(m.watchers, key)
	return w.cancel()
}

// CancelAll stops every pending watcher and returns how many were stopped.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, w := range m.watchers {
		if w.cancel() {
			n++
		}
	}
	m.watchers = make(map[string]*watcher)
	return n
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Fired returns how many deadlines have elapsed since the manager was created.
func (m *Manager) Fired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fired
}
