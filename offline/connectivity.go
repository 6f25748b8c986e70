package offline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// defaultDebounceWindow suppresses connectivity flapping: state changes
// within the window after an emitted transition are coalesced.
const defaultDebounceWindow = 2 * time.Second

// ProbeFunc checks whether the remote is reachable. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// Monitor is the single source of truth for "is the remote reachable".
//
// The initial state is online: if the underlying signal is unavailable the
// engine degrades to cache-only behavior on the first failed remote call,
// which is strictly better than blocking all functionality on a pessimistic
// default.
//
// Transitions are emitted exactly once per actual state change. Changes
// inside the debounce window after an emitted transition update the state
// silently; when the window closes, one transition is emitted if the settled
// state differs from the last emitted one.
type Monitor struct {
	logger   *slog.Logger
	debounce time.Duration
	probe    ProbeFunc

	mu       sync.Mutex
	online   bool
	emitted  bool
	lastEmit time.Time
	timerSet bool
	nextID   int
	watchers map[int]func(online bool)
}

// NewMonitor creates a connectivity monitor. debounce <= 0 disables
// coalescing; probe may be nil.
func NewMonitor(logger *slog.Logger, debounce time.Duration, probe ProbeFunc) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		debounce: debounce,
		probe:    probe,
		online:   true,
		emitted:  true,
		watchers: make(map[int]func(online bool)),
	}
}

// IsOnline reports the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a callback invoked once per emitted transition, in
// registration order, on the goroutine that committed the transition.
// The returned function unsubscribes.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// SetOnline injects the host-reported connectivity signal.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	now := time.Now()
	if m.debounce > 0 && now.Sub(m.lastEmit) < m.debounce {
		// inside the window: settle when it closes
		if !m.timerSet {
			m.timerSet = true
			remaining := m.debounce - now.Sub(m.lastEmit)
			time.AfterFunc(remaining, m.settle)
		}
		m.mu.Unlock()
		return
	}

	watchers := m.commitLocked(now)
	m.mu.Unlock()
	m.fire(online, watchers)
}

// settle emits one transition if the state changed net of flapping.
func (m *Monitor) settle() {
	m.mu.Lock()
	m.timerSet = false
	if m.online == m.emitted {
		m.mu.Unlock()
		return
	}
	state := m.online
	watchers := m.commitLocked(time.Now())
	m.mu.Unlock()
	m.fire(state, watchers)
}

// commitLocked marks the current state as emitted and snapshots the watchers
// in registration order. Caller holds the lock.
func (m *Monitor) commitLocked(at time.Time) []func(online bool) {
	m.emitted = m.online
	m.lastEmit = at

	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	watchers := make([]func(online bool), 0, len(ids))
	for _, id := range ids {
		watchers = append(watchers, m.watchers[id])
	}
	return watchers
}

func (m *Monitor) fire(online bool, watchers []func(online bool)) {
	m.logger.Info("connectivity transition", "online", online)
	for _, fn := range watchers {
		fn(online)
	}
}

// Probe runs the configured reachability probe and feeds the result into the
// monitor. With no probe configured it is a no-op, preserving the optimistic
// default.
func (m *Monitor) Probe(ctx context.Context) {
	if m.probe == nil {
		return
	}
	err := m.probe(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "connectivity probe failed", "error", err)
	}
	m.SetOnline(err == nil)
}
