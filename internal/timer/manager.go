// Package timer provides per-key cancellable idle countdowns.
//
// The wizard layer uses one timer per user as an inactivity guard: every
// user action resets the countdown, and expiry abandons the dialogue. At
// most one timer is live per key at any time.
package timer

import (
	"sync"
	"time"

	"github.com/abiroot/ispbot/internal/log"
)

// Manager owns the timer registry. Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	timers map[string]*entry
	logger log.Logger
}

// entry pairs the running timer with its identity. When a timer is replaced
// by Start/Reset, the old entry's fired callback must notice it no longer
// owns the slot and do nothing.
type entry struct {
	timer *time.Timer
}

// NewManager creates an empty timer registry.
func NewManager(logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Manager{
		timers: make(map[string]*entry),
		logger: logger,
	}
}

// Start schedules onTimeout to run after timeout. Any existing timer for
// key is cancelled and replaced.
//
// When the timer expires, the registry slot is freed before onTimeout runs,
// so a timeout handler may call Start for the same key without racing its
// own cleanup. Panics inside onTimeout are recovered and logged; they never
// take down the registry.
func (m *Manager) Start(key string, timeout time.Duration, onTimeout func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.timers[key]; ok {
		old.timer.Stop()
	}

	e := &entry{}
	e.timer = time.AfterFunc(timeout, func() {
		m.expire(key, e, onTimeout)
	})
	m.timers[key] = e
}

// Reset cancels any live timer for key and starts a fresh countdown.
// Equivalent to Stop followed by Start.
func (m *Manager) Reset(key string, timeout time.Duration, onTimeout func()) {
	m.Start(key, timeout, onTimeout)
}

// Stop cancels and removes the timer for key. No-op if absent.
func (m *Manager) Stop(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.timers[key]; ok {
		e.timer.Stop()
		delete(m.timers, key)
	}
}

// StopAll cancels every live timer. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, key)
	}
}

// IsActive reports whether a timer is live for key.
func (m *Manager) IsActive(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[key]
	return ok
}

// Size returns the number of live timers.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// expire runs when a timer fires. It frees the slot first, and only invokes
// the callback if this entry still owns the slot — a concurrent Start/Reset
// may have replaced it between firing and lock acquisition.
func (m *Manager) expire(key string, e *entry, onTimeout func()) {
	m.mu.Lock()
	current, ok := m.timers[key]
	if !ok || current != e {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("timeout callback panicked", "key", key, "panic", r)
		}
	}()
	onTimeout()
}
