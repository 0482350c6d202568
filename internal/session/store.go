// Package session provides the in-memory per-user session store.
//
// A session is an open bag of named fields keyed by user ID, used for the
// orchestrator's ambient flags and for wizard dialogue state. Sessions are
// advisory caches scoped to the process lifetime: durable state is always
// written through to an external store before a session is cleared.
package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/abiroot/ispbot/internal/log"
)

// DefaultTTL is how long an untouched session survives before the sweeper
// evicts it. Abandoned wizard sessions would otherwise accumulate forever.
const DefaultTTL = 30 * time.Minute

// DefaultSweepInterval is how often the sweeper scans for expired sessions.
const DefaultSweepInterval = 5 * time.Minute

// Session is one user's field bag plus its lifecycle timestamps.
// CreatedAt is stamped on the first write and never changes afterwards;
// LastUpdatedAt moves on every write.
type Session struct {
	Fields        map[string]any
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Store holds per-user sessions with merge-on-write semantics.
//
// Store is safe for concurrent use. Merges are last-write-wins per field,
// not per whole bag, so two non-overlapping partial writes never clobber
// each other.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl    time.Duration
	logger log.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a session store. ttl <= 0 uses DefaultTTL.
func NewStore(ttl time.Duration, logger log.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Set merges partial into the session for key, creating it on first write.
// CreatedAt is set exactly once; LastUpdatedAt is stamped on every call.
// Later keys win within a single merge.
func (s *Store) Set(key string, partial map[string]any) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if ok && s.expiredAt(sess, now) {
		// An expired bag is dead even before the sweeper reaches it;
		// merging into it would resurrect stale fields.
		ok = false
	}
	if !ok {
		sess = &Session{
			Fields:    make(map[string]any, len(partial)),
			CreatedAt: now,
		}
		s.sessions[key] = sess
	}
	maps.Copy(sess.Fields, partial)
	sess.LastUpdatedAt = now
}

// Get returns a copy of the session for key, or false if absent.
// The copy is shallow per field value but the bag itself is independent,
// so callers cannot mutate store state through it.
func (s *Store) Get(key string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok || s.expiredAt(sess, s.now()) {
		return Session{}, false
	}
	cp := Session{
		Fields:        make(map[string]any, len(sess.Fields)),
		CreatedAt:     sess.CreatedAt,
		LastUpdatedAt: sess.LastUpdatedAt,
	}
	maps.Copy(cp.Fields, sess.Fields)
	return cp, true
}

// GetField returns a single field value, or false if the session or the
// field is absent.
func (s *Store) GetField(key, field string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok || s.expiredAt(sess, s.now()) {
		return nil, false
	}
	v, ok := sess.Fields[field]
	return v, ok
}

// Has reports whether a live session exists for key.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return ok && !s.expiredAt(sess, s.now())
}

// Clear removes the session for key. No-op if absent.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// ClearAll removes every session.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
}

// Size returns the number of live sessions.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// expiredAt reports whether sess has been idle past the TTL as of now.
// Reads treat expired sessions as absent so a delayed sweep never serves
// stale state.
func (s *Store) expiredAt(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastUpdatedAt) > s.ttl
}

// Sweep evicts sessions idle longer than the configured TTL and returns
// how many were removed.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, sess := range s.sessions {
		if sess.LastUpdatedAt.Before(cutoff) {
			delete(s.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Debug("swept expired sessions", "evicted", evicted, "remaining", len(s.sessions))
	}
	return evicted
}

// RunSweeper sweeps at the given interval until ctx is cancelled.
// interval <= 0 uses DefaultSweepInterval. Blocks; run in a goroutine.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
