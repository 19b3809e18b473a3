// Package scope is the session scope manager: an in-memory store of
// per-session state keyed by an opaque session id, with a Sweep operation
// the Timer invokes once per second to evict entries idle past their
// timeout.
//
// Grounded on tntnet's Sessionscope/Scopemanager, referenced from
// tntnet.cpp's `getScopemanager().checkSessionTimeout()` call inside the
// 1 Hz timer loop (SPEC_FULL.md §10.5).
package scope

import (
	"sync"
	"time"
)

// Session is one client's server-side scope: an arbitrary key/value bag
// plus the bookkeeping the Manager needs to know when it has gone stale.
type Session struct {
	ID        string
	values    map[string]any
	lastTouch time.Time
	timeout   time.Duration
}

// Get reads a value previously stored with Set.
func (s *Session) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value under key, visible to later Gets on the same session.
func (s *Session) Set(key string, val any) {
	s.values[key] = val
}

// Manager is the Scope manager: a concurrency-safe map of live Sessions.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*Session
	defaultTimeout time.Duration
}

// NewManager constructs a Manager whose sessions expire after
// defaultTimeout of inactivity (the SessionTimeout config key).
func NewManager(defaultTimeout time.Duration) *Manager {
	return &Manager{
		sessions:       map[string]*Session{},
		defaultTimeout: defaultTimeout,
	}
}

// SetDefaultTimeout updates the timeout applied to sessions created from
// now on; existing sessions keep whatever timeout they were created with.
func (m *Manager) SetDefaultTimeout(d time.Duration) {
	m.mu.Lock()
	m.defaultTimeout = d
	m.mu.Unlock()
}

// Touch returns the session for id, creating it if absent, and refreshes
// its last-activity time.
func (m *Manager) Touch(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		s = &Session{
			ID:      id,
			values:  map[string]any{},
			timeout: m.defaultTimeout,
		}
		m.sessions[id] = s
	}
	s.lastTouch = time.Now()
	return s
}

// Get returns the session for id without creating or touching it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Drop removes a session immediately, e.g. on explicit logout.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sweep evicts every session whose lastTouch is older than its timeout as
// of now, returning the number evicted. Called once per Timer tick.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, s := range m.sessions {
		if now.Sub(s.lastTouch) > s.timeout {
			delete(m.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of currently live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
