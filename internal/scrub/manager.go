// internal/scrub/manager.go
package scrub

import (
	"sync"

	"github.com/rs/zerolog"

	"rewind/internal/diff"
	"rewind/internal/timeline"
)

// Manager tracks live scrub sessions so shutdown can close them all.
// Sessions share nothing mutable; the manager is bookkeeping only.
type Manager struct {
	rec    Reconstructor
	index  *timeline.Index
	det    *diff.Detector
	tuning Tuning
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(rec Reconstructor, index *timeline.Index, det *diff.Detector, tuning Tuning, logger zerolog.Logger) *Manager {
	return &Manager{
		rec:      rec,
		index:    index,
		det:      det,
		tuning:   tuning,
		log:      logger,
		sessions: make(map[string]*Session),
	}
}

// Create opens a new session bound to the given emitter.
func (m *Manager) Create(emit Emitter) *Session {
	m.mu.Lock()
	tuning := m.tuning
	m.mu.Unlock()

	s := NewSession(m.rec, m.index, m.det, emit, tuning, m.log)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Release closes a session and forgets it.
func (m *Manager) Release(s *Session) {
	s.Close()
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

// SetTuning applies new tuning to sessions created from now on; live
// sessions keep the tuning they started with.
func (m *Manager) SetTuning(t Tuning) {
	m.mu.Lock()
	m.tuning = t
	m.mu.Unlock()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every live session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
