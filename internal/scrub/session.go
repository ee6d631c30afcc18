// internal/scrub/session.go
package scrub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rewind/internal/diff"
	"rewind/internal/reconstruct"
	"rewind/internal/timeline"
	"rewind/internal/version"
)

// ErrClosed is returned when a position update arrives after Close.
var ErrClosed = errors.New("scrub session closed")

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

// Reconstructor is the slice of the state reconstructor a session needs.
type Reconstructor interface {
	StateAt(ctx context.Context, t time.Time) (*reconstruct.MaterializedState, error)
}

// Emitter receives the session's outbound events, typically a websocket
// client. Emit must not block indefinitely; slow clients drop.
type Emitter interface {
	EmitStateUpdate(u StateUpdate) error
	EmitPreloadHint(h PreloadHint) error
}

// StateUpdate carries only the documents changed since the last emitted
// position, never the full tree, to bound payload size.
type StateUpdate struct {
	Type      string              `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Changes   []diff.ChangeRecord `json:"changes_since_last"`
	Stats     UpdateStats         `json:"stats"`
}

// UpdateStats summarizes the materialized state behind an update.
type UpdateStats struct {
	DocumentCount      int    `json:"document_count"`
	SourceSnapshotID   string `json:"source_snapshot_id,omitempty"`
	AppliedChangeCount int    `json:"applied_change_count"`
	ComputeMillis      int64  `json:"compute_ms"`
}

// PreloadHint suggests nearby timestamps for the caller to warm the cache
// ahead of continued dragging.
type PreloadHint struct {
	Type       string      `json:"type"`
	Timestamps []time.Time `json:"timestamps"`
}

// Tuning controls coalescing and prefetch behavior.
type Tuning struct {
	// PrefetchSpan is the distance between consecutive prefetch hints.
	PrefetchSpan time.Duration `yaml:"prefetch_span"`
	// PrefetchCount is how many hints are emitted on each side of the
	// cursor.
	PrefetchCount int `yaml:"prefetch_count"`
}

// DefaultTuning spaces prefetch hints five seconds apart, two per side.
func DefaultTuning() Tuning {
	return Tuning{PrefetchSpan: 5 * time.Second, PrefetchCount: 2}
}

// Session is a per-client scrub protocol handler. Cursor updates coalesce
// through a one-slot mailbox: while a reconstruction is in flight, newer
// positions overwrite the pending slot and intermediates are dropped. Each
// session is single-threaded in its own event ordering; independent sessions
// run fully in parallel.
type Session struct {
	ID string

	rec    Reconstructor
	index  *timeline.Index
	det    *diff.Detector
	emit   Emitter
	tuning Tuning
	log    zerolog.Logger

	mu      sync.Mutex
	state   State
	pending *time.Time

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// last is only touched by the session loop goroutine.
	last *reconstruct.MaterializedState
}

// NewSession creates a session in the Idle state. The service loop starts on
// the first position update.
func NewSession(rec Reconstructor, index *timeline.Index, det *diff.Detector, emit Emitter, tuning Tuning, logger zerolog.Logger) *Session {
	if tuning.PrefetchCount <= 0 {
		tuning = DefaultTuning()
	}
	id := uuid.New().String()
	return &Session{
		ID:     id,
		rec:    rec,
		index:  index,
		det:    det,
		emit:   emit,
		tuning: tuning,
		log:    logger.With().Str("component", "scrub").Str("session", id).Logger(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position records a new cursor position. The latest pending position wins;
// positions arriving faster than reconstruction are dropped, never queued.
func (s *Session) Position(t time.Time) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateIdle {
		s.state = StateActive
		s.wg.Add(1)
		go s.loop()
	}
	ts := t
	s.pending = &ts
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close transitions to Closed and releases session resources. No background
// work survives; the shared cache is untouched.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		wasActive := s.state == StateActive
		s.state = StateClosed
		s.pending = nil
		s.mu.Unlock()

		close(s.done)
		if wasActive {
			s.wg.Wait()
		}
	})
}

// loop services the pending slot until Close.
func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			t := s.pending
			s.pending = nil
			s.mu.Unlock()
			if t == nil {
				break
			}
			s.service(*t)
		}
	}
}

// service reconstructs the target state, emits the delta since the last
// emitted position and the prefetch hints.
func (s *Session) service(t time.Time) {
	started := time.Now()
	state, err := s.rec.StateAt(context.Background(), t)
	if err != nil {
		s.log.Error().Err(err).Time("cursor", t).Msg("reconstruction failed")
		return
	}

	var prevDocs []version.DocumentRecord
	if s.last != nil {
		prevDocs = flatten(s.last.Documents)
	}
	changes := s.det.DiffSets(t, prevDocs, flatten(state.Documents))

	update := StateUpdate{
		Type:      "state_update",
		Timestamp: t,
		Changes:   changes,
		Stats: UpdateStats{
			DocumentCount:      state.DocumentCount,
			SourceSnapshotID:   state.SourceSnapshotID,
			AppliedChangeCount: state.AppliedChangeCount,
			ComputeMillis:      time.Since(started).Milliseconds(),
		},
	}
	if err := s.emit.EmitStateUpdate(update); err != nil {
		s.log.Debug().Err(err).Msg("client dropped state update")
		return
	}
	s.last = state

	if hint := s.hints(t); len(hint.Timestamps) > 0 {
		if err := s.emit.EmitPreloadHint(hint); err != nil {
			s.log.Debug().Err(err).Msg("client dropped preload hint")
		}
	}
}

// hints suggests timestamps around the cursor, clamped to the timeline
// bounds.
func (s *Session) hints(t time.Time) PreloadHint {
	hint := PreloadHint{Type: "preload_hint"}
	start, end, ok := s.index.Bounds()
	if !ok {
		return hint
	}
	for i := 1; i <= s.tuning.PrefetchCount; i++ {
		step := time.Duration(i) * s.tuning.PrefetchSpan
		if prev := t.Add(-step); !prev.Before(start) {
			hint.Timestamps = append(hint.Timestamps, prev)
		}
		if next := t.Add(step); !next.After(end) {
			hint.Timestamps = append(hint.Timestamps, next)
		}
	}
	return hint
}

func flatten(docs map[string]version.DocumentRecord) []version.DocumentRecord {
	out := make([]version.DocumentRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d)
	}
	return out
}
