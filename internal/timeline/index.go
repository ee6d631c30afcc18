// internal/timeline/index.go
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rewind/internal/diff"
	"rewind/internal/version"
)

// ErrInvalidRange is returned when a range query has end before start. It is
// rejected before any traversal.
var ErrInvalidRange = errors.New("invalid range: end before start")

// IntegrityError reports a corrupted snapshot chain. Index building halts on
// it rather than producing a partial index.
type IntegrityError struct {
	SnapshotID string
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("snapshot chain integrity: %s (snapshot %s)", e.Reason, e.SnapshotID)
}

// Lifecycle summarizes one document's existence across the timeline.
type Lifecycle struct {
	DocumentID     string           `json:"document_id"`
	CreatedAt      time.Time        `json:"created_at"`
	LastModifiedAt time.Time        `json:"last_modified_at"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
	Events         []LifecycleEvent `json:"events"`
}

// LifecycleEvent is one entry in a document's lifecycle history.
type LifecycleEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      diff.ChangeType `json:"event_type"`
}

// ActivityBucket is one cell of the change-density histogram.
type ActivityBucket struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ChangeCount int       `json:"change_count"`
}

// indexState is one immutable generation of the index. Append builds the
// next generation and publishes it with a single pointer swap, so readers
// never observe a half-applied update.
type indexState struct {
	snaps      []version.SnapshotRef // full chain, ascending by timestamp
	loadable   []version.SnapshotRef // snaps whose bodies survive, same order
	changes    []diff.ChangeRecord   // ascending by timestamp
	lifecycles map[string]*Lifecycle
}

var emptyState = &indexState{lifecycles: map[string]*Lifecycle{}}

// Index is the in-memory temporal index over snapshots and change records.
// It is derived and disposable: Build replays the version store from
// scratch, Append keeps it current as snapshots arrive. Lookups never touch
// I/O.
type Index struct {
	state atomic.Pointer[indexState]
	det   *diff.Detector
	log   zerolog.Logger

	// Single writer across Build and Append.
	mu sync.Mutex
}

// NewIndex creates an empty index using det for adjacent-pair diffing.
func NewIndex(det *diff.Detector, logger zerolog.Logger) *Index {
	idx := &Index{
		det: det,
		log: logger.With().Str("component", "timeline").Logger(),
	}
	idx.state.Store(emptyState)
	return idx
}

// Build fully rebuilds the index by replaying the store oldest-to-newest.
// Pruned snapshots contribute their ref to the ordered snapshot map but no
// change records; their bodies are gone by definition of pruning.
func (x *Index) Build(ctx context.Context, store *version.Store) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	refs, err := store.History(ctx, 0)
	if err != nil {
		return err
	}
	// History is most-recent-first; replay wants the opposite.
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}

	next := &indexState{lifecycles: map[string]*Lifecycle{}}

	var prev *version.Snapshot
	for i, ref := range refs {
		if err := verifyLink(refs, i); err != nil {
			return err
		}

		snap, err := store.GetSnapshot(ctx, ref.ID)
		if errors.Is(err, version.ErrNotFound) {
			// Pruned body: keep the ref, drop the diff, and restart the
			// adjacency chain from the next loadable snapshot.
			next.snaps = append(next.snaps, ref)
			prev = nil
			continue
		}
		if err != nil {
			return err
		}

		next.snaps = append(next.snaps, ref)
		next.loadable = append(next.loadable, ref)
		if prev == nil {
			seedLifecycles(next.lifecycles, snap)
		} else {
			records := x.det.Diff(prev, snap)
			next.changes = append(next.changes, records...)
			applyLifecycles(next.lifecycles, records)
		}
		prev = snap
	}

	x.state.Store(next)
	x.log.Info().Int("snapshots", len(next.snaps)).Int("changes", len(next.changes)).Msg("index built")
	return nil
}

// Append incrementally indexes one new snapshot and its change records,
// preserving every invariant a full rebuild would produce.
func (x *Index) Append(ref version.SnapshotRef, changes []diff.ChangeRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.state.Load()

	if n := len(cur.snaps); n > 0 {
		last := cur.snaps[n-1]
		if ref.Timestamp.Before(last.Timestamp) {
			return &IntegrityError{SnapshotID: ref.ID, Reason: "timestamp older than index head"}
		}
		if ref.ParentID != last.ID {
			return &IntegrityError{SnapshotID: ref.ID, Reason: "parent does not match index head"}
		}
	}

	next := &indexState{
		snaps:      append(append([]version.SnapshotRef{}, cur.snaps...), ref),
		loadable:   append(append([]version.SnapshotRef{}, cur.loadable...), ref),
		changes:    append(append([]diff.ChangeRecord{}, cur.changes...), changes...),
		lifecycles: cloneLifecycles(cur.lifecycles),
	}
	applyLifecycles(next.lifecycles, changes)

	x.state.Store(next)
	return nil
}

// FindNearestSnapshot returns the most recent loadable snapshot at or
// before t. Before the first loadable snapshot it returns the zero-valued
// empty sentinel; after the last it returns the last. Pruned refs stay in
// the chain but are skipped here, since only a loadable body can seed a
// reconstruction.
func (x *Index) FindNearestSnapshot(t time.Time) version.SnapshotRef {
	s := x.state.Load()
	if len(s.loadable) == 0 {
		return version.SnapshotRef{}
	}
	// First snapshot strictly after t; the answer sits just before it.
	i := sort.Search(len(s.loadable), func(i int) bool {
		return s.loadable[i].Timestamp.After(t)
	})
	if i == 0 {
		return version.SnapshotRef{}
	}
	return s.loadable[i-1]
}

// ChangesBetween returns change records with start <= timestamp <= end.
func (x *Index) ChangesBetween(start, end time.Time) ([]diff.ChangeRecord, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	s := x.state.Load()

	lo := sort.Search(len(s.changes), func(i int) bool {
		return !s.changes[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(s.changes), func(i int) bool {
		return s.changes[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil, nil
	}
	out := make([]diff.ChangeRecord, hi-lo)
	copy(out, s.changes[lo:hi])
	return out, nil
}

// ChangesAfter returns change records with start < timestamp <= end. State
// reconstruction uses this: changes at exactly the base snapshot's timestamp
// are already part of its body.
func (x *Index) ChangesAfter(start, end time.Time) ([]diff.ChangeRecord, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	s := x.state.Load()

	lo := sort.Search(len(s.changes), func(i int) bool {
		return s.changes[i].Timestamp.After(start)
	})
	hi := sort.Search(len(s.changes), func(i int) bool {
		return s.changes[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil, nil
	}
	out := make([]diff.ChangeRecord, hi-lo)
	copy(out, s.changes[lo:hi])
	return out, nil
}

// ActivityBuckets returns a gapless fixed-width histogram of change counts
// covering the full timeline span, zero-count buckets included.
func (x *Index) ActivityBuckets(width time.Duration) []ActivityBucket {
	if width <= 0 {
		return nil
	}
	s := x.state.Load()
	if len(s.snaps) == 0 {
		return nil
	}

	start := s.snaps[0].Timestamp
	end := s.snaps[len(s.snaps)-1].Timestamp

	var buckets []ActivityBucket
	ci := 0
	for cur := start; !cur.After(end); cur = cur.Add(width) {
		b := ActivityBucket{Start: cur, End: cur.Add(width)}
		for ci < len(s.changes) && s.changes[ci].Timestamp.Before(b.End) {
			if !s.changes[ci].Timestamp.Before(b.Start) {
				b.ChangeCount++
			}
			ci++
		}
		buckets = append(buckets, b)
	}
	return buckets
}

// Lifecycle returns the lifecycle summary for a document.
func (x *Index) Lifecycle(documentID string) (Lifecycle, bool) {
	s := x.state.Load()
	lc, ok := s.lifecycles[documentID]
	if !ok {
		return Lifecycle{}, false
	}
	out := *lc
	out.Events = append([]LifecycleEvent{}, lc.Events...)
	return out, true
}

// Bounds returns the first and last snapshot timestamps. ok is false for an
// empty index.
func (x *Index) Bounds() (start, end time.Time, ok bool) {
	s := x.state.Load()
	if len(s.snaps) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.snaps[0].Timestamp, s.snaps[len(s.snaps)-1].Timestamp, true
}

// SnapshotCount returns the number of indexed snapshots.
func (x *Index) SnapshotCount() int {
	return len(x.state.Load().snaps)
}

// ChangeCount returns the number of indexed change records.
func (x *Index) ChangeCount() int {
	return len(x.state.Load().changes)
}

// SeedBaseline records created-at lifecycles for documents present in the
// first snapshot, which by convention produce no change records.
func (x *Index) SeedBaseline(snap *version.Snapshot) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.state.Load()
	next := &indexState{
		snaps:      cur.snaps,
		loadable:   cur.loadable,
		changes:    cur.changes,
		lifecycles: cloneLifecycles(cur.lifecycles),
	}
	seedLifecycles(next.lifecycles, snap)
	x.state.Store(next)
}

// verifyLink checks the parent chain at position i of the oldest-first refs.
func verifyLink(refs []version.SnapshotRef, i int) error {
	if i == 0 {
		return nil
	}
	prev, cur := refs[i-1], refs[i]
	if cur.ParentID != prev.ID {
		return &IntegrityError{SnapshotID: cur.ID, Reason: fmt.Sprintf("parent %s does not match predecessor %s", cur.ParentID, prev.ID)}
	}
	if cur.Timestamp.Before(prev.Timestamp) {
		return &IntegrityError{SnapshotID: cur.ID, Reason: "timestamps not monotonically non-decreasing"}
	}
	return nil
}

// seedLifecycles marks documents of a baseline snapshot as created at its
// timestamp.
func seedLifecycles(lifecycles map[string]*Lifecycle, snap *version.Snapshot) {
	for _, d := range snap.Documents {
		if _, seen := lifecycles[d.DocumentID]; seen {
			continue
		}
		lifecycles[d.DocumentID] = &Lifecycle{
			DocumentID:     d.DocumentID,
			CreatedAt:      snap.Timestamp,
			LastModifiedAt: snap.Timestamp,
			Events:         []LifecycleEvent{{Timestamp: snap.Timestamp, Type: diff.ChangeCreated}},
		}
	}
}

// applyLifecycles folds change records into per-document summaries.
func applyLifecycles(lifecycles map[string]*Lifecycle, records []diff.ChangeRecord) {
	for _, r := range records {
		lc, ok := lifecycles[r.DocumentID]
		if !ok {
			lc = &Lifecycle{DocumentID: r.DocumentID, CreatedAt: r.Timestamp}
			lifecycles[r.DocumentID] = lc
		}
		lc.Events = append(lc.Events, LifecycleEvent{Timestamp: r.Timestamp, Type: r.Type})
		switch r.Type {
		case diff.ChangeCreated:
			if lc.CreatedAt.IsZero() || lc.CreatedAt.After(r.Timestamp) {
				lc.CreatedAt = r.Timestamp
			}
			lc.LastModifiedAt = r.Timestamp
			lc.DeletedAt = nil
		case diff.ChangeDeleted:
			ts := r.Timestamp
			lc.DeletedAt = &ts
		default:
			lc.LastModifiedAt = r.Timestamp
		}
	}
}

// cloneLifecycles deep-copies the lifecycle map for the next index
// generation; the previous generation stays visible to in-flight readers.
func cloneLifecycles(src map[string]*Lifecycle) map[string]*Lifecycle {
	dst := make(map[string]*Lifecycle, len(src))
	for k, v := range src {
		cp := *v
		cp.Events = append([]LifecycleEvent{}, v.Events...)
		dst[k] = &cp
	}
	return dst
}
