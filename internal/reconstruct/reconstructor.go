// internal/reconstruct/reconstructor.go
package reconstruct

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"rewind/internal/diff"
	"rewind/internal/timeline"
	"rewind/internal/version"
)

// TreeNode is one node of the materialized folder hierarchy. Children are
// ordered by name then document id, so the same document set always renders
// the same tree.
type TreeNode struct {
	Document version.DocumentRecord `json:"document"`
	Children []*TreeNode            `json:"children,omitempty"`
}

// MaterializedState is the reconstructed document set as it existed at one
// instant. Reconstructed history never changes, so entries are evicted from
// the cache only by capacity, never by new writes.
type MaterializedState struct {
	Timestamp          time.Time                         `json:"timestamp"`
	DocumentCount      int                               `json:"document_count"`
	Tree               []*TreeNode                       `json:"tree"`
	Documents          map[string]version.DocumentRecord `json:"-"`
	SourceSnapshotID   string                            `json:"source_snapshot_id,omitempty"`
	AppliedChangeCount int                               `json:"applied_change_count"`
}

// Reconstructor materializes document-tree views at arbitrary timestamps by
// loading the nearest snapshot and applying the intervening change records.
// The LRU cache absorbs repeated and adjacent lookups; singleflight collapses
// concurrent misses on the same key without blocking other keys.
type Reconstructor struct {
	store *version.Store
	index *timeline.Index
	cache *lru.Cache[string, *MaterializedState]
	group singleflight.Group
	log   zerolog.Logger
}

// New creates a Reconstructor with an LRU cache of cacheSize states.
func New(store *version.Store, index *timeline.Index, cacheSize int, logger zerolog.Logger) (*Reconstructor, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, *MaterializedState](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Reconstructor{
		store: store,
		index: index,
		cache: cache,
		log:   logger.With().Str("component", "reconstruct").Logger(),
	}, nil
}

// StateAt materializes the document tree as it existed at t. A timestamp
// before the first snapshot yields an empty state, never an error. The result
// is deterministic: cold and warm paths produce identical states.
func (r *Reconstructor) StateAt(ctx context.Context, t time.Time) (*MaterializedState, error) {
	ref := r.index.FindNearestSnapshot(t)
	if ref.IsZero() {
		return emptyState(t), nil
	}

	changes, err := r.index.ChangesAfter(ref.Timestamp, t)
	if err != nil {
		return nil, err
	}

	// Every timestamp between two adjacent changes reconstructs to the same
	// state, so the cache keys on (snapshot, change prefix length) rather
	// than the raw timestamp.
	key := fmt.Sprintf("%s@%d", ref.ID, len(changes))
	if state, ok := r.cache.Get(key); ok {
		return state.at(t), nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if state, ok := r.cache.Get(key); ok {
			return state, nil
		}
		state, err := r.materialize(ctx, ref, changes)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, state)
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MaterializedState).at(t), nil
}

// StatesAt is the batch variant. Timestamps resolving to the same nearest
// snapshot share a single snapshot load. Results are in input order.
func (r *Reconstructor) StatesAt(ctx context.Context, ts []time.Time, includeContent bool) ([]*MaterializedState, error) {
	loaded := make(map[string]*version.Snapshot)
	out := make([]*MaterializedState, len(ts))

	for i, t := range ts {
		ref := r.index.FindNearestSnapshot(t)
		if ref.IsZero() {
			out[i] = emptyState(t)
			continue
		}

		changes, err := r.index.ChangesAfter(ref.Timestamp, t)
		if err != nil {
			return nil, err
		}

		key := fmt.Sprintf("%s@%d", ref.ID, len(changes))
		state, ok := r.cache.Get(key)
		if !ok {
			snap := loaded[ref.ID]
			if snap == nil {
				snap, err = r.store.GetSnapshot(ctx, ref.ID)
				if err != nil {
					return nil, err
				}
				loaded[ref.ID] = snap
			}
			state = buildState(snap, changes)
			r.cache.Add(key, state)
		}

		state = state.at(t)
		if includeContent {
			state, err = r.withContent(ctx, state)
			if err != nil {
				return nil, err
			}
		}
		out[i] = state
	}
	return out, nil
}

// DocumentView is the per-document answer backing document_at queries.
type DocumentView struct {
	Exists         bool       `json:"exists"`
	Content        []byte     `json:"content,omitempty"`
	CreatedAt      time.Time  `json:"created_at,omitempty"`
	LastModifiedAt time.Time  `json:"last_modified_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// DocumentAt reports whether a document existed at t, with its content and
// lifecycle instants.
func (r *Reconstructor) DocumentAt(ctx context.Context, documentID string, t time.Time) (DocumentView, error) {
	state, err := r.StateAt(ctx, t)
	if err != nil {
		return DocumentView{}, err
	}

	view := DocumentView{}
	if lc, ok := r.index.Lifecycle(documentID); ok {
		view.CreatedAt = lc.CreatedAt
		view.LastModifiedAt = lc.LastModifiedAt
		view.DeletedAt = lc.DeletedAt
	}

	doc, ok := state.Documents[documentID]
	if !ok {
		return view, nil
	}
	view.Exists = true

	content, err := r.store.LoadContent(ctx, doc.ContentDigest)
	if err != nil && err != version.ErrNotFound {
		return DocumentView{}, err
	}
	view.Content = content
	return view, nil
}

// materialize loads the base snapshot and applies the change sequence.
func (r *Reconstructor) materialize(ctx context.Context, ref version.SnapshotRef, changes []diff.ChangeRecord) (*MaterializedState, error) {
	snap, err := r.store.GetSnapshot(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	return buildState(snap, changes), nil
}

// buildState applies changes in timestamp order to the snapshot's document
// set: created inserts, deleted removes, modified replaces the record, moved
// reparents. Pure function of its inputs.
func buildState(snap *version.Snapshot, changes []diff.ChangeRecord) *MaterializedState {
	docs := make(map[string]version.DocumentRecord, len(snap.Documents))
	for _, d := range snap.Documents {
		docs[d.DocumentID] = d
	}

	for _, c := range changes {
		switch c.Type {
		case diff.ChangeDeleted:
			delete(docs, c.DocumentID)
		default:
			if c.After != nil {
				docs[c.DocumentID] = *c.After
			}
		}
	}

	return &MaterializedState{
		Timestamp:          snap.Timestamp,
		DocumentCount:      len(docs),
		Tree:               buildTree(docs),
		Documents:          docs,
		SourceSnapshotID:   snap.ID,
		AppliedChangeCount: len(changes),
	}
}

// buildTree assembles the folder hierarchy with deterministic child order.
func buildTree(docs map[string]version.DocumentRecord) []*TreeNode {
	nodes := make(map[string]*TreeNode, len(docs))
	ids := make([]string, 0, len(docs))
	for id, d := range docs {
		nodes[id] = &TreeNode{Document: d}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var roots []*TreeNode
	for _, id := range ids {
		n := nodes[id]
		parentID := n.Document.ParentFolderID
		if parent, ok := nodes[parentID]; ok && parentID != "" {
			parent.Children = append(parent.Children, n)
		} else {
			roots = append(roots, n)
		}
	}

	var sortNodes func(ns []*TreeNode)
	sortNodes = func(ns []*TreeNode) {
		sort.Slice(ns, func(i, j int) bool {
			if ns[i].Document.Name != ns[j].Document.Name {
				return ns[i].Document.Name < ns[j].Document.Name
			}
			return ns[i].Document.DocumentID < ns[j].Document.DocumentID
		})
		for _, n := range ns {
			sortNodes(n.Children)
		}
	}
	sortNodes(roots)
	return roots
}

// withContent returns a copy of state whose documents carry raw content
// loaded from the pool. The cached entry is never mutated.
func (r *Reconstructor) withContent(ctx context.Context, state *MaterializedState) (*MaterializedState, error) {
	docs := make(map[string]version.DocumentRecord, len(state.Documents))
	for id, d := range state.Documents {
		content, err := r.store.LoadContent(ctx, d.ContentDigest)
		if err != nil && err != version.ErrNotFound {
			return nil, err
		}
		d.RawContent = content
		docs[id] = d
	}
	cp := *state
	cp.Documents = docs
	cp.Tree = buildTree(docs)
	return &cp, nil
}

// at stamps a shared cached state with the caller's query timestamp.
func (s *MaterializedState) at(t time.Time) *MaterializedState {
	if s.Timestamp.Equal(t) {
		return s
	}
	cp := *s
	cp.Timestamp = t
	return &cp
}

func emptyState(t time.Time) *MaterializedState {
	return &MaterializedState{
		Timestamp: t,
		Documents: map[string]version.DocumentRecord{},
	}
}
