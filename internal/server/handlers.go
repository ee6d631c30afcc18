// internal/server/handlers.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rewind/internal/diff"
	"rewind/internal/eventhub"
	"rewind/internal/reconstruct"
	"rewind/internal/timeline"
	"rewind/internal/version"
)

// Timestamps cross the wire as unix milliseconds.

type timelineInfoResponse struct {
	StartTime       int64                     `json:"start_time"`
	EndTime         int64                     `json:"end_time"`
	SnapshotCount   int                       `json:"snapshot_count"`
	ActivityBuckets []timeline.ActivityBucket `json:"activity_buckets"`
}

type changeResponse struct {
	Timestamp  int64          `json:"timestamp"`
	ChangeType diff.ChangeType `json:"change_type"`
	DocumentID string         `json:"document_id"`
	Summary    string         `json:"summary"`
	Magnitude  diff.Magnitude `json:"magnitude"`
}

type stateResponse struct {
	Timestamp        int64                  `json:"timestamp"`
	NearestSnapshot  *version.SnapshotRef   `json:"nearest_snapshot_ref,omitempty"`
	DocumentCount    int                    `json:"document_count"`
	Tree             []*reconstruct.TreeNode `json:"tree"`
	RecentChanges    []changeResponse       `json:"recent_changes,omitempty"`
	AppliedChanges   int                    `json:"applied_change_count"`
	SourceSnapshotID string                 `json:"source_snapshot_id,omitempty"`
}

type statesRequest struct {
	Timestamps     []int64 `json:"timestamps"`
	IncludeContent bool    `json:"include_content"`
}

type snapshotRequest struct {
	Documents []version.DocumentRecord `json:"documents"`
}

type snapshotResponse struct {
	Snapshot    version.SnapshotRef `json:"snapshot"`
	ChangeCount int                 `json:"change_count"`
}

type pruneRequest struct {
	KeepCount int   `json:"keep_count,omitempty"`
	KeepAfter int64 `json:"keep_after,omitempty"`
}

type lifecycleEventResponse struct {
	Timestamp int64           `json:"timestamp"`
	EventType diff.ChangeType `json:"event_type"`
}

type documentResponse struct {
	Exists         bool   `json:"exists"`
	Content        []byte `json:"content,omitempty"`
	CreatedAt      int64  `json:"created_at,omitempty"`
	LastModifiedAt int64  `json:"last_modified_at,omitempty"`
	DeletedAt      int64  `json:"deleted_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleTimelineInfo(w http.ResponseWriter, r *http.Request) {
	width := time.Minute
	if q := r.URL.Query().Get("bucket"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			s.badRequest(w, "invalid bucket duration")
			return
		}
		width = d
	}

	start, end, ok := s.index.Bounds()
	resp := timelineInfoResponse{SnapshotCount: s.index.SnapshotCount()}
	if ok {
		resp.StartTime = start.UnixMilli()
		resp.EndTime = end.UnixMilli()
		resp.ActivityBuckets = s.index.ActivityBuckets(width)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTimelineChanges(w http.ResponseWriter, r *http.Request) {
	resolution := 0
	if q := r.URL.Query().Get("resolution"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			s.badRequest(w, "invalid resolution")
			return
		}
		resolution = n
	}

	start, end, ok := s.index.Bounds()
	if !ok {
		s.writeJSON(w, http.StatusOK, []changeResponse{})
		return
	}
	records, err := s.index.ChangesBetween(start, end)
	if err != nil {
		s.writeError(w, err)
		return
	}
	records = downsample(records, resolution)

	out := make([]changeResponse, len(records))
	for i, rec := range records {
		out[i] = toChangeResponse(rec)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStateAt(w http.ResponseWriter, r *http.Request) {
	t, err := parseMillis(r.URL.Query().Get("timestamp"))
	if err != nil {
		s.badRequest(w, "invalid timestamp")
		return
	}

	state, err := s.rec.StateAt(r.Context(), t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toStateResponse(t, state))
}

func (s *Server) handleStatesAt(w http.ResponseWriter, r *http.Request) {
	var req statesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if len(req.Timestamps) == 0 {
		s.badRequest(w, "timestamps required")
		return
	}

	ts := make([]time.Time, len(req.Timestamps))
	for i, ms := range req.Timestamps {
		ts[i] = time.UnixMilli(ms)
	}

	states, err := s.rec.StatesAt(r.Context(), ts, req.IncludeContent)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]stateResponse, len(states))
	for i, state := range states {
		out[i] = s.toStateResponse(ts[i], state)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDocumentAt(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	t := time.Now()
	if q := r.URL.Query().Get("timestamp"); q != "" {
		var err error
		t, err = parseMillis(q)
		if err != nil {
			s.badRequest(w, "invalid timestamp")
			return
		}
	}

	view, err := s.rec.DocumentAt(r.Context(), documentID, t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !view.Exists && view.CreatedAt.IsZero() {
		s.writeError(w, version.ErrNotFound)
		return
	}

	resp := documentResponse{
		Exists:  view.Exists,
		Content: view.Content,
	}
	if !view.CreatedAt.IsZero() {
		resp.CreatedAt = view.CreatedAt.UnixMilli()
	}
	if !view.LastModifiedAt.IsZero() {
		resp.LastModifiedAt = view.LastModifiedAt.UnixMilli()
	}
	if view.DeletedAt != nil {
		resp.DeletedAt = view.DeletedAt.UnixMilli()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDocumentLifecycle(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")

	lc, ok := s.index.Lifecycle(documentID)
	if !ok {
		s.writeError(w, version.ErrNotFound)
		return
	}

	out := make([]lifecycleEventResponse, len(lc.Events))
	for i, e := range lc.Events {
		out[i] = lifecycleEventResponse{Timestamp: e.Timestamp.UnixMilli(), EventType: e.Type}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleCreateSnapshot is the external snapshot() entry point: store the
// document set, diff it against the previous head, append to the index and
// broadcast.
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}

	ctx, cancel := s.storageCtx(r)
	defer cancel()

	// One ingest at a time: a second put landing between our put and our
	// index append would make us diff against the wrong parent, or leave a
	// stored snapshot the index never learns about.
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	ref, err := s.store.PutSnapshot(ctx, req.Documents)
	if err != nil {
		var se *version.StorageError
		if errors.As(err, &se) {
			s.writeError(w, err)
		} else {
			s.badRequest(w, err.Error())
		}
		return
	}

	snap, err := s.store.GetSnapshot(ctx, ref.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var changes []diff.ChangeRecord
	if ref.ParentID == "" {
		s.index.SeedBaseline(snap)
	} else {
		parent, err := s.store.GetSnapshot(ctx, ref.ParentID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		changes = s.det.Diff(parent, snap)
	}

	if err := s.index.Append(ref, changes); err != nil {
		s.writeError(w, err)
		return
	}

	s.hub.EmitTimelineAppended(eventhub.TimelineAppendedEvent{
		Snapshot:    ref,
		ChangeCount: len(changes),
		EndTime:     ref.Timestamp,
	})

	s.writeJSON(w, http.StatusCreated, snapshotResponse{Snapshot: ref, ChangeCount: len(changes)})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}

	opts := version.PruneOptions{KeepCount: req.KeepCount}
	if req.KeepAfter > 0 {
		opts.KeepAfter = time.UnixMilli(req.KeepAfter)
	}

	ctx, cancel := s.storageCtx(r)
	defer cancel()

	// Same ordering guarantee as ingestion: no snapshot may land between
	// the prune and the rebuild.
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	result, err := s.store.Prune(ctx, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Pruned bodies invalidate their change records and loadable marks;
	// rebuilding is cheap at prune cadence.
	if len(result.Pruned) > 0 {
		if err := s.index.Build(ctx, s.store); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.hub.EmitPruned(eventhub.PrunedEvent{Result: result})
	s.writeJSON(w, http.StatusOK, result)
}

// toStateResponse shapes a materialized state for the wire, attaching the
// nearest snapshot ref and the changes leading up to the queried instant.
func (s *Server) toStateResponse(t time.Time, state *reconstruct.MaterializedState) stateResponse {
	resp := stateResponse{
		Timestamp:        t.UnixMilli(),
		DocumentCount:    state.DocumentCount,
		Tree:             state.Tree,
		AppliedChanges:   state.AppliedChangeCount,
		SourceSnapshotID: state.SourceSnapshotID,
	}
	if ref := s.index.FindNearestSnapshot(t); !ref.IsZero() {
		resp.NearestSnapshot = &ref
		if start, _, ok := s.index.Bounds(); ok {
			if recent, err := s.index.ChangesBetween(start, t); err == nil {
				if len(recent) > 10 {
					recent = recent[len(recent)-10:]
				}
				resp.RecentChanges = make([]changeResponse, len(recent))
				for i, rec := range recent {
					resp.RecentChanges[i] = toChangeResponse(rec)
				}
			}
		}
	}
	return resp
}

// downsample thins a change list to at most limit records, preferring higher
// magnitudes and restoring timestamp order afterwards.
func downsample(records []diff.ChangeRecord, limit int) []diff.ChangeRecord {
	if limit <= 0 || len(records) <= limit {
		return records
	}
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return records[idx[a]].Magnitude.Rank() > records[idx[b]].Magnitude.Rank()
	})
	keep := idx[:limit]
	sort.Ints(keep)

	out := make([]diff.ChangeRecord, limit)
	for i, j := range keep {
		out[i] = records[j]
	}
	return out
}

func toChangeResponse(rec diff.ChangeRecord) changeResponse {
	return changeResponse{
		Timestamp:  rec.Timestamp.UnixMilli(),
		ChangeType: rec.Type,
		DocumentID: rec.DocumentID,
		Summary:    rec.Summary,
		Magnitude:  rec.Magnitude,
	}
}

func parseMillis(q string) (time.Time, error) {
	ms, err := strconv.ParseInt(q, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *Server) storageCtx(r *http.Request) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.StorageTimeout)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("response encode failed")
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, version.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, timeline.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, version.ErrPruneConflict):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
