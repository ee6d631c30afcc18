// internal/server/server_test.go
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewind/internal/config"
	"rewind/internal/diff"
	"rewind/internal/eventhub"
	"rewind/internal/reconstruct"
	"rewind/internal/timeline"
	"rewind/internal/version"
)

type testServer struct {
	srv *Server
	ts  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.StorageTimeout = 5 * time.Second

	now := time.UnixMilli(0)
	store, err := version.Open(cfg.DataDir, version.Options{
		Logger: zerolog.Nop(),
		Clock: func() time.Time {
			now = now.Add(10 * time.Second)
			return now
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	det := diff.NewDetector(cfg.Thresholds)
	index := timeline.NewIndex(det, zerolog.Nop())
	rec, err := reconstruct.New(store, index, cfg.CacheSize, zerolog.Nop())
	require.NoError(t, err)

	srv := New(cfg, store, index, rec, det, eventhub.New(), zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts}
}

func (s *testServer) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (s *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(s.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func ingestDoc(id, name, content string) map[string]interface{} {
	return map[string]interface{}{
		"document_id": id,
		"kind":        "text",
		"name":        name,
		"raw_content": []byte(content),
	}
}

// ingest posts one snapshot and returns its ref.
func (s *testServer) ingest(t *testing.T, docs ...map[string]interface{}) version.SnapshotRef {
	t.Helper()
	resp := s.postJSON(t, "/api/snapshots", map[string]interface{}{"documents": docs})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out snapshotResponse
	decode(t, resp, &out)
	return out.Snapshot
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp := s.get(t, "/health")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSnapshot(t *testing.T) {
	s := newTestServer(t)

	// Baseline snapshot: stored, no change records.
	resp := s.postJSON(t, "/api/snapshots", map[string]interface{}{
		"documents": []map[string]interface{}{ingestDoc("doc-a", "a", "v1")},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first snapshotResponse
	decode(t, resp, &first)
	assert.NotEmpty(t, first.Snapshot.ID)
	assert.Zero(t, first.ChangeCount)

	// Second snapshot: one modification.
	resp = s.postJSON(t, "/api/snapshots", map[string]interface{}{
		"documents": []map[string]interface{}{ingestDoc("doc-a", "a", "v2")},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second snapshotResponse
	decode(t, resp, &second)
	assert.Equal(t, first.Snapshot.ID, second.Snapshot.ParentID)
	assert.Equal(t, 1, second.ChangeCount)
}

func TestCreateSnapshot_ConcurrentIngestsStayConsistent(t *testing.T) {
	s := newTestServer(t)
	s.ingest(t, ingestDoc("doc-a", "a", "v0"))

	// Concurrent posts with distinct content: whatever order they land in,
	// every adjacent pair differs by exactly one modification.
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]interface{}{
				"documents": []map[string]interface{}{ingestDoc("doc-a", "a", fmt.Sprintf("v%d", i))},
			})
			resp, err := http.Post(s.ts.URL+"/api/snapshots", "application/json", bytes.NewReader(body))
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				errs <- fmt.Errorf("status %d", resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ingest failed: %v", err)
	}

	// Every transition indexed exactly once, against its real parent.
	var info timelineInfoResponse
	resp := s.get(t, "/api/timeline")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &info)
	assert.Equal(t, n+1, info.SnapshotCount)

	resp = s.get(t, "/api/timeline/changes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var changes []changeResponse
	decode(t, resp, &changes)
	assert.Len(t, changes, n, "each ingest after the baseline is one modification")

	// The index head matches the store head: a fresh ingest still works.
	s.ingest(t, ingestDoc("doc-a", "a", "final"))
}

func TestCreateSnapshot_RejectsBadForest(t *testing.T) {
	s := newTestServer(t)

	doc := ingestDoc("doc-a", "a", "v1")
	doc["parent_folder_id"] = "ghost"
	resp := s.postJSON(t, "/api/snapshots", map[string]interface{}{
		"documents": []map[string]interface{}{doc},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTimelineInfo(t *testing.T) {
	s := newTestServer(t)
	first := s.ingest(t, ingestDoc("doc-a", "a", "v1"))
	second := s.ingest(t, ingestDoc("doc-a", "a", "v2"))

	resp := s.get(t, "/api/timeline?bucket=5s")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info timelineInfoResponse
	decode(t, resp, &info)

	assert.Equal(t, first.Timestamp.UnixMilli(), info.StartTime)
	assert.Equal(t, second.Timestamp.UnixMilli(), info.EndTime)
	assert.Equal(t, 2, info.SnapshotCount)
	assert.NotEmpty(t, info.ActivityBuckets)

	resp = s.get(t, "/api/timeline?bucket=banana")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTimelineChanges_Downsample(t *testing.T) {
	s := newTestServer(t)

	// Baseline plus four edits: 4 change records.
	s.ingest(t, ingestDoc("doc-a", "a", "v0"))
	for i := 1; i <= 4; i++ {
		s.ingest(t, ingestDoc("doc-a", "a", fmt.Sprintf("v%d", i)))
	}

	resp := s.get(t, "/api/timeline/changes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []changeResponse
	decode(t, resp, &all)
	require.Len(t, all, 4)

	resp = s.get(t, "/api/timeline/changes?resolution=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var thinned []changeResponse
	decode(t, resp, &thinned)
	require.Len(t, thinned, 2)
	assert.LessOrEqual(t, thinned[0].Timestamp, thinned[1].Timestamp, "downsampled records keep time order")
}

func TestStateAt(t *testing.T) {
	s := newTestServer(t)
	first := s.ingest(t, ingestDoc("doc-a", "a", "v1"))
	second := s.ingest(t, ingestDoc("doc-a", "a", "v1"), ingestDoc("doc-b", "b", "v1"))

	// Between the snapshots: first snapshot's state.
	mid := first.Timestamp.Add(5 * time.Second).UnixMilli()
	resp := s.get(t, fmt.Sprintf("/api/state?timestamp=%d", mid))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state stateResponse
	decode(t, resp, &state)
	assert.Equal(t, 1, state.DocumentCount)
	require.NotNil(t, state.NearestSnapshot)
	assert.Equal(t, first.ID, state.NearestSnapshot.ID)

	// After the second: two documents.
	resp = s.get(t, fmt.Sprintf("/api/state?timestamp=%d", second.Timestamp.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var later stateResponse
	decode(t, resp, &later)
	assert.Equal(t, 2, later.DocumentCount)

	// Before history: empty state, still 200.
	resp = s.get(t, "/api/state?timestamp=0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var before stateResponse
	decode(t, resp, &before)
	assert.Equal(t, 0, before.DocumentCount)
	assert.Nil(t, before.NearestSnapshot)

	// Garbage timestamp: 400.
	resp = s.get(t, "/api/state?timestamp=abc")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatesAt(t *testing.T) {
	s := newTestServer(t)
	first := s.ingest(t, ingestDoc("doc-a", "a", "v1"))
	second := s.ingest(t, ingestDoc("doc-a", "a", "v2"))

	resp := s.postJSON(t, "/api/states", statesRequest{
		Timestamps: []int64{0, first.Timestamp.UnixMilli(), second.Timestamp.UnixMilli()},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var states []stateResponse
	decode(t, resp, &states)
	require.Len(t, states, 3)
	assert.Equal(t, 0, states[0].DocumentCount)
	assert.Equal(t, 1, states[1].DocumentCount)
	assert.Equal(t, 1, states[2].DocumentCount)

	resp = s.postJSON(t, "/api/states", statesRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocumentEndpoints(t *testing.T) {
	s := newTestServer(t)
	first := s.ingest(t, ingestDoc("doc-a", "a", "hello"))
	s.ingest(t) // deletes doc-a

	// Alive at its creation instant.
	resp := s.get(t, fmt.Sprintf("/api/documents/doc-a?timestamp=%d", first.Timestamp.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc documentResponse
	decode(t, resp, &doc)
	assert.True(t, doc.Exists)
	assert.Equal(t, []byte("hello"), doc.Content)
	assert.Equal(t, first.Timestamp.UnixMilli(), doc.CreatedAt)
	assert.NotZero(t, doc.DeletedAt)

	// Dead later, but known.
	resp = s.get(t, fmt.Sprintf("/api/documents/doc-a?timestamp=%d", first.Timestamp.Add(time.Hour).UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dead documentResponse
	decode(t, resp, &dead)
	assert.False(t, dead.Exists)
	assert.Empty(t, dead.Content)

	// Never existed: 404.
	resp = s.get(t, "/api/documents/doc-unknown")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Lifecycle events.
	resp = s.get(t, "/api/documents/doc-a/lifecycle")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []lifecycleEventResponse
	decode(t, resp, &events)
	require.Len(t, events, 2)
	assert.Equal(t, diff.ChangeCreated, events[0].EventType)
	assert.Equal(t, diff.ChangeDeleted, events[1].EventType)

	resp = s.get(t, "/api/documents/doc-unknown/lifecycle")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPrune(t *testing.T) {
	s := newTestServer(t)
	var refs []version.SnapshotRef
	for i := 0; i < 5; i++ {
		refs = append(refs, s.ingest(t, ingestDoc("doc-a", "a", fmt.Sprintf("v%d", i))))
	}

	resp := s.postJSON(t, "/api/prune", pruneRequest{KeepCount: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result version.PruneResult
	decode(t, resp, &result)
	assert.Len(t, result.Pruned, 2)
	assert.Len(t, result.Skipped, 1)

	// Index rebuilt: a query inside the pruned range yields an empty state
	// instead of a 404.
	resp = s.get(t, fmt.Sprintf("/api/state?timestamp=%d", refs[0].Timestamp.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state stateResponse
	decode(t, resp, &state)
	assert.Equal(t, 0, state.DocumentCount)

	// Retained range unaffected.
	resp = s.get(t, fmt.Sprintf("/api/state?timestamp=%d", refs[4].Timestamp.UnixMilli()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &state)
	assert.Equal(t, 1, state.DocumentCount)
}

func TestPrune_Conflict(t *testing.T) {
	s := newTestServer(t)
	s.ingest(t, ingestDoc("doc-a", "a", "v1"))
	s.ingest(t, ingestDoc("doc-a", "a", "v2"))

	resp := s.postJSON(t, "/api/prune", pruneRequest{KeepCount: 1})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestScrubWebsocket(t *testing.T) {
	s := newTestServer(t)
	first := s.ingest(t, ingestDoc("doc-a", "a", "v1"))
	s.ingest(t, ingestDoc("doc-a", "a", "v2"))

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/scrub"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientMessage{
		Type:      "scrub_position",
		Timestamp: first.Timestamp.UnixMilli(),
	}))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var update struct {
		Type  string `json:"type"`
		Stats struct {
			DocumentCount int `json:"document_count"`
		} `json:"stats"`
	}
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "state_update", update.Type)
	assert.Equal(t, 1, update.Stats.DocumentCount)
}
