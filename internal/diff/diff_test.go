// internal/diff/diff_test.go
package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewind/internal/version"
)

func rec(id, name string, kind version.Kind, parent, digest string, size int64) version.DocumentRecord {
	return version.DocumentRecord{
		DocumentID:     id,
		Kind:           kind,
		Name:           name,
		ParentFolderID: parent,
		ContentDigest:  digest,
		Size:           size,
	}
}

func TestDiff_FirstSnapshotIsBaseline(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	child := &version.Snapshot{
		ID:        "s0",
		Timestamp: time.UnixMilli(0),
		Documents: []version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d1", 10)},
	}

	assert.Empty(t, d.Diff(nil, child), "baseline snapshot must produce no change records")
}

func TestDiffSets_Partition(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	ts := time.UnixMilli(1000)

	parent := []version.DocumentRecord{
		rec("doc-deleted", "gone", version.KindText, "", "d1", 10),
		rec("doc-modified", "edited", version.KindText, "", "d2", 100),
		rec("doc-moved", "roamer", version.KindText, "folder-1", "d3", 10),
		rec("doc-same", "still", version.KindText, "", "d4", 10),
		rec("folder-1", "f1", version.KindFolder, "", "", 0),
		rec("folder-2", "f2", version.KindFolder, "", "", 0),
	}
	child := []version.DocumentRecord{
		rec("doc-created", "new", version.KindText, "", "d5", 10),
		rec("doc-modified", "edited", version.KindText, "", "d2x", 100),
		rec("doc-moved", "roamer", version.KindText, "folder-2", "d3", 10),
		rec("doc-same", "still", version.KindText, "", "d4", 10),
		rec("folder-1", "f1", version.KindFolder, "", "", 0),
		rec("folder-2", "f2", version.KindFolder, "", "", 0),
	}

	records := d.DiffSets(ts, parent, child)
	require.Len(t, records, 4)

	byID := map[string]ChangeRecord{}
	for _, r := range records {
		byID[r.DocumentID] = r
		assert.Equal(t, ts, r.Timestamp, "records inherit the later snapshot's timestamp")
	}

	assert.Equal(t, ChangeCreated, byID["doc-created"].Type)
	assert.Equal(t, ChangeModified, byID["doc-modified"].Type)
	assert.Equal(t, ChangeMoved, byID["doc-moved"].Type)
	assert.Equal(t, ChangeDeleted, byID["doc-deleted"].Type)

	_, touched := byID["doc-same"]
	assert.False(t, touched, "unchanged documents must not appear")

	// Deletes carry no payload; everything else does.
	assert.Nil(t, byID["doc-deleted"].After)
	require.NotNil(t, byID["doc-moved"].After)
	assert.Equal(t, "folder-2", byID["doc-moved"].After.ParentFolderID)
}

func TestDiffSets_Deterministic(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	ts := time.UnixMilli(1000)

	parent := []version.DocumentRecord{
		rec("b", "b", version.KindText, "", "d1", 10),
		rec("a", "a", version.KindText, "", "d2", 10),
	}
	child := []version.DocumentRecord{
		rec("c", "c", version.KindText, "", "d3", 10),
		rec("a", "a", version.KindText, "", "d2x", 10),
	}

	first := d.DiffSets(ts, parent, child)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, d.DiffSets(ts, parent, child))
	}

	require.Len(t, first, 3)
	assert.Equal(t, "a", first[0].DocumentID, "records ordered by document id")
	assert.Equal(t, "b", first[1].DocumentID)
	assert.Equal(t, "c", first[2].DocumentID)
}

func TestDiffSets_Rename(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	parent := []version.DocumentRecord{rec("doc-a", "old name", version.KindText, "", "d1", 10)}
	child := []version.DocumentRecord{rec("doc-a", "new name", version.KindText, "", "d1", 10)}

	records := d.DiffSets(time.UnixMilli(0), parent, child)
	require.Len(t, records, 1)
	assert.Equal(t, ChangeModified, records[0].Type)
	assert.Equal(t, MagnitudeMinor, records[0].Magnitude)
	assert.Contains(t, records[0].Summary, "renamed")
}

func TestClassify_Thresholds(t *testing.T) {
	d := NewDetector(Thresholds{Moderate: 0.10, Major: 0.45})

	cases := []struct {
		weight float64
		want   Magnitude
	}{
		{0, MagnitudeMinor},
		{0.09, MagnitudeMinor},
		{0.10, MagnitudeModerate},
		{0.44, MagnitudeModerate},
		{0.45, MagnitudeMajor},
		{1, MagnitudeMajor},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, d.classify(tc.weight), "weight %v", tc.weight)
	}
}

func TestDiffSets_MagnitudeFromSizeDelta(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	ts := time.UnixMilli(0)

	// 5% growth: minor.
	records := d.DiffSets(ts,
		[]version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d1", 100)},
		[]version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d2", 105)})
	require.Len(t, records, 1)
	assert.Equal(t, MagnitudeMinor, records[0].Magnitude)

	// Halved: major.
	records = d.DiffSets(ts,
		[]version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d1", 100)},
		[]version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d2", 50)})
	require.Len(t, records, 1)
	assert.Equal(t, MagnitudeMajor, records[0].Magnitude)

	// Same size, new digest: still visible, still minor.
	records = d.DiffSets(ts,
		[]version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d1", 100)},
		[]version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d2", 100)})
	require.Len(t, records, 1)
	assert.Equal(t, MagnitudeMinor, records[0].Magnitude)

	// Creations and deletions always weigh 1.
	records = d.DiffSets(ts,
		nil,
		[]version.DocumentRecord{rec("doc-a", "a", version.KindText, "", "d1", 1)})
	require.Len(t, records, 1)
	assert.Equal(t, MagnitudeMajor, records[0].Magnitude)
}

func TestChangeRecord_PayloadHasNoRawContent(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	child := []version.DocumentRecord{{
		DocumentID: "doc-a",
		Kind:       version.KindText,
		Name:       "a",
		RawContent: []byte("should not travel"),
	}}
	records := d.DiffSets(time.UnixMilli(0), nil, child)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].After)
	assert.Nil(t, records[0].After.RawContent)
}

func TestMagnitude_Rank(t *testing.T) {
	assert.Greater(t, MagnitudeMajor.Rank(), MagnitudeModerate.Rank())
	assert.Greater(t, MagnitudeModerate.Rank(), MagnitudeMinor.Rank())
}
