// internal/diff/diff.go
package diff

import (
	"fmt"
	"sort"
	"time"

	"rewind/internal/version"
)

// ChangeType classifies one detected document transition.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeMoved    ChangeType = "moved"
)

// Magnitude is the coarse severity of a change.
type Magnitude string

const (
	MagnitudeMinor    Magnitude = "minor"
	MagnitudeModerate Magnitude = "moderate"
	MagnitudeMajor    Magnitude = "major"
)

// Rank orders magnitudes; larger means more significant. Downsampling keeps
// higher ranks first.
func (m Magnitude) Rank() int {
	switch m {
	case MagnitudeMajor:
		return 2
	case MagnitudeModerate:
		return 1
	default:
		return 0
	}
}

// ChangeRecord describes how one document differed between two adjacent
// snapshots. Timestamps are snapshot-granularity: every record inherits the
// later snapshot's timestamp. After carries the post-change record so state
// reconstruction and scrub deltas can apply the change without reloading a
// snapshot; it is nil for deletions.
type ChangeRecord struct {
	Timestamp  time.Time               `json:"timestamp"`
	Type       ChangeType              `json:"change_type"`
	DocumentID string                  `json:"document_id"`
	Magnitude  Magnitude               `json:"magnitude"`
	Summary    string                  `json:"summary"`
	After      *version.DocumentRecord `json:"after,omitempty"`
}

// Thresholds are the two cut points separating Minor/Moderate/Major on the
// change-weight scale. Weight is in [0, 1]: the changed-byte ratio for
// content edits, 1 for creations and deletions, 0 for pure moves.
type Thresholds struct {
	Moderate float64 `yaml:"moderate" json:"moderate"`
	Major    float64 `yaml:"major" json:"major"`
}

// DefaultThresholds classify edits touching under 10% of a document as
// minor and over 45% as major.
func DefaultThresholds() Thresholds {
	return Thresholds{Moderate: 0.10, Major: 0.45}
}

// Detector computes typed change records between adjacent snapshots.
// Diff is pure: the same two snapshots always produce the same records.
type Detector struct {
	thresholds Thresholds
}

// NewDetector creates a Detector with the given magnitude thresholds.
func NewDetector(t Thresholds) *Detector {
	if t.Major <= 0 {
		t = DefaultThresholds()
	}
	return &Detector{thresholds: t}
}

// Diff returns the complete, non-overlapping set of document-level
// differences between parent and child, ordered by document id. parent may
// be nil for the first snapshot in the store, which by convention produces
// no records: its documents are the baseline, not changes.
func (d *Detector) Diff(parent, child *version.Snapshot) []ChangeRecord {
	if parent == nil {
		return nil
	}
	return d.DiffSets(child.Timestamp, parent.Documents, child.Documents)
}

// DiffSets diffs two document sets directly. Scrub sessions use this to
// compute deltas between materialized states.
func (d *Detector) DiffSets(ts time.Time, parentDocs, childDocs []version.DocumentRecord) []ChangeRecord {
	before := indexByID(parentDocs)
	after := indexByID(childDocs)

	var records []ChangeRecord

	for id, doc := range after {
		prev, existed := before[id]
		if !existed {
			records = append(records, ChangeRecord{
				Timestamp:  ts,
				Type:       ChangeCreated,
				DocumentID: id,
				Magnitude:  d.classify(1),
				Summary:    fmt.Sprintf("created %s %q", doc.Kind, doc.Name),
				After:      cloneRecord(doc),
			})
			continue
		}

		switch {
		case prev.ContentDigest != doc.ContentDigest:
			records = append(records, ChangeRecord{
				Timestamp:  ts,
				Type:       ChangeModified,
				DocumentID: id,
				Magnitude:  d.classify(sizeDeltaRatio(prev.Size, doc.Size)),
				Summary:    fmt.Sprintf("modified %s %q", doc.Kind, doc.Name),
				After:      cloneRecord(doc),
			})
		case prev.ParentFolderID != doc.ParentFolderID:
			records = append(records, ChangeRecord{
				Timestamp:  ts,
				Type:       ChangeMoved,
				DocumentID: id,
				Magnitude:  d.classify(0),
				Summary:    fmt.Sprintf("moved %s %q", doc.Kind, doc.Name),
				After:      cloneRecord(doc),
			})
		case prev.Name != doc.Name:
			// Renames keep digest and parent; report them as minor
			// modifications so the partition stays complete.
			records = append(records, ChangeRecord{
				Timestamp:  ts,
				Type:       ChangeModified,
				DocumentID: id,
				Magnitude:  d.classify(0),
				Summary:    fmt.Sprintf("renamed %s %q to %q", doc.Kind, prev.Name, doc.Name),
				After:      cloneRecord(doc),
			})
		}
	}

	for id, doc := range before {
		if _, still := after[id]; still {
			continue
		}
		records = append(records, ChangeRecord{
			Timestamp:  ts,
			Type:       ChangeDeleted,
			DocumentID: id,
			Magnitude:  d.classify(1),
			Summary:    fmt.Sprintf("deleted %s %q", doc.Kind, doc.Name),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].DocumentID < records[j].DocumentID
	})
	return records
}

// classify maps a change weight onto the magnitude scale. It is monotonic:
// a larger weight never yields a smaller magnitude.
func (d *Detector) classify(weight float64) Magnitude {
	switch {
	case weight >= d.thresholds.Major:
		return MagnitudeMajor
	case weight >= d.thresholds.Moderate:
		return MagnitudeModerate
	default:
		return MagnitudeMinor
	}
}

// sizeDeltaRatio approximates how much of a document an edit touched from
// its size change. Equal sizes with differing digests count as a small edit,
// not zero, so in-place rewrites are never invisible on the weight scale.
func sizeDeltaRatio(before, after int64) float64 {
	max := before
	if after > max {
		max = after
	}
	if max == 0 {
		return 0
	}
	delta := before - after
	if delta < 0 {
		delta = -delta
	}
	if delta == 0 {
		return 0.01
	}
	return float64(delta) / float64(max)
}

func indexByID(docs []version.DocumentRecord) map[string]version.DocumentRecord {
	m := make(map[string]version.DocumentRecord, len(docs))
	for _, d := range docs {
		m[d.DocumentID] = d
	}
	return m
}

// cloneRecord copies a record without its raw content; change records carry
// metadata only, content stays in the pool.
func cloneRecord(d version.DocumentRecord) *version.DocumentRecord {
	d.RawContent = nil
	return &d
}
