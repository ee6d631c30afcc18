// internal/version/models.go
package version

import "time"

// Kind classifies a document inside a snapshot.
type Kind string

const (
	KindText   Kind = "text"
	KindFolder Kind = "folder"
	KindGuide  Kind = "guide"
)

// DocumentRecord is one logical document captured by a snapshot.
// RawContent is the opaque CRDT export blob; it is stored compressed in the
// content pool and only materialized on demand.
type DocumentRecord struct {
	DocumentID     string `json:"document_id"`
	Kind           Kind   `json:"kind"`
	Name           string `json:"name"`
	ParentFolderID string `json:"parent_folder_id,omitempty"`
	ContentDigest  string `json:"content_digest"`
	Size           int64  `json:"size"`
	RawContent     []byte `json:"raw_content,omitempty"`
}

// SnapshotRef identifies a stored snapshot without carrying its body.
type SnapshotRef struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ParentID  string    `json:"parent_id,omitempty"`
}

// IsZero reports whether the ref is the empty sentinel.
func (r SnapshotRef) IsZero() bool {
	return r.ID == ""
}

// Snapshot is an immutable full capture of all documents at one instant.
type Snapshot struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	ParentID  string           `json:"parent_id,omitempty"`
	Documents []DocumentRecord `json:"documents"`
}

// Ref returns the snapshot's reference.
func (s *Snapshot) Ref() SnapshotRef {
	return SnapshotRef{ID: s.ID, Timestamp: s.Timestamp, ParentID: s.ParentID}
}

// PruneOptions selects the retention cutoff. Exactly one field is used;
// KeepAfter wins when both are set.
type PruneOptions struct {
	// KeepCount retains the newest N snapshots.
	KeepCount int
	// KeepAfter retains every snapshot at or after this instant.
	KeepAfter time.Time
}

// PruneResult reports what a prune pass did.
type PruneResult struct {
	Pruned []string `json:"pruned"`
	// Skipped lists snapshots that were still required to answer
	// nearest-before queries for the retained range and were left intact.
	Skipped []string `json:"skipped,omitempty"`
}
