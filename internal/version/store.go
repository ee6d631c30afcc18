// internal/version/store.go
package version

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// Store is the durable, append-only snapshot store. Snapshot metadata and
// per-snapshot document records live in SQLite; raw document content lives in
// a zstd-compressed content-addressable pool keyed by digest, so identical
// content across snapshots is stored once.
type Store struct {
	db      *sql.DB
	poolDir string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	log     zerolog.Logger

	// Single writer: PutSnapshot and Prune serialize here. Readers go
	// straight to SQLite (WAL) and the pool.
	mu   sync.Mutex
	head SnapshotRef

	clock func() time.Time
}

// Options configures a Store.
type Options struct {
	CompressionLevel int
	Logger           zerolog.Logger
	// Clock overrides time.Now, used by tests to drive deterministic
	// timelines.
	Clock func() time.Time
}

// Open creates or opens a store rooted at dataDir.
func Open(dataDir string, opts Options) (*Store, error) {
	poolDir := filepath.Join(dataDir, "content_pool")
	if err := os.MkdirAll(poolDir, 0755); err != nil {
		return nil, storageErr("open", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "versions.db")+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, storageErr("open", err)
	}

	level := opts.CompressionLevel
	if level == 0 {
		level = 3
	}
	encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	decoder, _ := zstd.NewReader(nil)

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		db:      db,
		poolDir: poolDir,
		encoder: encoder,
		decoder: decoder,
		log:     opts.Logger.With().Str("component", "version").Logger(),
		clock:   clock,
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadHead(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the schema.
func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		doc_count INTEGER NOT NULL,
		pruned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(ts);

	CREATE TABLE IF NOT EXISTS documents (
		snapshot_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_folder_id TEXT NOT NULL DEFAULT '',
		content_digest TEXT NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (snapshot_id, document_id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_digest ON documents(content_digest);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return storageErr("init schema", err)
	}
	return nil
}

// loadHead restores the head ref after reopen.
func (s *Store) loadHead() error {
	row := s.db.QueryRow(`SELECT id, ts, parent_id FROM snapshots ORDER BY ts DESC, created_at DESC LIMIT 1`)
	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return storageErr("load head", err)
	}
	s.head = ref
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Head returns the most recent snapshot ref, or the zero ref for an empty
// store.
func (s *Store) Head() SnapshotRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// PutSnapshot stores the current full document set as a new snapshot linked
// to the previous head. Timestamps are monotonically non-decreasing across
// the store. The folder graph is validated here so read paths never have to.
func (s *Store) PutSnapshot(ctx context.Context, docs []DocumentRecord) (SnapshotRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateForest(docs); err != nil {
		return SnapshotRef{}, err
	}

	ts := s.clock()
	if !s.head.IsZero() && ts.Before(s.head.Timestamp) {
		ts = s.head.Timestamp
	}
	ts = ts.Truncate(time.Millisecond)

	// Fill digests and sizes for records arriving with raw content only.
	prepared := make([]DocumentRecord, len(docs))
	copy(prepared, docs)
	for i := range prepared {
		if prepared[i].ContentDigest == "" {
			prepared[i].ContentDigest = DigestContent(prepared[i].RawContent)
		}
		if prepared[i].Size == 0 {
			prepared[i].Size = int64(len(prepared[i].RawContent))
		}
	}
	sort.Slice(prepared, func(i, j int) bool {
		return prepared[i].DocumentID < prepared[j].DocumentID
	})

	id := snapshotID(ts, s.head.ID, prepared)

	// Content blobs go in first: a crash between pool write and row commit
	// leaves an orphaned blob, never a dangling reference.
	for i := range prepared {
		if len(prepared[i].RawContent) == 0 {
			continue
		}
		if err := s.writeBlob(prepared[i].ContentDigest, prepared[i].RawContent); err != nil {
			return SnapshotRef{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SnapshotRef{}, storageErr("begin put", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO snapshots (id, ts, parent_id, doc_count, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, ts.UnixMilli(), s.head.ID, len(prepared), s.clock().UnixMilli())
	if err != nil {
		return SnapshotRef{}, storageErr("insert snapshot", err)
	}

	for i := range prepared {
		d := &prepared[i]
		_, err = tx.Exec(`INSERT INTO documents (snapshot_id, document_id, kind, name, parent_folder_id, content_digest, size)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, d.DocumentID, string(d.Kind), d.Name, d.ParentFolderID, d.ContentDigest, d.Size)
		if err != nil {
			return SnapshotRef{}, storageErr("insert document", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return SnapshotRef{}, storageErr("commit put", err)
	}

	ref := SnapshotRef{ID: id, Timestamp: ts, ParentID: s.head.ID}
	s.head = ref
	s.log.Debug().Str("snapshot", id).Time("ts", ts).Int("docs", len(prepared)).Msg("snapshot stored")
	return ref, nil
}

// GetSnapshot loads a snapshot body. Raw content stays in the pool; use
// LoadContent to materialize it per document.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, ts, parent_id, pruned FROM snapshots WHERE id = ?`, id)

	var ref SnapshotRef
	var tsMilli int64
	var pruned int
	if err := row.Scan(&ref.ID, &tsMilli, &ref.ParentID, &pruned); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, storageErr("get snapshot", err)
	}
	if pruned != 0 {
		return nil, ErrNotFound
	}
	ref.Timestamp = time.UnixMilli(tsMilli)

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, kind, name, parent_folder_id, content_digest, size
		FROM documents WHERE snapshot_id = ? ORDER BY document_id`, id)
	if err != nil {
		return nil, storageErr("get documents", err)
	}
	defer rows.Close()

	var docs []DocumentRecord
	for rows.Next() {
		var d DocumentRecord
		var kind string
		if err := rows.Scan(&d.DocumentID, &kind, &d.Name, &d.ParentFolderID, &d.ContentDigest, &d.Size); err != nil {
			return nil, storageErr("scan document", err)
		}
		d.Kind = Kind(kind)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate documents", err)
	}

	return &Snapshot{ID: ref.ID, Timestamp: ref.Timestamp, ParentID: ref.ParentID, Documents: docs}, nil
}

// NearestBefore returns the snapshot with the greatest timestamp <= target.
// The ref may point at a pruned body; metadata survives pruning so the chain
// stays replayable.
func (s *Store) NearestBefore(ctx context.Context, target time.Time) (SnapshotRef, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts, parent_id FROM snapshots
		WHERE ts <= ? ORDER BY ts DESC, created_at DESC LIMIT 1`, target.UnixMilli())

	ref, err := scanRef(row)
	if err == sql.ErrNoRows {
		return SnapshotRef{}, ErrEmptyStore
	}
	if err != nil {
		return SnapshotRef{}, storageErr("nearest before", err)
	}
	return ref, nil
}

// History returns snapshot refs most-recent-first, bounded by limit
// (limit <= 0 means unbounded).
func (s *Store) History(ctx context.Context, limit int) ([]SnapshotRef, error) {
	query := `SELECT id, ts, parent_id FROM snapshots ORDER BY ts DESC, created_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("history", err)
	}
	defer rows.Close()

	var refs []SnapshotRef
	for rows.Next() {
		var ref SnapshotRef
		var tsMilli int64
		if err := rows.Scan(&ref.ID, &tsMilli, &ref.ParentID); err != nil {
			return nil, storageErr("scan history", err)
		}
		ref.Timestamp = time.UnixMilli(tsMilli)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// LoadContent materializes a document's raw content from the pool.
func (s *Store) LoadContent(ctx context.Context, digest string) ([]byte, error) {
	if digest == "" || digest == emptyDigest {
		return nil, nil
	}
	compressed, err := os.ReadFile(filepath.Join(s.poolDir, digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("read content", err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, storageErr("decompress content", err)
	}
	return data, nil
}

// Prune removes snapshot bodies older than the retention cutoff while
// keeping chain metadata. The newest snapshot at or before the cutoff is the
// nearest-before answer for the whole retained range; it is never pruned and
// shows up in Skipped instead. Pruning exactly one snapshot that turns out to
// be required returns ErrPruneConflict.
func (s *Store) Prune(ctx context.Context, opts PruneOptions) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff, err := s.cutoff(ctx, opts)
	if err != nil {
		return PruneResult{}, err
	}
	if cutoff == 0 {
		return PruneResult{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts FROM snapshots WHERE ts < ? AND pruned = 0 ORDER BY ts ASC, created_at ASC`, cutoff)
	if err != nil {
		return PruneResult{}, storageErr("prune scan", err)
	}
	type cand struct {
		id string
		ts int64
	}
	var candidates []cand
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.ts); err != nil {
			rows.Close()
			return PruneResult{}, storageErr("prune scan", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PruneResult{}, storageErr("prune scan", err)
	}
	if len(candidates) == 0 {
		return PruneResult{}, nil
	}

	// The boundary snapshot answers nearest_before for every timestamp in
	// [its ts, first retained ts); it must survive.
	boundary := candidates[len(candidates)-1].id

	var result PruneResult
	for _, c := range candidates {
		if c.id == boundary {
			result.Skipped = append(result.Skipped, c.id)
			continue
		}
		if err := s.pruneBody(ctx, c.id); err != nil {
			return result, err
		}
		result.Pruned = append(result.Pruned, c.id)
	}

	if len(result.Pruned) == 0 && len(result.Skipped) == 1 && len(candidates) == 1 {
		return result, ErrPruneConflict
	}

	s.log.Info().Int("pruned", len(result.Pruned)).Int("skipped", len(result.Skipped)).Msg("prune pass complete")
	return result, nil
}

// cutoff resolves PruneOptions to a millisecond timestamp below which bodies
// are prunable. Zero means nothing to do.
func (s *Store) cutoff(ctx context.Context, opts PruneOptions) (int64, error) {
	if !opts.KeepAfter.IsZero() {
		return opts.KeepAfter.UnixMilli(), nil
	}
	if opts.KeepCount <= 0 {
		return 0, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT ts FROM snapshots ORDER BY ts DESC, created_at DESC LIMIT 1 OFFSET ?`, opts.KeepCount-1)
	var ts int64
	if err := row.Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, storageErr("prune cutoff", err)
	}
	return ts, nil
}

// pruneBody drops a snapshot's document rows and any pool blobs no longer
// referenced by a live snapshot. The snapshots row survives with pruned = 1.
func (s *Store) pruneBody(ctx context.Context, id string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT content_digest FROM documents WHERE snapshot_id = ?`, id)
	if err != nil {
		return storageErr("prune digests", err)
	}
	var digests []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return storageErr("prune digests", err)
		}
		digests = append(digests, d)
	}
	rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin prune", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM documents WHERE snapshot_id = ?`, id); err != nil {
		return storageErr("prune documents", err)
	}
	if _, err := tx.Exec(`UPDATE snapshots SET pruned = 1, doc_count = 0 WHERE id = ?`, id); err != nil {
		return storageErr("prune snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit prune", err)
	}

	// Blob GC after commit: a blob is removable once no document row
	// references its digest.
	for _, digest := range digests {
		var refs int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE content_digest = ?`, digest).Scan(&refs); err != nil {
			return storageErr("prune blob refs", err)
		}
		if refs == 0 {
			os.Remove(filepath.Join(s.poolDir, digest))
		}
	}
	return nil
}

// writeBlob stores compressed content by digest, deduplicating identical
// content across snapshots.
func (s *Store) writeBlob(digest string, content []byte) error {
	path := filepath.Join(s.poolDir, digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	compressed := s.encoder.EncodeAll(content, nil)
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return storageErr("write content", err)
	}
	return nil
}

// emptyDigest is the digest of zero-length content.
var emptyDigest = DigestContent(nil)

// DigestContent computes the content digest used for cheap equality checks.
func DigestContent(content []byte) string {
	sum := blake2b.Sum256(content)
	return fmt.Sprintf("%x", sum)
}

// snapshotID derives the snapshot identifier from its canonical document
// listing, parent link and timestamp.
func snapshotID(ts time.Time, parentID string, docs []DocumentRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\n%s\n", ts.UnixMilli(), parentID)
	for i := range docs {
		d := &docs[i]
		fmt.Fprintf(h, "%s|%s|%s|%s|%s\n", d.DocumentID, d.Kind, d.Name, d.ParentFolderID, d.ContentDigest)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// validateForest checks document_id uniqueness and that parent_folder_id
// references form a cycle-free folder forest within the snapshot.
func validateForest(docs []DocumentRecord) error {
	byID := make(map[string]*DocumentRecord, len(docs))
	for i := range docs {
		d := &docs[i]
		if d.DocumentID == "" {
			return fmt.Errorf("document %q has empty document_id", d.Name)
		}
		if _, dup := byID[d.DocumentID]; dup {
			return fmt.Errorf("duplicate document_id %s", d.DocumentID)
		}
		byID[d.DocumentID] = d
	}

	for i := range docs {
		d := &docs[i]
		if d.ParentFolderID == "" {
			continue
		}
		parent, ok := byID[d.ParentFolderID]
		if !ok {
			return fmt.Errorf("document %s references missing folder %s", d.DocumentID, d.ParentFolderID)
		}
		if parent.Kind != KindFolder {
			return fmt.Errorf("document %s parent %s is not a folder", d.DocumentID, d.ParentFolderID)
		}

		// Walk up; the forest is small enough that a plain walk with a
		// step bound beats maintaining a visited set per document.
		cur := parent
		for steps := 0; cur != nil && cur.ParentFolderID != ""; steps++ {
			if steps > len(docs) {
				return fmt.Errorf("folder cycle involving %s", d.DocumentID)
			}
			if cur.ParentFolderID == d.DocumentID {
				return fmt.Errorf("folder cycle involving %s", d.DocumentID)
			}
			cur = byID[cur.ParentFolderID]
		}
	}
	return nil
}

func scanRef(row *sql.Row) (SnapshotRef, error) {
	var ref SnapshotRef
	var tsMilli int64
	if err := row.Scan(&ref.ID, &tsMilli, &ref.ParentID); err != nil {
		return SnapshotRef{}, err
	}
	ref.Timestamp = time.UnixMilli(tsMilli)
	return ref, nil
}
