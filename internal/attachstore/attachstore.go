// Package attachstore implements the Attachment Store: a
// content-addressed blob store with refcount-based GC (spec §4.9).
//
// Blobs are laid out on disk the way the teacher's maildir store lays
// out message bodies (a nested two-level directory keyed by hash
// prefix, final file named by the full hash), while refcounts live in
// SQLite next to the rest of the message-core schema.
package attachstore

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"

	"context"

	"github.com/mailcore/imapcore/internal/metrics"
)

// Store is keyed by (hash, magic) per spec §3/§4.9.
type Store struct {
	db      *sql.DB
	dataDir string
}

func New(db *sql.DB, dataDir string) *Store {
	return &Store{db: db, dataDir: dataDir}
}

// Hash returns the content-addressing key for an attachment body.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func (s *Store) blobPath(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.dataDir, "attachments", hash)
	}
	return filepath.Join(s.dataDir, "attachments", hash[:2], hash[2:4], hash)
}

// Create persists a blob body (if not already present) and either
// creates a refcount=1 record for (hash, magic) or increments an
// existing one by one.
func (s *Store) Create(ctx context.Context, hash, magic string, data []byte) error {
	path := s.blobPath(hash)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return fmt.Errorf("mkdir attachment dir: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0640); err != nil {
			return fmt.Errorf("write attachment blob: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("rename attachment blob: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (hash, magic, refcount) VALUES (?, ?, 1)
		ON CONFLICT(hash, magic) DO UPDATE SET refcount = refcount + 1
	`, hash, magic)
	if err != nil {
		return fmt.Errorf("create attachment record %s/%s: %w", hash, magic, err)
	}
	metrics.AttachmentRefcountChanges.WithLabelValues("incr").Inc()
	return nil
}

// Get opens a blob's body for reading.
func (s *Store) Get(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		return nil, fmt.Errorf("open attachment blob %s: %w", hash, err)
	}
	return f, nil
}

// UpdateMany increments refcounts by delta for every (hash, magic) in
// ids, used by copy fan-out.
func (s *Store) UpdateMany(ctx context.Context, ids []string, magic string, delta int64) error {
	direction := "incr"
	if delta < 0 {
		direction = "decr"
	}
	for _, hash := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE attachments SET refcount = refcount + ? WHERE hash = ? AND magic = ?
		`, delta, hash, magic); err != nil {
			return fmt.Errorf("update attachment refcount %s/%s: %w", hash, magic, err)
		}
		metrics.AttachmentRefcountChanges.WithLabelValues(direction).Inc()
	}
	return nil
}

// DeleteMany decrements refcounts for ids and deletes any record whose
// refcount reaches zero. Uses a conditional delete rather than
// read-then-delete so a concurrent re-reference between the decrement
// and the delete check is never lost (spec §5: "requires a conditional
// delete or refcount-read-and-retry").
func (s *Store) DeleteMany(ctx context.Context, ids []string, magic string) error {
	for _, hash := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE attachments SET refcount = refcount - 1 WHERE hash = ? AND magic = ?
		`, hash, magic); err != nil {
			return fmt.Errorf("decrement attachment refcount %s/%s: %w", hash, magic, err)
		}
		metrics.AttachmentRefcountChanges.WithLabelValues("decr").Inc()

		res, err := s.db.ExecContext(ctx, `
			DELETE FROM attachments WHERE hash = ? AND magic = ? AND refcount <= 0
		`, hash, magic)
		if err != nil {
			return fmt.Errorf("reclaim attachment %s/%s: %w", hash, magic, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			metrics.AttachmentsReclaimed.Add(float64(n))
		}
	}
	return nil
}

// RefCount returns the current refcount for (hash, magic), 0 if absent.
func (s *Store) RefCount(ctx context.Context, hash, magic string) (int64, error) {
	var rc int64
	err := s.db.QueryRowContext(ctx,
		"SELECT refcount FROM attachments WHERE hash = ? AND magic = ?", hash, magic).Scan(&rc)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("refcount %s/%s: %w", hash, magic, err)
	}
	return rc, nil
}
