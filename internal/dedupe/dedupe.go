// Package dedupe implements the Duplicate Detector: it locates a
// prior message in the same mailbox with identical (hdate, msgid) and
// reports whether it must be replaced in place (spec §4.3).
//
// Grounded on the unique-violation-then-re-query pattern used for
// atomic insert-or-merge in other_examples' pgx-based message insert
// (db-append.go), re-expressed here as an explicit probe query against
// SQLite since the duplicate predicate spec defines
// (0 < uid < uidNext) is not itself enforceable by a single UNIQUE
// constraint.
package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoDuplicate is returned by Probe when no prior message matches.
var ErrNoDuplicate = errors.New("dedupe: no duplicate")

// Existing describes the prior message a probe found.
type Existing struct {
	ID        int64
	UID       uint32
	MailboxID int64
}

// Detector probes messages(mailbox, hdate, msgid) for the fresh-path
// vs replace-in-place decision.
type Detector struct {
	db *sql.DB
}

func New(db *sql.DB) *Detector {
	return &Detector{db: db}
}

// Probe looks for a message E in mailboxID with E.hdate == hdate,
// E.msgid == msgid, 0 < E.uid < uidNext. Returns ErrNoDuplicate if
// none is found.
func (d *Detector) Probe(ctx context.Context, mailboxID int64, hdate time.Time, msgid string, uidNext uint32) (*Existing, error) {
	if msgid == "" {
		return nil, ErrNoDuplicate
	}

	var e Existing
	e.MailboxID = mailboxID
	err := d.db.QueryRowContext(ctx, `
		SELECT id, uid FROM messages
		WHERE mailbox_id = ? AND hdate = ? AND msgid = ? AND uid > 0 AND uid < ?
		ORDER BY uid DESC LIMIT 1
	`, mailboxID, hdate, msgid, uidNext).Scan(&e.ID, &e.UID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoDuplicate
		}
		return nil, fmt.Errorf("probe duplicate: %w", err)
	}
	return &e, nil
}
