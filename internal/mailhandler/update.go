package mailhandler

import (
	"context"
	"fmt"

	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/model"
)

// UpdateInput bundles update()'s inputs (spec §4.6).
type UpdateInput struct {
	UserID    int64
	MailboxID int64
	UIDFrom   uint32
	UIDTo     uint32
	Updates   *model.FlagUpdates
	Session   SessionSink
}

// Update implements spec §4.6: bulk flag/expiry update over a UID
// range in one mailbox, bump(mailbox) once, stamp every matched
// message with the post-image modify_index, flush journal entries
// every BulkBatchSize. Fails with ErrNothingChanged if no recognized
// key was supplied.
func (h *Handler) Update(ctx context.Context, in UpdateInput) error {
	if !in.Updates.AnyRecognized() {
		return ErrNothingChanged
	}

	modseq, err := h.registry.Bump(ctx, in.MailboxID)
	if err != nil {
		return fmt.Errorf("update: bump: %w", err)
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT id, uid, flags FROM messages
		WHERE mailbox_id = ? AND uid >= ? AND uid <= ?
		ORDER BY uid ASC
	`, in.MailboxID, in.UIDFrom, in.UIDTo)
	if err != nil {
		return fmt.Errorf("update: select range: %w", err)
	}

	type row struct {
		id    int64
		uid   uint32
		flags string
	}
	var matched []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.uid, &r.flags); err != nil {
			rows.Close()
			return fmt.Errorf("update: scan row: %w", err)
		}
		matched = append(matched, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("update: range rows: %w", err)
	}
	rows.Close()

	ignore := ""
	if in.Session != nil {
		ignore = in.Session.SessionID()
	}

	var pending []model.JournalEntry
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := h.notifier.AddEntries(ctx, in.UserID, pending); err != nil {
			return fmt.Errorf("update: flush journal: %w", err)
		}
		h.notifier.Fire(ctx, in.UserID, "")
		pending = pending[:0]
		return nil
	}

	for i, r := range matched {
		flags, unseen, flagged, undeleted, draft := applyFlagUpdates(r.flags, in.Updates, false)

		query := `UPDATE messages SET flags = ?, unseen = ?, flagged = ?, undeleted = ?, draft = ?, modseq = ?`
		args := []any{flags, unseen, flagged, undeleted, draft, modseq}
		if in.Updates.HasExpires {
			var rdate any
			if in.Updates.Expires != nil {
				rdate = *in.Updates.Expires
			}
			query += `, exp = ?, rdate = ?`
			args = append(args, in.Updates.Expires != nil, rdate)
		}
		query += ` WHERE id = ?`
		args = append(args, r.id)

		if _, err := h.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update: apply message %d: %w", r.id, err)
		}

		pending = append(pending, model.JournalEntry{
			MailboxID: in.MailboxID, Command: model.JournalFetch, UID: r.uid, MessageID: r.id,
			Modseq: modseq, Unseen: unseen, Flags: splitFlags(flags), Ignore: ignore,
		})
		metrics.FlagUpdates.Inc()

		if (i+1)%BulkBatchSize == 0 {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

func splitFlags(s string) []model.Flag {
	set := splitFlagSet(s)
	out := make([]model.Flag, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}
