package mailhandler

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/model"
	"github.com/mailcore/imapcore/internal/registry"
)

// MoveInput bundles move()'s inputs (spec §4.5).
type MoveInput struct {
	UserID        int64
	SourceID      int64
	DestinationID int64
	UIDs          []uint32 // ascending order required by callers (UIDPLUS)
	Updates       *model.FlagUpdates
	AutoSeen      bool
	Session       SessionSink
}

// MoveResult is move()'s {uidValidity, sourceUid[], destinationUid[]}
// result.
type MoveResult struct {
	UIDValidity    uint32
	SourceUID      []uint32
	DestinationUID []uint32
}

// Move implements spec §4.5: clone each source message into the
// destination with a freshly reserved slot, delete the source row,
// and flush accumulated journal entries every BulkBatchSize messages.
func (h *Handler) Move(ctx context.Context, in MoveInput) (*MoveResult, error) {
	dest, err := h.registry.GetMailboxByID(ctx, in.DestinationID)
	if err != nil {
		if errors.Is(err, registry.ErrMailboxNotFound) {
			return nil, ErrTryCreate
		}
		return nil, fmt.Errorf("move: resolve destination: %w", err)
	}

	// Step 1: bump source to indicate change.
	if _, err := h.registry.Bump(ctx, in.SourceID); err != nil {
		if errors.Is(err, registry.ErrMailboxMissing) {
			return nil, ErrTryCreate
		}
		return nil, fmt.Errorf("move: bump source: %w", err)
	}

	result := &MoveResult{UIDValidity: dest.UIDValidity}
	var pending []model.JournalEntry

	ignore := ""
	if in.Session != nil {
		ignore = in.Session.SessionID()
	}

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := h.notifier.AddEntries(ctx, in.UserID, pending); err != nil {
			return fmt.Errorf("move: flush journal: %w", err)
		}
		h.notifier.Fire(ctx, in.UserID, dest.Path)
		pending = pending[:0]
		return nil
	}

	for i, srcUID := range in.UIDs {
		var msg struct {
			id            int64
			size          int64
			flags         string
			attachmentMap string
			headers       string
			text          string
			html          string
			intro         string
			magic         string
			msgid         string
			envelope      string
			bodystructure string
			idate         string
			hdate         string
			threadID      int64
		}
		err := h.db.QueryRowContext(ctx, `
			SELECT id, size, flags, attachment_map, headers, text, html, intro, magic,
			       msgid, envelope, bodystructure, idate, hdate, thread_id
			FROM messages WHERE mailbox_id = ? AND uid = ?
		`, in.SourceID, srcUID).Scan(&msg.id, &msg.size, &msg.flags, &msg.attachmentMap, &msg.headers,
			&msg.text, &msg.html, &msg.intro, &msg.magic, &msg.msgid, &msg.envelope, &msg.bodystructure,
			&msg.idate, &msg.hdate, &msg.threadID)
		if err != nil {
			return nil, fmt.Errorf("move: load source message uid %d: %w", srcUID, err)
		}

		slot, err := h.registry.ReserveSlot(ctx, in.DestinationID)
		if err != nil {
			if errors.Is(err, registry.ErrMailboxMissing) {
				return nil, ErrTryCreate
			}
			return nil, fmt.Errorf("move: reserve destination slot: %w", err)
		}

		flags, unseen, flagged, undeleted, draft := applyFlagUpdates(msg.flags, in.Updates, in.AutoSeen)
		searchable := dest.SpecialUse != model.SpecialUseJunk && dest.SpecialUse != model.SpecialUseTrash
		junk := dest.SpecialUse == model.SpecialUseJunk
		exp := dest.RetentionMS > 0

		tx, err := h.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("move: begin tx: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (
				root, mailbox_id, uid, modseq, thread_id, flags, unseen, flagged,
				undeleted, draft, size, idate, hdate, msgid, envelope, bodystructure,
				attachment_map, headers, intro, text, html, magic, searchable, junk, exp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.id, in.DestinationID, slot.UID, slot.ModifyIndex, msg.threadID, flags, unseen, flagged,
			undeleted, draft, msg.size, msg.idate, msg.hdate, msg.msgid, msg.envelope, msg.bodystructure,
			msg.attachmentMap, msg.headers, msg.intro, msg.text, msg.html, msg.magic, searchable, junk, exp)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("move: insert destination message: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("move: insert destination message: last insert id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND mailbox_id = ?", msg.id, in.SourceID); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("move: delete source message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("move: commit: %w", err)
		}

		result.SourceUID = append(result.SourceUID, srcUID)
		result.DestinationUID = append(result.DestinationUID, slot.UID)

		if in.Session != nil {
			if selMailbox, ok := in.Session.SelectedMailboxID(); ok {
				if selMailbox == in.SourceID {
					_ = in.Session.WriteExpunge(srcUID)
				}
				if selMailbox == in.DestinationID {
					_ = in.Session.WriteExists(slot.UID)
				}
			}
		}

		pending = append(pending,
			model.JournalEntry{MailboxID: in.SourceID, Command: model.JournalExpunge, UID: srcUID, MessageID: msg.id, Ignore: ignore},
			model.JournalEntry{MailboxID: in.DestinationID, Command: model.JournalExists, UID: slot.UID, MessageID: newID, Modseq: slot.ModifyIndex, Unseen: unseen, Ignore: ignore},
		)

		if (i+1)%BulkBatchSize == 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	metrics.MessagesMoved.Add(float64(len(result.SourceUID)))

	return result, nil
}

// applyFlagUpdates derives the destination flag set from the source's
// comma-joined flags plus the caller's update table (spec §4.5's
// seen/deleted/flagged/draft rows), then returns the joined flag
// string alongside the derived boolean columns.
func applyFlagUpdates(srcFlags string, updates *model.FlagUpdates, autoSeen bool) (flags string, unseen, flagged, undeleted, draft bool) {
	set := splitFlagSet(srcFlags)

	seen := set[model.FlagSeen]
	deleted := set[model.FlagDeleted]
	flaggedFlag := set[model.FlagFlagged]
	draftFlag := set[model.FlagDraft]

	if updates != nil {
		if updates.Seen != nil {
			seen = *updates.Seen
		}
		if updates.Deleted != nil {
			deleted = *updates.Deleted
		}
		if updates.Flagged != nil {
			flaggedFlag = *updates.Flagged
		}
		if updates.Draft != nil {
			// Preserved aliasing bug: a draft update writes the
			// flagged column rather than its own, matching the
			// original schema's shared-column behavior.
			flaggedFlag = *updates.Draft
		}
	}
	if autoSeen {
		seen = true
	}

	out := make(map[model.Flag]bool, len(set))
	for f, v := range set {
		out[f] = v
	}
	out[model.FlagSeen] = seen
	out[model.FlagDeleted] = deleted
	out[model.FlagFlagged] = flaggedFlag
	out[model.FlagDraft] = draftFlag

	var parts []string
	for f, v := range out {
		if v {
			parts = append(parts, string(f))
		}
	}

	return joinFlagSlice(parts), !seen, flaggedFlag, !deleted, draftFlag
}

func splitFlagSet(s string) map[model.Flag]bool {
	set := make(map[model.Flag]bool)
	if s == "" {
		return set
	}
	var cur []byte
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if len(cur) > 0 {
				set[model.Flag(cur)] = true
			}
			cur = cur[:0]
			continue
		}
		cur = append(cur, s[i])
	}
	return set
}

func joinFlagSlice(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
