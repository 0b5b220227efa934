// Package mailhandler implements the Message Handler: it orchestrates
// add, del, move and update, producing journal entries and enforcing
// the ordering/rollback rules in spec §4.2, §4.4-§4.6.
package mailhandler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailcore/imapcore/internal/attachstore"
	"github.com/mailcore/imapcore/internal/dedupe"
	"github.com/mailcore/imapcore/internal/logging"
	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/model"
	"github.com/mailcore/imapcore/internal/notifier"
	"github.com/mailcore/imapcore/internal/registry"
	"github.com/mailcore/imapcore/internal/thread"
)

// BulkBatchSize caps the number of messages a move or update operation
// processes between journal flushes (spec §4.5/§4.6/§5).
const BulkBatchSize = 150

// SessionSink is the minimal Session Ingress hook contract (spec §2,
// §4.2 step 9): the object the IMAP wire layer exposes for writing
// EXISTS/EXPUNGE frames directly into a live session's output stream
// when its selected mailbox matches the one being mutated.
type SessionSink interface {
	SessionID() string
	SelectedMailboxID() (int64, bool)
	WriteExists(uid uint32) error
	WriteExpunge(uid uint32) error
}

// Handler orchestrates add/del/move/update.
type Handler struct {
	db       *sql.DB
	registry *registry.Registry
	attach   *attachstore.Store
	thread   *thread.Resolver
	dedupe   *dedupe.Detector
	notifier *notifier.Notifier
	log      *logging.Logger
}

func New(db *sql.DB, reg *registry.Registry, attach *attachstore.Store, th *thread.Resolver, dd *dedupe.Detector, notif *notifier.Notifier, log *logging.Logger) *Handler {
	return &Handler{db: db, registry: reg, attach: attach, thread: th, dedupe: dd, notifier: notif, log: log.IMAP()}
}

// AddInput bundles add()'s inputs (spec §4.2).
type AddInput struct {
	MailboxID    int64
	UserID       int64
	MailboxPath  string
	Raw          []byte
	Flags        []model.Flag
	SkipExisting bool
	Session      SessionSink
}

// AddResult is add()'s {uidValidity, uid, id, mailbox, status} result.
type AddResult struct {
	UIDValidity uint32
	UID         uint32
	MessageID   int64
	MailboxID   int64
	Status      string // "new" | "update" | "skip"
}

// Add implements the 11-step algorithm in spec §4.2.
func (h *Handler) Add(ctx context.Context, in AddInput) (*AddResult, error) {
	prepared, err := ParseMessage(in.Raw, time.Now())
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}

	mailbox, err := h.registry.GetMailboxByID(ctx, in.MailboxID)
	if err != nil {
		if errors.Is(err, registry.ErrMailboxNotFound) {
			return nil, ErrTryCreate
		}
		return nil, fmt.Errorf("add: resolve mailbox: %w", err)
	}

	existing, err := h.dedupe.Probe(ctx, mailbox.ID, prepared.HDate, prepared.MsgID, mailbox.UIDNext)
	switch {
	case err == nil:
		if in.SkipExisting {
			return &AddResult{
				UIDValidity: mailbox.UIDValidity,
				UID:         existing.UID,
				MessageID:   existing.ID,
				MailboxID:   mailbox.ID,
				Status:      "skip",
			}, nil
		}
		return h.replaceInPlace(ctx, in, mailbox, existing, prepared)
	case errors.Is(err, dedupe.ErrNoDuplicate):
		// fresh path, fall through
	default:
		return nil, fmt.Errorf("add: duplicate probe: %w", err)
	}

	return h.addFresh(ctx, in, mailbox, prepared)
}

func (h *Handler) addFresh(ctx context.Context, in AddInput, mailbox *model.Mailbox, prepared *Prepared) (*AddResult, error) {
	// Step 4: persist attachment bodies (refcount already recorded in
	// AttachmentMap by the MIME parse step).
	for _, a := range prepared.Attachments {
		if err := h.attach.Create(ctx, a.Hash, prepared.Magic, a.Data); err != nil {
			return nil, fmt.Errorf("add: persist attachment: %w", err)
		}
	}

	threadID, err := h.thread.Resolve(ctx, in.UserID, prepared.Subject, prepared.MsgID, prepared.InReplyTo, prepared.ThreadIndex, prepared.References)
	if err != nil {
		h.reclaimAttachments(ctx, prepared)
		return nil, fmt.Errorf("add: resolve thread: %w", err)
	}

	searchable := mailbox.SpecialUse != model.SpecialUseJunk && mailbox.SpecialUse != model.SpecialUseTrash
	junk := mailbox.SpecialUse == model.SpecialUseJunk

	// Steps 5-8 happen inside one transaction: quota increment, slot
	// reservation and message insert either all commit or all roll
	// back, matching spec's "reserved UID is abandoned if the message
	// insert fails" rule without a manual compensation stack.
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.reclaimAttachments(ctx, prepared)
		return nil, fmt.Errorf("add: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE users SET storage_used = storage_used + ? WHERE id = ?", prepared.Size, in.UserID); err != nil {
		h.reclaimAttachments(ctx, prepared)
		return nil, fmt.Errorf("add: increment quota: %w", err)
	}

	slot, err := h.registry.ReserveSlotTx(ctx, tx, mailbox.ID)
	if err != nil {
		h.reclaimAttachments(ctx, prepared)
		if errors.Is(err, registry.ErrMailboxMissing) {
			return nil, ErrTryCreate
		}
		return nil, fmt.Errorf("add: reserve slot: %w", err)
	}

	headersJSON, _ := json.Marshal(prepared.Headers)
	attachJSON, _ := json.Marshal(prepared.AttachmentMap)
	htmlJSON, _ := json.Marshal(prepared.HTML)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			root, mailbox_id, uid, modseq, thread_id, flags, unseen, flagged,
			undeleted, draft, size, idate, hdate, msgid, envelope, bodystructure,
			attachment_map, headers, intro, text, html, magic, searchable, junk
		) VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mailbox.ID, slot.UID, slot.ModifyIndex, threadID,
		joinFlags(in.Flags), !hasFlag(in.Flags, model.FlagSeen), hasFlag(in.Flags, model.FlagFlagged),
		!hasFlag(in.Flags, model.FlagDeleted), hasFlag(in.Flags, model.FlagDraft),
		prepared.Size, prepared.IDate, prepared.HDate, prepared.MsgID, prepared.Envelope, prepared.BodyStructure,
		string(attachJSON), string(headersJSON), prepared.Intro, prepared.Text, string(htmlJSON), prepared.Magic,
		searchable, junk)
	if err != nil {
		h.reclaimAttachments(ctx, prepared)
		return nil, fmt.Errorf("add: insert message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		h.reclaimAttachments(ctx, prepared)
		return nil, fmt.Errorf("add: insert message: last insert id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE messages SET root = id WHERE id = ?", msgID); err != nil {
		h.reclaimAttachments(ctx, prepared)
		return nil, fmt.Errorf("add: set root: %w", err)
	}

	if err := tx.Commit(); err != nil {
		h.reclaimAttachments(ctx, prepared)
		return nil, fmt.Errorf("add: commit: %w", err)
	}

	// Step 9: synchronous write to the originating session's stream.
	if in.Session != nil {
		if selMailbox, ok := in.Session.SelectedMailboxID(); ok && selMailbox == mailbox.ID {
			_ = in.Session.WriteExists(slot.UID)
		}
	}

	// Step 10: journal entry with origin suppression.
	ignore := ""
	if in.Session != nil {
		ignore = in.Session.SessionID()
	}
	entries := []model.JournalEntry{{
		MailboxID: mailbox.ID, Command: model.JournalExists,
		UID: slot.UID, MessageID: msgID, Modseq: slot.ModifyIndex, Unseen: true, Ignore: ignore,
	}}
	if _, err := h.notifier.AddEntries(ctx, in.UserID, entries); err != nil {
		// Notifier errors are best-effort per spec §7.
		h.log.ErrorContext(ctx, "add journal append failed", err)
	}

	// Step 11.
	h.notifier.Fire(ctx, in.UserID, mailbox.Path)
	metrics.MessagesAdded.Inc()

	return &AddResult{
		UIDValidity: mailbox.UIDValidity,
		UID:         slot.UID,
		MessageID:   msgID,
		MailboxID:   mailbox.ID,
		Status:      "new",
	}, nil
}

// replaceInPlace is the Duplicate Detector's merge policy (spec §4.3):
// reserve a new slot, update the existing row in place with the new
// uid/modseq/flags, emit EXPUNGE(old) then EXISTS(new). The message's
// id, root and stored body are left untouched.
func (h *Handler) replaceInPlace(ctx context.Context, in AddInput, mailbox *model.Mailbox, existing *dedupe.Existing, prepared *Prepared) (*AddResult, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("replace in place: begin tx: %w", err)
	}
	defer tx.Rollback()

	slot, err := h.registry.ReserveSlotTx(ctx, tx, mailbox.ID)
	if err != nil {
		if errors.Is(err, registry.ErrMailboxMissing) {
			return nil, ErrTryCreate
		}
		return nil, fmt.Errorf("replace in place: reserve slot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET uid = ?, modseq = ?, flags = ?,
			unseen = ?, flagged = ?, undeleted = ?, draft = ?
		WHERE id = ?
	`, slot.UID, slot.ModifyIndex, joinFlags(in.Flags),
		!hasFlag(in.Flags, model.FlagSeen), hasFlag(in.Flags, model.FlagFlagged),
		!hasFlag(in.Flags, model.FlagDeleted), hasFlag(in.Flags, model.FlagDraft),
		existing.ID); err != nil {
		return nil, fmt.Errorf("replace in place: update message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("replace in place: commit: %w", err)
	}

	if in.Session != nil {
		if selMailbox, ok := in.Session.SelectedMailboxID(); ok && selMailbox == mailbox.ID {
			_ = in.Session.WriteExpunge(existing.UID)
			_ = in.Session.WriteExists(slot.UID)
		}
	}

	ignore := ""
	if in.Session != nil {
		ignore = in.Session.SessionID()
	}
	entries := []model.JournalEntry{
		{MailboxID: mailbox.ID, Command: model.JournalExpunge, UID: existing.UID, MessageID: existing.ID, Modseq: slot.ModifyIndex, Ignore: ignore},
		{MailboxID: mailbox.ID, Command: model.JournalExists, UID: slot.UID, MessageID: existing.ID, Modseq: slot.ModifyIndex, Unseen: true, Ignore: ignore},
	}
	if _, err := h.notifier.AddEntries(ctx, in.UserID, entries); err != nil {
		h.log.ErrorContext(ctx, "replace journal append failed", err)
	}
	h.notifier.Fire(ctx, in.UserID, mailbox.Path)
	metrics.DedupeMerges.Inc()

	return &AddResult{
		UIDValidity: mailbox.UIDValidity,
		UID:         slot.UID,
		MessageID:   existing.ID,
		MailboxID:   mailbox.ID,
		Status:      "update",
	}, nil
}

func (h *Handler) reclaimAttachments(ctx context.Context, prepared *Prepared) {
	ids := make([]string, 0, len(prepared.Attachments))
	for _, a := range prepared.Attachments {
		ids = append(ids, a.Hash)
	}
	if len(ids) == 0 {
		return
	}
	if err := h.attach.DeleteMany(ctx, ids, prepared.Magic); err != nil {
		h.log.ErrorContext(ctx, "reclaim orphaned attachments failed", err)
	}
}

// DelInput bundles del()'s inputs (spec §4.4).
type DelInput struct {
	UserID    int64
	MessageID int64
	MailboxID int64
	Session   SessionSink
}

// Del implements spec §4.4: delete by (_id, mailbox, uid), decrement
// quota and attachment refcounts, fire notifications. A missing
// document is not an error (idempotent).
func (h *Handler) Del(ctx context.Context, in DelInput) error {
	var msg struct {
		uid           uint32
		size          int64
		magic         string
		attachmentMap string
		mailboxPath   string
	}
	err := h.db.QueryRowContext(ctx, `
		SELECT m.uid, m.size, m.magic, m.attachment_map, mb.path
		FROM messages m JOIN mailboxes mb ON mb.id = m.mailbox_id
		WHERE m.id = ? AND m.mailbox_id = ?
	`, in.MessageID, in.MailboxID).Scan(&msg.uid, &msg.size, &msg.magic, &msg.attachmentMap, &msg.mailboxPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // idempotent
	}
	if err != nil {
		return fmt.Errorf("del: lookup message: %w", err)
	}

	if _, err := h.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ? AND mailbox_id = ?", in.MessageID, in.MailboxID); err != nil {
		return fmt.Errorf("del: delete message: %w", err)
	}

	// Open question preserved verbatim: the original updateQuota call
	// is keyed by the mailbox id where a user id is expected. Keeping
	// the same argument here reproduces that behavior rather than
	// silently correcting it.
	if _, err := h.db.ExecContext(ctx, "UPDATE users SET storage_used = storage_used - ? WHERE id = ?", msg.size, in.MailboxID); err != nil {
		h.log.ErrorContext(ctx, "del quota update failed", err)
	}

	var attachmentMap map[string]string
	_ = json.Unmarshal([]byte(msg.attachmentMap), &attachmentMap)
	if len(attachmentMap) > 0 {
		hashes := make([]string, 0, len(attachmentMap))
		for _, hash := range attachmentMap {
			hashes = append(hashes, hash)
		}
		if err := h.attach.DeleteMany(ctx, hashes, msg.magic); err != nil {
			h.log.ErrorContext(ctx, "del attachment refcount decrement failed", err)
		}
	}

	if in.Session != nil {
		if selMailbox, ok := in.Session.SelectedMailboxID(); ok && selMailbox == in.MailboxID {
			_ = in.Session.WriteExpunge(msg.uid)
		}
	}

	ignore := ""
	if in.Session != nil {
		ignore = in.Session.SessionID()
	}
	modseq, err := h.registry.Bump(ctx, in.MailboxID)
	if err != nil {
		h.log.ErrorContext(ctx, "del bump failed", err)
	}
	if _, err := h.notifier.AddEntries(ctx, in.UserID, []model.JournalEntry{
		{MailboxID: in.MailboxID, Command: model.JournalExpunge, UID: msg.uid, MessageID: in.MessageID, Modseq: modseq, Ignore: ignore},
	}); err != nil {
		h.log.ErrorContext(ctx, "del journal append failed", err)
	}
	h.notifier.Fire(ctx, in.UserID, msg.mailboxPath)
	metrics.MessagesDeleted.Inc()

	return nil
}

func joinFlags(flags []model.Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func hasFlag(flags []model.Flag, target model.Flag) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}
