// Package registry implements the Mailbox Registry: the atomic
// "reserve UID+MODSEQ" primitive on mailbox records, and mailbox CRUD
// (spec §4.1).
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/model"
)

// ErrMailboxMissing is returned when a reserveSlot/bump target does
// not exist; callers report this to IMAP as TRYCREATE.
var ErrMailboxMissing = errors.New("registry: mailbox missing")

// ErrMailboxNotFound is returned by path lookups; callers report this
// to IMAP as NONEXISTENT.
var ErrMailboxNotFound = errors.New("registry: mailbox not found")

// Registry owns mailboxes(uid_next, modify_index, uid_validity).
type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Slot is the post-image returned by reserveSlot.
type Slot struct {
	UID         uint32
	ModifyIndex uint64
	Mailbox     *model.Mailbox
}

// ReserveSlot atomically increments both uid_next and modify_index by
// one and returns the post-image, per spec §4.1. Reservation and
// persistence of the occupying message must happen in the same
// logical transaction: ReserveSlotTx takes the caller's *sql.Tx for
// that. This standalone form runs outside any transaction.
func (r *Registry) ReserveSlot(ctx context.Context, mailboxID int64) (*Slot, error) {
	return r.reserveSlot(ctx, r.db, mailboxID)
}

// ReserveSlotTx is the transactional form used by Message Handler's
// add/move so the UID reservation and the message insert commit
// together (spec §4.1: "if the message insert fails, the reserved UID
// is abandoned").
func (r *Registry) ReserveSlotTx(ctx context.Context, tx *sql.Tx, mailboxID int64) (*Slot, error) {
	return r.reserveSlot(ctx, tx, mailboxID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Registry) reserveSlot(ctx context.Context, q queryRower, mailboxID int64) (*Slot, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE mailboxes
		SET uid_next = uid_next + 1, modify_index = modify_index + 1
		WHERE id = ?
		RETURNING uid_next - 1, modify_index, user_id, path, special_use,
		          subscribed, uid_validity, retention_ms, created_at
	`, mailboxID)

	var (
		uid        uint32
		modifyIdx  uint64
		mb         model.Mailbox
		specialUse string
	)
	mb.ID = mailboxID
	err := row.Scan(&uid, &modifyIdx, &mb.UserID, &mb.Path, &specialUse,
		&mb.Subscribed, &mb.UIDValidity, &mb.RetentionMS, &mb.CreatedAt)
	metrics.RecordSlotReservation(err == nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMailboxMissing
		}
		return nil, fmt.Errorf("reserve slot: %w", err)
	}
	mb.SpecialUse = model.SpecialUse(specialUse)
	mb.UIDNext = uid + 1
	mb.ModifyIndex = modifyIdx

	return &Slot{UID: uid, ModifyIndex: modifyIdx, Mailbox: &mb}, nil
}

// Bump increments only modify_index, for operations that don't
// allocate a UID (pure flag updates, the source side of a move).
func (r *Registry) Bump(ctx context.Context, mailboxID int64) (uint64, error) {
	return r.bump(ctx, r.db, mailboxID)
}

// BumpTx is the transactional form.
func (r *Registry) BumpTx(ctx context.Context, tx *sql.Tx, mailboxID int64) (uint64, error) {
	return r.bump(ctx, tx, mailboxID)
}

func (r *Registry) bump(ctx context.Context, q queryRower, mailboxID int64) (uint64, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE mailboxes SET modify_index = modify_index + 1
		WHERE id = ?
		RETURNING modify_index
	`, mailboxID)

	var modifyIdx uint64
	err := row.Scan(&modifyIdx)
	metrics.ModseqBumps.Inc()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrMailboxMissing
		}
		return 0, fmt.Errorf("bump: %w", err)
	}
	return modifyIdx, nil
}

// CreateMailbox inserts a new mailbox. uidValidity is seeded from the
// current time plus jitter, following the teacher's maildir store
// convention of deriving UIDVALIDITY from wall-clock at creation.
func (r *Registry) CreateMailbox(ctx context.Context, userID int64, path string, specialUse model.SpecialUse) (*model.Mailbox, error) {
	uidValidity := uint32(time.Now().Unix()) + uint32(rand.Intn(1000))

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO mailboxes (user_id, path, special_use, subscribed, uid_validity, uid_next, modify_index)
		VALUES (?, ?, ?, TRUE, ?, 1, 0)
	`, userID, path, string(specialUse), uidValidity)
	if err != nil {
		return nil, fmt.Errorf("create mailbox %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create mailbox %s: last insert id: %w", path, err)
	}

	return &model.Mailbox{
		ID: id, UserID: userID, Path: path, SpecialUse: specialUse,
		Subscribed: true, UIDValidity: uidValidity, UIDNext: 1, ModifyIndex: 0,
	}, nil
}

// GetMailbox resolves a mailbox by (user, path). Returns
// ErrMailboxNotFound if absent (IMAP NONEXISTENT).
func (r *Registry) GetMailbox(ctx context.Context, userID int64, path string) (*model.Mailbox, error) {
	return r.scanMailbox(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, path, special_use, subscribed, uid_validity,
		       uid_next, modify_index, retention_ms, created_at
		FROM mailboxes WHERE user_id = ? AND path = ?
	`, userID, path))
}

// GetMailboxByID resolves a mailbox by primary key.
func (r *Registry) GetMailboxByID(ctx context.Context, id int64) (*model.Mailbox, error) {
	return r.scanMailbox(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, path, special_use, subscribed, uid_validity,
		       uid_next, modify_index, retention_ms, created_at
		FROM mailboxes WHERE id = ?
	`, id))
}

// GetMailboxBySpecialUse resolves a mailbox by its special-use
// attribute, used to target e.g. \Trash or \Junk without knowing the
// display path.
func (r *Registry) GetMailboxBySpecialUse(ctx context.Context, userID int64, use model.SpecialUse) (*model.Mailbox, error) {
	return r.scanMailbox(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, path, special_use, subscribed, uid_validity,
		       uid_next, modify_index, retention_ms, created_at
		FROM mailboxes WHERE user_id = ? AND special_use = ?
	`, userID, string(use)))
}

func (r *Registry) scanMailbox(row *sql.Row) (*model.Mailbox, error) {
	var mb model.Mailbox
	var specialUse string
	err := row.Scan(&mb.ID, &mb.UserID, &mb.Path, &specialUse, &mb.Subscribed,
		&mb.UIDValidity, &mb.UIDNext, &mb.ModifyIndex, &mb.RetentionMS, &mb.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMailboxNotFound
		}
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	mb.SpecialUse = model.SpecialUse(specialUse)
	return &mb, nil
}

// ListMailboxes returns every mailbox owned by a user.
func (r *Registry) ListMailboxes(ctx context.Context, userID int64) ([]*model.Mailbox, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, path, special_use, subscribed, uid_validity,
		       uid_next, modify_index, retention_ms, created_at
		FROM mailboxes WHERE user_id = ? ORDER BY path
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	var out []*model.Mailbox
	for rows.Next() {
		var mb model.Mailbox
		var specialUse string
		if err := rows.Scan(&mb.ID, &mb.UserID, &mb.Path, &specialUse, &mb.Subscribed,
			&mb.UIDValidity, &mb.UIDNext, &mb.ModifyIndex, &mb.RetentionMS, &mb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		mb.SpecialUse = model.SpecialUse(specialUse)
		out = append(out, &mb)
	}
	return out, rows.Err()
}

// RenameMailbox changes a mailbox's path.
func (r *Registry) RenameMailbox(ctx context.Context, userID int64, oldPath, newPath string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE mailboxes SET path = ? WHERE user_id = ? AND path = ?",
		newPath, userID, oldPath)
	if err != nil {
		return fmt.Errorf("rename mailbox %s: %w", oldPath, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rename mailbox %s: %w", oldPath, err)
	}
	if affected == 0 {
		return ErrMailboxNotFound
	}
	return nil
}

// DeleteMailbox removes a mailbox record (messages must already be
// expunged by the caller via mailhandler).
func (r *Registry) DeleteMailbox(ctx context.Context, userID int64, path string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM mailboxes WHERE user_id = ? AND path = ?", userID, path)
	if err != nil {
		return fmt.Errorf("delete mailbox %s: %w", path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete mailbox %s: %w", path, err)
	}
	if affected == 0 {
		return ErrMailboxNotFound
	}
	return nil
}

// SubscribeMailbox toggles the subscribed bit.
func (r *Registry) SubscribeMailbox(ctx context.Context, userID int64, path string, subscribed bool) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE mailboxes SET subscribed = ? WHERE user_id = ? AND path = ?",
		subscribed, userID, path)
	if err != nil {
		return fmt.Errorf("subscribe mailbox %s: %w", path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("subscribe mailbox %s: %w", path, err)
	}
	if affected == 0 {
		return ErrMailboxNotFound
	}
	return nil
}
