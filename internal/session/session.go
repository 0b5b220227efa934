// Package session implements the Session Ingress hooks: the contract
// objects the IMAP wire layer (out of scope per spec §1, captured here
// only by contract) calls into for auth, copy and mailbox-open, plus
// SASL PLAIN token parsing (spec §6).
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mailcore/imapcore/internal/auth"
	"github.com/mailcore/imapcore/internal/mailhandler"
	"github.com/mailcore/imapcore/internal/model"
	"github.com/mailcore/imapcore/internal/registry"
)

// Auth outcome sentinels (spec §7).
var (
	ErrAuthFailed         = errors.New("session: authentication failed")
	ErrAuthBadArgument    = errors.New("session: invalid SASL argument")
	ErrAuthNotImplemented = errors.New("session: authentication mechanism not implemented")
	ErrAuthRequiresTLS    = errors.New("session: STARTTLS required")
)

// AuthResult is onAuth's {user:{id,username}} success payload.
type AuthResult struct {
	UserID   int64
	Username string
}

// Hooks implements onAuth/onCopy/onOpen/onUnsubscribe/onGetQuotaRoot
// against the Mailbox Registry, Message Handler and
// Authenticator.
type Hooks struct {
	authn    *auth.Authenticator
	registry *registry.Registry
	handler  *mailhandler.Handler
}

func New(authn *auth.Authenticator, reg *registry.Registry, handler *mailhandler.Handler) *Hooks {
	return &Hooks{authn: authn, registry: reg, handler: handler}
}

// OnAuth implements onAuth({method:"PLAIN", username, password}, ...).
// tlsActive must be true unless TLS enforcement has been explicitly
// disabled by the caller (spec §6: "invoked only over TLS or after
// STARTTLS unless explicitly disabled").
func (h *Hooks) OnAuth(ctx context.Context, method, username, password string, tlsActive, requireTLS bool) (*AuthResult, error) {
	if requireTLS && !tlsActive {
		return nil, ErrAuthRequiresTLS
	}
	if method != "PLAIN" {
		return nil, ErrAuthNotImplemented
	}

	user, err := h.authn.Authenticate(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return &AuthResult{UserID: user.ID, Username: user.Username}, nil
}

// DecodeSASLPlain decodes a SASL PLAIN token: base64(\0 user \0 pass).
// Spec §6: invalid byte-count or arity -> BAD Invalid SASL argument.
func DecodeSASLPlain(token string) (username, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", ErrAuthBadArgument
	}
	parts := splitNUL(raw)
	if len(parts) != 3 {
		return "", "", ErrAuthBadArgument
	}
	return parts[1], parts[2], nil
}

func splitNUL(b []byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}

// OnCopy implements onCopy(path, {destination, messages}, session, cb).
func (h *Hooks) OnCopy(ctx context.Context, userID, sourceID, destinationID int64, uids []uint32, sink mailhandler.SessionSink) (*mailhandler.MoveResult, error) {
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	_, err := h.registry.GetMailboxByID(ctx, destinationID)
	if err != nil {
		if errors.Is(err, registry.ErrMailboxNotFound) {
			return nil, mailhandler.ErrTryCreate
		}
		return nil, err
	}

	return h.handler.Move(ctx, mailhandler.MoveInput{
		UserID:        userID,
		SourceID:      sourceID,
		DestinationID: destinationID,
		UIDs:          sorted,
		Session:       sink,
	})
}

// OpenResult is onOpen's mailbox record plus ascending UID list.
type OpenResult struct {
	Mailbox *model.Mailbox
	UIDList []uint32
}

// OnOpen implements onOpen(path, session, cb): returns the mailbox
// record with a uidList array sorted ascending.
func (h *Hooks) OnOpen(ctx context.Context, userID int64, path string, listUIDs func(ctx context.Context, mailboxID int64) ([]uint32, error)) (*OpenResult, error) {
	mb, err := h.registry.GetMailbox(ctx, userID, path)
	if err != nil {
		if errors.Is(err, registry.ErrMailboxNotFound) {
			return nil, mailhandler.ErrNonexistent
		}
		return nil, err
	}

	uids, err := listUIDs(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("onOpen: list uids: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return &OpenResult{Mailbox: mb, UIDList: uids}, nil
}

// OnUnsubscribe implements onUnsubscribe.
func (h *Hooks) OnUnsubscribe(ctx context.Context, userID int64, path string) error {
	err := h.registry.SubscribeMailbox(ctx, userID, path, false)
	if errors.Is(err, registry.ErrMailboxNotFound) {
		return mailhandler.ErrNonexistent
	}
	return err
}

// QuotaRoot is onGetQuotaRoot's {root, quota, storageUsed} response.
type QuotaRoot struct {
	Root        string
	Quota       int64
	StorageUsed int64
}

// OnGetQuotaRoot implements onGetQuotaRoot: {root:"", quota, storageUsed:max(0, storageUsed)}.
func (h *Hooks) OnGetQuotaRoot(ctx context.Context, user *auth.User) *QuotaRoot {
	used := user.UsedBytes
	if used < 0 {
		used = 0
	}
	return &QuotaRoot{Root: "", Quota: user.QuotaBytes, StorageUsed: used}
}

// imapSink is a reference SessionSink implementation: a live session's
// output stream plus its selected mailbox, matching the IMAP wire
// layer's view of "the object the wire layer calls" (spec §6). It is
// deliberately transport-agnostic (stdout-style Write funcs) since the
// wire parser itself is out of scope.
type imapSink struct {
	id              string
	mu              sync.RWMutex
	selectedMailbox int64
	hasSelection    bool
	writeExists     func(uid uint32) error
	writeExpunge    func(uid uint32) error
	closed          atomic.Bool
}

// NewSessionSink builds a mailhandler.SessionSink bound to a live
// session's frame writers.
func NewSessionSink(id string, writeExists, writeExpunge func(uid uint32) error) mailhandler.SessionSink {
	return &imapSink{id: id, writeExists: writeExists, writeExpunge: writeExpunge}
}

func (s *imapSink) SessionID() string { return s.id }

func (s *imapSink) SelectedMailboxID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedMailbox, s.hasSelection
}

// Select records the session's currently selected mailbox; called by
// the wire layer on SELECT/EXAMINE.
func (s *imapSink) Select(mailboxID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedMailbox = mailboxID
	s.hasSelection = true
}

func (s *imapSink) WriteExists(uid uint32) error {
	if s.closed.Load() {
		return nil
	}
	return s.writeExists(uid)
}

func (s *imapSink) WriteExpunge(uid uint32) error {
	if s.closed.Load() {
		return nil
	}
	return s.writeExpunge(uid)
}
