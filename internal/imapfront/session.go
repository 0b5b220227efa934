package imapfront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"

	"github.com/mailcore/imapcore/internal/auth"
	"github.com/mailcore/imapcore/internal/mailhandler"
	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/model"
	"github.com/mailcore/imapcore/internal/registry"
	"github.com/mailcore/imapcore/internal/session"
)

// Session implements imapserver.Session, grounded on the teacher's
// internal/imap/session.go command set and on the sora other_examples
// Append/Move files for go-imap/v2 semantics the teacher's v1-era file
// never exercised (UIDPLUS, SessionTracker seq decoding).
type Session struct {
	srv  *Server
	conn *imapserver.Conn

	mu       sync.RWMutex
	user     *auth.User
	selected *model.Mailbox
	tracker  *imapserver.SessionTracker
	sinkID   string
}

func newSession(srv *Server, conn *imapserver.Conn) *Session {
	return &Session{srv: srv, conn: conn, sinkID: fmt.Sprintf("%p", conn)}
}

func (s *Session) Close() error {
	metrics.ActiveConnections.Dec()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.Close()
		s.tracker = nil
	}
	s.user = nil
	s.selected = nil
	return nil
}

func (s *Session) requireUser() (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil, fmt.Errorf("not authenticated")
	}
	return s.user, nil
}

// Login implements plain-auth login, delegating to session.Hooks.OnAuth
// with TLS enforcement left to the connection's own state (InsecureAuth
// governs whether imapserver calls this pre-STARTTLS at all). Failed
// attempts are tracked per remote address by srv.rateLimit, guarding
// against credential-stuffing against the LOGIN command.
func (s *Session) Login(username, password string) error {
	addr := s.conn.NetConn().RemoteAddr().String()
	if s.srv.rateLimit.IsBlocked(addr) {
		return imapserver.ErrAuthFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.srv.hooks.OnAuth(ctx, "PLAIN", username, password, true, false)
	if err != nil {
		s.srv.rateLimit.RecordFailure(addr)
		return imapserver.ErrAuthFailed
	}

	user, err := s.srv.authn.LookupUserByID(ctx, res.UserID)
	if err != nil {
		s.srv.rateLimit.RecordFailure(addr)
		return imapserver.ErrAuthFailed
	}

	s.srv.rateLimit.RecordSuccess(addr)
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	return nil
}

// sink builds a mailhandler.SessionSink backed by this session's
// mailbox tracker: both WriteExists and WriteExpunge requeue the
// mailbox's current message count (spec-level "EXISTS" for IDLE
// propagation). No per-UID expunge is written from here; per-UID
// expunges go through the in-command ExpungeWriter path used by
// Expunge/Move/Copy below.
func (s *Session) sink(mailboxID int64) mailhandler.SessionSink {
	return session.NewSessionSink(s.sinkID,
		func(uid uint32) error {
			go s.requeueExists(mailboxID)
			return nil
		},
		func(uid uint32) error {
			go s.requeueExists(mailboxID)
			return nil
		},
	)
}

func (s *Session) requeueExists(mailboxID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var count uint32
	if err := s.srv.db().QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE mailbox_id = ?", mailboxID).Scan(&count); err != nil {
		s.srv.log.WarnContext(ctx, "requeue exists count failed", "mailbox_id", mailboxID, "err", err)
		return
	}
	s.srv.TrackerFor(mailboxID).QueueNumMessages(count)
}

func (s *Session) Select(name string, options *imap.SelectOptions) (data *imap.SelectData, err error) {
	defer func() { metrics.RecordIMAPCommand("SELECT", err) }()

	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mb, err := s.srv.registry.GetMailbox(ctx, user.ID, name)
	if err != nil {
		return nil, &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: "mailbox not found"}
	}

	var numMessages uint32
	if err := s.srv.db().QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE mailbox_id = ?", mb.ID).Scan(&numMessages); err != nil {
		return nil, fmt.Errorf("select: count messages: %w", err)
	}

	s.mu.Lock()
	s.selected = mb
	if s.tracker != nil {
		s.tracker.Close()
	}
	s.tracker = s.srv.TrackerFor(mb.ID).NewSession()
	s.mu.Unlock()

	return &imap.SelectData{
		Flags:          []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft},
		PermanentFlags: []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft, imap.FlagWildcard},
		NumMessages:    numMessages,
		UIDValidity:    mb.UIDValidity,
		UIDNext:        imap.UID(mb.UIDNext),
	}, nil
}

func (s *Session) Unselect() error {
	s.mu.Lock()
	s.selected = nil
	if s.tracker != nil {
		s.tracker.Close()
		s.tracker = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) Create(name string, options *imap.CreateOptions) (err error) {
	defer func() { metrics.RecordIMAPCommand("CREATE", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = s.srv.registry.CreateMailbox(ctx, user.ID, name, "")
	return err
}

func (s *Session) Delete(name string) (err error) {
	defer func() { metrics.RecordIMAPCommand("DELETE", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	if strings.EqualFold(name, "INBOX") {
		err = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "cannot delete INBOX"}
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.srv.registry.DeleteMailbox(ctx, user.ID, name)
	return err
}

func (s *Session) Rename(oldName, newName string, options *imap.RenameOptions) (err error) {
	defer func() { metrics.RecordIMAPCommand("RENAME", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	if strings.EqualFold(oldName, "INBOX") {
		err = &imap.Error{Type: imap.StatusResponseTypeNo, Text: "cannot rename INBOX"}
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.srv.registry.RenameMailbox(ctx, user.ID, oldName, newName)
	return err
}

func (s *Session) Subscribe(name string) (err error) {
	defer func() { metrics.RecordIMAPCommand("SUBSCRIBE", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.srv.registry.SubscribeMailbox(ctx, user.ID, name, true)
	return err
}

func (s *Session) Unsubscribe(name string) (err error) {
	defer func() { metrics.RecordIMAPCommand("UNSUBSCRIBE", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.srv.hooks.OnUnsubscribe(ctx, user.ID, name)
	return err
}

func (s *Session) List(w *imapserver.ListWriter, ref string, patterns []string, options *imap.ListOptions) (err error) {
	defer func() { metrics.RecordIMAPCommand("LIST", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mailboxes, err := s.srv.registry.ListMailboxes(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	for _, mb := range mailboxes {
		match := len(patterns) == 0
		for _, pattern := range patterns {
			if pattern == "*" || pattern == "%" || matchMailboxPattern(mb.Path, pattern) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if options != nil && options.SelectSubscribed && !mb.Subscribed {
			continue
		}

		var attrs []imap.MailboxAttr
		if mb.SpecialUse != "" {
			attrs = append(attrs, imap.MailboxAttr(mb.SpecialUse))
		}
		w.WriteList(&imap.ListData{Mailbox: mb.Path, Delim: '/', Attrs: attrs})
	}
	return nil
}

func matchMailboxPattern(name, pattern string) bool {
	if pattern == "" {
		return name == ""
	}
	return strings.EqualFold(name, pattern) || strings.HasPrefix(strings.ToLower(name), strings.ToLower(strings.TrimSuffix(pattern, "*")))
}

func (s *Session) Status(name string, options *imap.StatusOptions) (data *imap.StatusData, err error) {
	defer func() { metrics.RecordIMAPCommand("STATUS", err) }()

	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mb, err := s.srv.registry.GetMailbox(ctx, user.ID, name)
	if err != nil {
		return nil, &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: "mailbox not found"}
	}

	var numMessages, numUnseen uint32
	if err := s.srv.db().QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(unseen),0) FROM messages WHERE mailbox_id = ?", mb.ID).Scan(&numMessages, &numUnseen); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	return &imap.StatusData{
		Mailbox:     name,
		NumMessages: &numMessages,
		NumUnseen:   &numUnseen,
		UIDNext:     imap.UID(mb.UIDNext),
		UIDValidity: mb.UIDValidity,
	}, nil
}

func (s *Session) Append(mailbox string, r imap.LiteralReader, options *imap.AppendOptions) (data *imap.AppendData, err error) {
	defer func() { metrics.RecordIMAPCommand("APPEND", err) }()

	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mb, err := s.srv.registry.GetMailbox(ctx, user.ID, mailbox)
	if err != nil {
		return nil, &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: "mailbox not found"}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("append: read literal: %w", err)
	}

	var flags []model.Flag
	if options != nil {
		for _, f := range options.Flags {
			flags = append(flags, model.Flag(f))
		}
	}

	res, err := s.srv.handler.Add(ctx, mailhandler.AddInput{
		MailboxID:  mb.ID,
		UserID:     user.ID,
		MailboxPath: mailbox,
		Raw:        raw,
		Flags:      flags,
		Session:    s.sink(mb.ID),
	})
	if err != nil {
		return nil, translateErr(err)
	}

	return &imap.AppendData{UID: imap.UID(res.UID), UIDValidity: res.UIDValidity}, nil
}

func (s *Session) Poll(w *imapserver.UpdateWriter, allowExpunge bool) error {
	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()
	if tracker == nil {
		return nil
	}
	return tracker.Poll(w, allowExpunge)
}

func (s *Session) Idle(w *imapserver.UpdateWriter, stop <-chan struct{}) error {
	s.mu.RLock()
	tracker := s.tracker
	s.mu.RUnlock()
	if tracker == nil {
		<-stop
		return nil
	}
	return tracker.Idle(w, stop)
}

type fetchRow struct {
	id, threadID            int64
	uid                     uint32
	modseq                  int64
	flags                   string
	size                    int64
	idate, hdate            string
	envelope, bodystructure string
	text, html              string
}

func (s *Session) listSelected(ctx context.Context, mailboxID int64) ([]fetchRow, error) {
	rows, err := s.srv.db().QueryContext(ctx, `
		SELECT id, thread_id, uid, modseq, flags, size, idate, hdate, envelope, bodystructure, text, html
		FROM messages WHERE mailbox_id = ? ORDER BY uid ASC
	`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fetchRow
	for rows.Next() {
		var r fetchRow
		if err := rows.Scan(&r.id, &r.threadID, &r.uid, &r.modseq, &r.flags, &r.size, &r.idate, &r.hdate,
			&r.envelope, &r.bodystructure, &r.text, &r.html); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Session) Fetch(w *imapserver.FetchWriter, numSet imap.NumSet, options *imap.FetchOptions) (err error) {
	defer func() { metrics.RecordIMAPCommand("FETCH", err) }()

	s.mu.RLock()
	selected := s.selected
	s.mu.RUnlock()
	if selected == nil {
		return fmt.Errorf("no mailbox selected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.listSelected(ctx, selected.ID)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	for i, r := range rows {
		seqNum := uint32(i + 1)
		if !numSetContains(numSet, seqNum, r.uid) {
			continue
		}

		rw := w.CreateMessage(seqNum)
		rw.WriteUID(imap.UID(r.uid))
		if options.Flags {
			rw.WriteFlags(splitImapFlags(r.flags))
		}
		if options.RFC822Size {
			rw.WriteRFC822Size(r.size)
		}
		if options.InternalDate {
			if t, err := time.Parse(time.RFC3339, r.idate); err == nil {
				rw.WriteInternalDate(t)
			}
		}
		for _, bs := range options.BodySection {
			body := []byte(r.text)
			if bs.Specifier == imap.PartSpecifierText && r.html != "" {
				var html string
				_ = json.Unmarshal([]byte(r.html), &html)
				body = []byte(html)
			}
			bsw := rw.WriteBodySection(bs, int64(len(body)))
			_, _ = bsw.Write(body)
			bsw.Close()
		}
		rw.Close()
	}
	return nil
}

func splitImapFlags(s string) []imap.Flag {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]imap.Flag, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, imap.Flag(p))
		}
	}
	return out
}

func numSetContains(numSet imap.NumSet, seqNum, uid uint32) bool {
	switch set := numSet.(type) {
	case imap.UIDSet:
		return set.Contains(imap.UID(uid))
	case imap.SeqSet:
		return set.Contains(seqNum)
	}
	return false
}

func (s *Session) Store(w *imapserver.FetchWriter, numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) (err error) {
	defer func() { metrics.RecordIMAPCommand("STORE", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	s.mu.RLock()
	selected := s.selected
	s.mu.RUnlock()
	if selected == nil {
		return fmt.Errorf("no mailbox selected")
	}
	if flags == nil {
		return fmt.Errorf("flags cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.listSelected(ctx, selected.ID)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	updates := storeFlagsToUpdates(flags)

	var minUID, maxUID uint32
	first := true
	for i, r := range rows {
		seqNum := uint32(i + 1)
		if !numSetContains(numSet, seqNum, r.uid) {
			continue
		}
		if first {
			minUID, maxUID = r.uid, r.uid
			first = false
		} else {
			if r.uid < minUID {
				minUID = r.uid
			}
			if r.uid > maxUID {
				maxUID = r.uid
			}
		}
	}
	if first {
		return nil
	}

	if err := s.srv.handler.Update(ctx, mailhandler.UpdateInput{
		UserID: user.ID, MailboxID: selected.ID, UIDFrom: minUID, UIDTo: maxUID,
		Updates: updates, Session: s.sink(selected.ID),
	}); err != nil {
		return translateErr(err)
	}

	if !flags.Silent {
		rows, err = s.listSelected(ctx, selected.ID)
		if err == nil {
			for i, r := range rows {
				seqNum := uint32(i + 1)
				if !numSetContains(numSet, seqNum, r.uid) {
					continue
				}
				rw := w.CreateMessage(seqNum)
				rw.WriteFlags(splitImapFlags(r.flags))
				rw.Close()
			}
		}
	}

	return nil
}

func storeFlagsToUpdates(flags *imap.StoreFlags) *model.FlagUpdates {
	set := make(map[model.Flag]bool, len(flags.Flags))
	for _, f := range flags.Flags {
		set[model.Flag(f)] = true
	}
	add := flags.Op == imap.StoreFlagsAdd || flags.Op == imap.StoreFlagsSet
	boolPtr := func(v bool) *bool { return &v }

	u := &model.FlagUpdates{}
	if set[model.FlagSeen] {
		u.Seen = boolPtr(add)
	}
	if set[model.FlagDeleted] {
		u.Deleted = boolPtr(add)
	}
	if set[model.FlagFlagged] {
		u.Flagged = boolPtr(add)
	}
	if set[model.FlagDraft] {
		u.Draft = boolPtr(add)
	}
	return u
}

func (s *Session) Expunge(w *imapserver.ExpungeWriter, uids *imap.UIDSet) (err error) {
	defer func() { metrics.RecordIMAPCommand("EXPUNGE", err) }()

	user, err := s.requireUser()
	if err != nil {
		return err
	}
	s.mu.RLock()
	selected := s.selected
	s.mu.RUnlock()
	if selected == nil {
		return fmt.Errorf("no mailbox selected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.srv.db().QueryContext(ctx, `
		SELECT id, uid FROM messages WHERE mailbox_id = ? AND undeleted = FALSE ORDER BY uid ASC
	`, selected.ID)
	if err != nil {
		return fmt.Errorf("expunge: list deleted: %w", err)
	}
	type del struct {
		id  int64
		uid uint32
	}
	var deleted []del
	for rows.Next() {
		var d del
		if err := rows.Scan(&d.id, &d.uid); err != nil {
			rows.Close()
			return err
		}
		if uids == nil || uids.Contains(imap.UID(d.uid)) {
			deleted = append(deleted, d)
		}
	}
	rows.Close()

	all, err := s.listSelected(ctx, selected.ID)
	if err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	uidToSeq := make(map[uint32]uint32, len(all))
	for i, r := range all {
		uidToSeq[r.uid] = uint32(i + 1)
	}

	for _, d := range deleted {
		if err := s.srv.handler.Del(ctx, mailhandler.DelInput{
			UserID: user.ID, MessageID: d.id, MailboxID: selected.ID, Session: s.sink(selected.ID),
		}); err != nil {
			return translateErr(err)
		}
		if seq, ok := uidToSeq[d.uid]; ok {
			w.WriteExpunge(seq)
		}
	}
	return nil
}

// Copy implements IMAP COPY by delegating to the Session Ingress
// onCopy hook, which in turn runs mailhandler.Move: this store gives
// each message single-mailbox ownership, so relocating it into dest
// is the only "copy" this system does (spec §4.5/§6).
func (s *Session) Copy(numSet imap.NumSet, dest string) (data *imap.CopyData, err error) {
	defer func() { metrics.RecordIMAPCommand("COPY", err) }()

	user, err := s.requireUser()
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	selected := s.selected
	s.mu.RUnlock()
	if selected == nil {
		return nil, fmt.Errorf("no mailbox selected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	destMb, err := s.srv.registry.GetMailbox(ctx, user.ID, dest)
	if err != nil {
		return nil, &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: "destination mailbox not found"}
	}

	rows, err := s.listSelected(ctx, selected.ID)
	if err != nil {
		return nil, fmt.Errorf("copy: %w", err)
	}

	var uids []uint32
	for i, r := range rows {
		if numSetContains(numSet, uint32(i+1), r.uid) {
			uids = append(uids, r.uid)
		}
	}
	if len(uids) == 0 {
		return &imap.CopyData{UIDValidity: destMb.UIDValidity}, nil
	}

	result, err := s.srv.hooks.OnCopy(ctx, user.ID, selected.ID, destMb.ID, uids, s.sink(destMb.ID))
	if err != nil {
		return nil, translateErr(err)
	}

	return &imap.CopyData{
		UIDValidity: result.UIDValidity,
		SourceUIDs:  imap.UIDSetNum(toUIDs(result.SourceUID)...),
		DestUIDs:    imap.UIDSetNum(toUIDs(result.DestinationUID)...),
	}, nil
}

func toUIDs(in []uint32) []imap.UID {
	out := make([]imap.UID, len(in))
	for i, u := range in {
		out[i] = imap.UID(u)
	}
	return out
}

// Search implements a minimal criteria match: flag presence/absence
// and since/before, sufficient for clients that probe for unseen mail
// (spec's scope ends at storage/orchestration, not a query planner).
func (s *Session) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (data *imap.SearchData, err error) {
	defer func() { metrics.RecordIMAPCommand("SEARCH", err) }()

	s.mu.RLock()
	selected := s.selected
	s.mu.RUnlock()
	if selected == nil {
		return nil, fmt.Errorf("no mailbox selected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.listSelected(ctx, selected.ID)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	var uids []imap.UID
	var seqs []uint32
	for i, r := range rows {
		if !matchesCriteria(r, criteria) {
			continue
		}
		uids = append(uids, imap.UID(r.uid))
		seqs = append(seqs, uint32(i+1))
	}

	data = &imap.SearchData{}
	if kind == imapserver.NumKindUID {
		data.All = imap.UIDSetNum(uids...)
	} else {
		data.All = imap.SeqSetNum(seqs...)
	}
	return data, nil
}

func matchesCriteria(r fetchRow, criteria *imap.SearchCriteria) bool {
	if criteria == nil {
		return true
	}
	set := make(map[model.Flag]bool)
	for _, f := range splitImapFlags(r.flags) {
		set[model.Flag(f)] = true
	}
	for _, f := range criteria.Flag {
		if !set[model.Flag(f)] {
			return false
		}
	}
	for _, f := range criteria.NotFlag {
		if set[model.Flag(f)] {
			return false
		}
	}
	if !criteria.Since.IsZero() || !criteria.Before.IsZero() {
		t, err := time.Parse(time.RFC3339, r.hdate)
		if err != nil {
			return false
		}
		if !criteria.Since.IsZero() && t.Before(criteria.Since) {
			return false
		}
		if !criteria.Before.IsZero() && t.After(criteria.Before) {
			return false
		}
	}
	return true
}

func translateErr(err error) error {
	switch {
	case errors.Is(err, mailhandler.ErrTryCreate):
		return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: err.Error()}
	case errors.Is(err, mailhandler.ErrNonexistent):
		return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: err.Error()}
	case errors.Is(err, mailhandler.ErrQuotaExceeded):
		return &imap.Error{Type: imap.StatusResponseTypeNo, Text: err.Error()}
	case errors.Is(err, mailhandler.ErrNothingChanged):
		return nil
	case errors.Is(err, registry.ErrMailboxMissing):
		return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: err.Error()}
	case errors.Is(err, registry.ErrMailboxNotFound):
		return &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent, Text: err.Error()}
	default:
		return err
	}
}
