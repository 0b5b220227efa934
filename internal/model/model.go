// Package model holds the data types shared across the message-store
// core: users, mailboxes, messages, threads, journal entries and
// attachment records (spec §3).
package model

import "time"

// Flag is an IMAP system or custom flag.
type Flag string

const (
	FlagSeen     Flag = `\Seen`
	FlagAnswered Flag = `\Answered`
	FlagFlagged  Flag = `\Flagged`
	FlagDeleted  Flag = `\Deleted`
	FlagDraft    Flag = `\Draft`
	FlagRecent   Flag = `\Recent`
)

// SpecialUse is an IMAP special-use mailbox attribute.
type SpecialUse string

const (
	SpecialUseNone    SpecialUse = ""
	SpecialUseInbox   SpecialUse = `\Inbox`
	SpecialUseSent    SpecialUse = `\Sent`
	SpecialUseDrafts  SpecialUse = `\Drafts`
	SpecialUseJunk    SpecialUse = `\Junk`
	SpecialUseTrash   SpecialUse = `\Trash`
	SpecialUseArchive SpecialUse = `\Archive`
)

// User is an account owning mailboxes and messages.
type User struct {
	ID          int64
	Unameview   string // normalized lookup key
	QuotaBytes  int64  // 0 = unlimited
	StorageUsed int64  // may drift negative on races, clamp at read
	PubKey      string // optional encryption collaborator key
}

// ClampedStorageUsed returns StorageUsed floored at zero for presentation.
func (u *User) ClampedStorageUsed() int64 {
	if u.StorageUsed < 0 {
		return 0
	}
	return u.StorageUsed
}

// Mailbox is a (user, path) unique folder.
//
// Invariant: for any message M in this mailbox, M.UID < UIDNext and
// M.Modseq <= ModifyIndex. UIDNext and ModifyIndex never decrease.
type Mailbox struct {
	ID          int64
	UserID      int64
	Path        string
	SpecialUse  SpecialUse
	Subscribed  bool
	UIDValidity uint32 // set once at creation, never mutated
	UIDNext     uint32 // next UID to hand out
	ModifyIndex uint64 // MODSEQ tip
	RetentionMS int64  // 0 = disabled
	CreatedAt   time.Time
}

// FlagUpdates is the caller-supplied change set for move/update
// (spec §4.5/§4.6 table). A nil pointer field means "leave unchanged".
type FlagUpdates struct {
	Seen    *bool
	Deleted *bool
	Flagged *bool
	Draft   *bool
	Expires *time.Time // nil pointer value (vs nil *time.Time) clears expiry
	HasExpires bool    // true if the caller supplied the expires key at all
}

// AnyRecognized reports whether at least one update key was set,
// the basis for the update() NothingChanged error (spec §4.6).
func (u *FlagUpdates) AnyRecognized() bool {
	if u == nil {
		return false
	}
	return u.Seen != nil || u.Deleted != nil || u.Flagged != nil || u.Draft != nil || u.HasExpires
}

// Message is keyed by (mailbox, uid).
type Message struct {
	ID            int64
	Root          int64 // ancestor id across copies; equals ID for originals
	MailboxID     int64
	UID           uint32
	Modseq        uint64
	ThreadID      int64
	Flags         []Flag
	Unseen        bool
	Flagged       bool
	Undeleted     bool
	Draft         bool
	Size          int64
	IDate         time.Time // internal date
	HDate         time.Time // parsed Date: header, falls back to IDate
	MsgID         string
	Envelope      string // opaque serialized envelope
	BodyStructure string // opaque serialized bodystructure
	AttachmentMap map[string]string // attachmentId -> storage key
	Headers       map[string]string // indexed-header projection
	Intro         string            // <=128 char preview
	Text          string
	HTML          []string
	Magic         string // per-delivery attachment refcount salt
	Searchable    bool
	Junk          bool
	Exp           bool // retention on?
	RDate         time.Time
	CreatedAt     time.Time
}

// Thread is a (user, normalized-subject) conversation bucket expanded
// by reference-id upsert (spec §4.7).
type Thread struct {
	ID        int64
	UserID    int64
	Subject   string // normalized
	RefIDs    []string
	UpdatedAt time.Time
}

// JournalCommand is a journal entry's command kind.
type JournalCommand string

const (
	JournalExists  JournalCommand = "EXISTS"
	JournalExpunge JournalCommand = "EXPUNGE"
	JournalFetch   JournalCommand = "FETCH"
	JournalCounters JournalCommand = "COUNTERS"
)

// JournalEntry is one append-only per-user log row (spec §3).
type JournalEntry struct {
	ID        int64 // journal sequence, totally orders entries per user
	UserID    int64
	MailboxID int64
	Command   JournalCommand
	UID       uint32
	MessageID int64
	Modseq    uint64
	Unseen    bool
	Flags     []Flag // carried by FETCH entries
	Ignore    string // session-id that should not re-receive this entry
	CreatedAt time.Time
}

// AttachmentRecord is keyed by (hash, magic).
//
// Invariant: record exists iff RefCount > 0.
type AttachmentRecord struct {
	Hash     string
	Magic    string
	RefCount int64
}
