package imapfront

import (
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailcore/imapcore/internal/mailhandler"
	"github.com/mailcore/imapcore/internal/registry"
)

func TestMatchMailboxPattern(t *testing.T) {
	cases := []struct {
		name, pattern string
		want          bool
	}{
		{"INBOX", "INBOX", true},
		{"inbox", "INBOX", true},
		{"INBOX/Sent", "INBOX/*", true},
		{"Archive", "INBOX/*", false},
		{"", "", true},
	}
	for _, c := range cases {
		if got := matchMailboxPattern(c.name, c.pattern); got != c.want {
			t.Errorf("matchMailboxPattern(%q, %q) = %v, want %v", c.name, c.pattern, got, c.want)
		}
	}
}

func TestSplitImapFlags(t *testing.T) {
	if got := splitImapFlags(""); got != nil {
		t.Errorf("splitImapFlags(\"\") = %v, want nil", got)
	}
	got := splitImapFlags("\\Seen,\\Flagged")
	if len(got) != 2 || got[0] != imap.Flag("\\Seen") || got[1] != imap.Flag("\\Flagged") {
		t.Errorf("splitImapFlags = %v, want [\\Seen \\Flagged]", got)
	}
}

func TestNumSetContains(t *testing.T) {
	uidSet := imap.UIDSetNum(5, 10)
	if !numSetContains(uidSet, 1, 5) {
		t.Error("expected uid 5 to be contained in UIDSet")
	}
	if numSetContains(uidSet, 1, 6) {
		t.Error("expected uid 6 to not be contained in UIDSet")
	}

	seqSet := imap.SeqSetNum(1, 2)
	if !numSetContains(seqSet, 1, 99) {
		t.Error("expected seq 1 to be contained in SeqSet")
	}
	if numSetContains(seqSet, 3, 99) {
		t.Error("expected seq 3 to not be contained in SeqSet")
	}
}

func TestStoreFlagsToUpdates_Add(t *testing.T) {
	flags := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagSeen, imap.FlagDeleted}}
	u := storeFlagsToUpdates(flags)
	if u.Seen == nil || !*u.Seen {
		t.Error("expected Seen=true")
	}
	if u.Deleted == nil || !*u.Deleted {
		t.Error("expected Deleted=true")
	}
	if u.Flagged != nil {
		t.Error("expected Flagged untouched")
	}
}

func TestStoreFlagsToUpdates_Remove(t *testing.T) {
	flags := &imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: []imap.Flag{imap.FlagFlagged}}
	u := storeFlagsToUpdates(flags)
	if u.Flagged == nil || *u.Flagged {
		t.Error("expected Flagged=false for a delete op")
	}
}

func TestMatchesCriteria_NilAlwaysMatches(t *testing.T) {
	if !matchesCriteria(fetchRow{}, nil) {
		t.Error("nil criteria should always match")
	}
}

func TestMatchesCriteria_FlagAndNotFlag(t *testing.T) {
	row := fetchRow{flags: "\\Seen"}
	mustHave := &imap.SearchCriteria{Flag: []imap.Flag{imap.FlagSeen}}
	if !matchesCriteria(row, mustHave) {
		t.Error("expected row with \\Seen to match Flag criteria")
	}

	mustNotHave := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	if matchesCriteria(row, mustNotHave) {
		t.Error("expected row with \\Seen to fail NotFlag criteria")
	}
}

func TestMatchesCriteria_SinceBefore(t *testing.T) {
	row := fetchRow{hdate: "2026-01-15T12:00:00Z"}
	since := &imap.SearchCriteria{Since: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if !matchesCriteria(row, since) {
		t.Error("expected row dated after Since to match")
	}

	before := &imap.SearchCriteria{Before: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	if matchesCriteria(row, before) {
		t.Error("expected row dated after Before to not match")
	}
}

func TestTranslateErr_MapsKnownSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want imap.ResponseCode
	}{
		{"try create", mailhandler.ErrTryCreate, imap.ResponseCodeTryCreate},
		{"nonexistent", mailhandler.ErrNonexistent, imap.ResponseCodeNonExistent},
		{"mailbox missing", registry.ErrMailboxMissing, imap.ResponseCodeTryCreate},
	}
	for _, c := range cases {
		got := translateErr(c.err)
		imapErr, ok := got.(*imap.Error)
		if !ok {
			t.Errorf("%s: translateErr returned %T, want *imap.Error", c.name, got)
			continue
		}
		if imapErr.Code != c.want {
			t.Errorf("%s: Code = %v, want %v", c.name, imapErr.Code, c.want)
		}
	}
}

func TestTranslateErr_NothingChangedBecomesNil(t *testing.T) {
	if got := translateErr(mailhandler.ErrNothingChanged); got != nil {
		t.Errorf("translateErr(ErrNothingChanged) = %v, want nil", got)
	}
}

func TestTranslateErr_UnknownPassesThrough(t *testing.T) {
	custom := errors.New("some other failure")
	if got := translateErr(custom); got != custom {
		t.Errorf("translateErr should pass unknown errors through unchanged, got %v", got)
	}
}
