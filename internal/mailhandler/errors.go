package mailhandler

import "errors"

// Error taxonomy from spec §7.
var (
	// ErrTryCreate means the target mailbox could not be resolved or
	// a slot could not be reserved; callers report IMAP TRYCREATE.
	ErrTryCreate = errors.New("mailhandler: mailbox missing, TRYCREATE")
	// ErrNonexistent means the target mailbox does not exist at all;
	// callers report IMAP NONEXISTENT.
	ErrNonexistent = errors.New("mailhandler: mailbox nonexistent")
	// ErrQuotaExceeded is raised by an external quota check before
	// insert; the core itself does not enforce quota.
	ErrQuotaExceeded = errors.New("mailhandler: quota exceeded")
	// ErrNothingChanged is returned by update() when no recognized
	// change keys were supplied.
	ErrNothingChanged = errors.New("mailhandler: nothing changed")
)
