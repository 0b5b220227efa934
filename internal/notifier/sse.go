package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/model"
)

const (
	idleCommentInterval = 15 * time.Second
	idleTimeout         = 30 * time.Minute
)

// sseEvent mirrors the wire payload described in spec §6: omits _id,
// ignore, user, modseq, unseenChange, created; omits unseen unless
// command == "COUNTERS".
type sseEvent struct {
	Command   model.JournalCommand `json:"command"`
	MailboxID int64                `json:"mailbox"`
	UID       uint32               `json:"uid,omitempty"`
	MessageID int64                `json:"message,omitempty"`
	Flags     []model.Flag         `json:"flags,omitempty"`
	Unseen    *int64               `json:"unseen,omitempty"`
}

// ServeUpdates implements GET /users/:user/updates: an SSE stream that
// resumes from Last-Event-ID (header or query param), drains the
// journal in ascending id order, emits a synthetic COUNTERS event per
// touched mailbox on drain, and keeps idle connections alive with a
// comment every 15s, timing out after 30 minutes without an event.
// It subscribes to the poke bus with a no-op wake callback, so a poke
// from another process does not make the stream read the journal;
// events reach it from the initial drain and this process's local
// listeners only.
func (n *Notifier) ServeUpdates(w http.ResponseWriter, r *http.Request, userID int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastEventID := parseLastEventID(r)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	metrics.SSEClientsActive.Inc()
	defer metrics.SSEClientsActive.Dec()

	sessionID := r.URL.Query().Get("session")

	entryCh, unsubscribe := n.AddListener(userID, sessionID)
	defer unsubscribe()

	go n.ListenBus(ctx, userID, func() {})

	if err := n.drainSince(ctx, w, flusher, userID, &lastEventID); err != nil {
		return
	}

	ticker := time.NewTicker(idleCommentInterval)
	defer ticker.Stop()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()
	idleCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entryCh:
			if !ok {
				return
			}
			if entry.ID <= lastEventID {
				continue
			}
			if err := writeEvent(w, entry); err != nil {
				return
			}
			lastEventID = entry.ID
			flusher.Flush()
			idleCount = 0
			idleTimer.Reset(idleTimeout)
		case <-idleTimer.C:
			return
		case <-ticker.C:
			idleCount++
			if _, err := fmt.Fprintf(w, ": idling %d\n\n", idleCount); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("Last-Event-ID")
	}
	id, _ := strconv.ParseInt(raw, 10, 64)
	return id
}

// drainSince emits every journal entry with id > *lastEventID in
// ascending order, then one COUNTERS event per mailbox touched by an
// EXISTS/EXPUNGE/unseen-changing FETCH entry (spec §4.8/S5).
func (n *Notifier) drainSince(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, userID int64, lastEventID *int64) error {
	rows, err := n.db.QueryContext(ctx, `
		SELECT id, mailbox_id, command, uid, message_id, modseq, unseen, flags, ignore_sid
		FROM journal WHERE user_id = ? AND id > ? ORDER BY id ASC
	`, userID, *lastEventID)
	if err != nil {
		return fmt.Errorf("drain journal: %w", err)
	}
	defer rows.Close()

	touched := make(map[int64]bool)
	for rows.Next() {
		var e model.JournalEntry
		var command, flagsStr, ignore string
		if err := rows.Scan(&e.ID, &e.MailboxID, &command, &e.UID, &e.MessageID, &e.Modseq, &e.Unseen, &flagsStr, &ignore); err != nil {
			return fmt.Errorf("scan journal entry: %w", err)
		}
		e.Command = model.JournalCommand(command)
		e.Ignore = ignore
		if flagsStr != "" {
			e.Flags = splitFlags(flagsStr)
		}

		if err := writeEvent(w, e); err != nil {
			return err
		}
		*lastEventID = e.ID

		switch e.Command {
		case model.JournalExists, model.JournalExpunge:
			touched[e.MailboxID] = true
		case model.JournalFetch:
			if unseenFetchDirties(e) {
				touched[e.MailboxID] = true
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("drain journal rows: %w", err)
	}

	for mailboxID := range touched {
		if err := n.writeCounters(ctx, w, mailboxID); err != nil {
			return err
		}
	}
	flusher.Flush()
	return nil
}

// unseenFetchDirties reports whether a FETCH entry changed the unseen
// bit for its message, which per spec is one of the triggers for a
// COUNTERS refresh.
func unseenFetchDirties(e model.JournalEntry) bool {
	for _, f := range e.Flags {
		if f == model.FlagSeen {
			return true
		}
	}
	return false
}

func writeEvent(w http.ResponseWriter, e model.JournalEntry) error {
	evt := sseEvent{
		Command:   e.Command,
		MailboxID: e.MailboxID,
		UID:       e.UID,
		MessageID: e.MessageID,
		Flags:     e.Flags,
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.ID, payload)
	return err
}

func (n *Notifier) writeCounters(ctx context.Context, w http.ResponseWriter, mailboxID int64) error {
	unseen, err := n.UnseenCount(ctx, mailboxID)
	if err != nil {
		return err
	}
	evt := sseEvent{Command: model.JournalCounters, MailboxID: mailboxID, Unseen: &unseen}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal counters event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

func splitFlags(s string) []model.Flag {
	var out []model.Flag
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, model.Flag(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}
