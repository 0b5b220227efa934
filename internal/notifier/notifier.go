// Package notifier implements the Notifier: it appends journal
// entries to durable store, publishes pokes on a cross-process bus,
// and serves local session listeners (spec §4.8).
//
// The session-scoped fanout (subscribe/unsubscribe/origin-suppressed
// delivery) is grounded on the teacher's internal/imap/updates.go
// UpdateHub. Cross-process wakeup is grounded on the teacher's
// internal/queue/redis.go RedisQueue, repurposed here from an outbound
// delivery queue into a lightweight pub/sub poke bus — go-redis was
// already a direct teacher dependency and spec §4.8's fire() contract
// is exactly a "publish a poke, subscribers wake and tail the journal"
// primitive go-redis's PubSub API expresses directly.
package notifier

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailcore/imapcore/internal/counter"
	"github.com/mailcore/imapcore/internal/logging"
	"github.com/mailcore/imapcore/internal/metrics"
	"github.com/mailcore/imapcore/internal/model"
)

func unseenCounterKey(mailboxID int64) string {
	return fmt.Sprintf("unseen:%d", mailboxID)
}

func busChannel(userID int64) string {
	return fmt.Sprintf("mailcore:notify:user:%d", userID)
}

// listenerState tracks one session's subscription.
type listenerState struct {
	ch        chan model.JournalEntry
	sessionID string
	closed    atomic.Bool
}

// Notifier owns the journal table and both the local and cross-process
// fanout paths.
type Notifier struct {
	db      *sql.DB
	redis   *redis.Client
	log     *logging.Logger
	counter *counter.Service

	mu        sync.RWMutex
	listeners map[int64]map[chan model.JournalEntry]*listenerState // userID -> chan -> state

	droppedUpdates int64
}

// New creates a Notifier. unseenTTL bounds how long a mailbox's cached
// unseen count (backing the SSE COUNTERS event) survives without a
// touching journal entry before the Counter Service's sweep evicts it
// and a fresh count must be recomputed from the store.
func New(db *sql.DB, redisClient *redis.Client, log *logging.Logger, unseenTTL time.Duration) *Notifier {
	return &Notifier{
		db:        db,
		redis:     redisClient,
		log:       log.Notifier(),
		counter:   counter.New(unseenTTL),
		listeners: make(map[int64]map[chan model.JournalEntry]*listenerState),
	}
}

// Close releases the notifier's background resources (the Counter
// Service's sweep goroutine).
func (n *Notifier) Close() {
	n.counter.Close()
}

// AddEntries appends one or more journal entries under (user, mailbox)
// scope, persisting durably so SSE resumers can replay, then delivers
// each to local listeners (respecting origin suppression). It does not
// publish a cross-process poke; callers call Fire for that.
func (n *Notifier) AddEntries(ctx context.Context, userID int64, entries []model.JournalEntry) ([]int64, error) {
	ids := make([]int64, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		e.UserID = userID
		flagsStr := joinFlags(e.Flags)
		res, err := n.db.ExecContext(ctx, `
			INSERT INTO journal (user_id, mailbox_id, command, uid, message_id, modseq, unseen, flags, ignore_sid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, userID, e.MailboxID, string(e.Command), e.UID, e.MessageID, e.Modseq, e.Unseen, flagsStr, e.Ignore)
		if err != nil {
			return nil, fmt.Errorf("append journal entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("append journal entry: last insert id: %w", err)
		}
		e.ID = id
		ids = append(ids, id)
		metrics.JournalEntriesAppended.WithLabelValues(string(e.Command)).Inc()

		if e.Command == model.JournalExists || e.Command == model.JournalExpunge || e.Command == model.JournalFetch {
			n.counter.Reset(unseenCounterKey(e.MailboxID))
		}

		n.deliverLocal(userID, *e)
	}
	return ids, nil
}

// UnseenCount returns mailboxID's current unseen message count, backed
// by the Counter Service as a TTL cache over the messages table: a
// cached value survives until an EXISTS/EXPUNGE/FETCH entry for that
// mailbox invalidates it (AddEntries) or the TTL sweep evicts it,
// whichever comes first.
func (n *Notifier) UnseenCount(ctx context.Context, mailboxID int64) (int64, error) {
	key := unseenCounterKey(mailboxID)
	if v := n.counter.Get(key); v > 0 {
		return v, nil
	}

	var count int64
	if err := n.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND unseen = 1`, mailboxID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("unseen count: %w", err)
	}

	n.counter.Reset(key)
	if count > 0 {
		n.counter.Incr(key, count)
	}
	return count, nil
}

// Fire publishes a lightweight poke for (user, path) on the
// cross-process bus; ListenBus subscribers run their wake callback. Best
// effort: publish failures are logged, never bubbled, per spec §7
// ("Notifier errors are best-effort logged, never bubbled").
func (n *Notifier) Fire(ctx context.Context, userID int64, path string) {
	if n.redis == nil {
		return
	}
	if err := n.redis.Publish(ctx, busChannel(userID), path).Err(); err != nil {
		n.log.WarnContext(ctx, "fire publish failed", "user_id", userID, "err", err)
		metrics.NotifierFirePublishFailed.Inc()
	}
}

// AddListener registers a session-scoped subscription for userID and
// returns the channel entries are delivered on plus an unsubscribe
// function.
func (n *Notifier) AddListener(userID int64, sessionID string) (<-chan model.JournalEntry, func()) {
	ch := make(chan model.JournalEntry, 1000)
	state := &listenerState{ch: ch, sessionID: sessionID}

	n.mu.Lock()
	if n.listeners[userID] == nil {
		n.listeners[userID] = make(map[chan model.JournalEntry]*listenerState)
	}
	n.listeners[userID][ch] = state
	n.mu.Unlock()

	unsubscribe := func() {
		n.mu.Lock()
		if m, ok := n.listeners[userID]; ok {
			if _, exists := m[ch]; exists {
				state.closed.Store(true)
				delete(m, ch)
				if len(m) == 0 {
					delete(n.listeners, userID)
				}
			}
		}
		n.mu.Unlock()
		close(ch)
	}

	return ch, unsubscribe
}

// deliverLocal fans an entry out to every listener of userID except
// the one whose session id equals entry.Ignore (origin suppression,
// spec §4.8/§8 invariant 6).
func (n *Notifier) deliverLocal(userID int64, entry model.JournalEntry) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch, state := range n.listeners[userID] {
		if state.closed.Load() {
			continue
		}
		if entry.Ignore != "" && state.sessionID == entry.Ignore {
			continue
		}
		select {
		case ch <- entry:
		default:
			atomic.AddInt64(&n.droppedUpdates, 1)
			metrics.NotifierFanoutDropped.Inc()
		}
	}
}

// ListenBus subscribes to the cross-process poke channel for userID
// and invokes wake whenever another process fires a poke for this
// user. Blocks until ctx is cancelled; intended to run in its own
// goroutine per actively-watched user (typically driven by the SSE
// handler).
func (n *Notifier) ListenBus(ctx context.Context, userID int64, wake func()) error {
	if n.redis == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := n.redis.Subscribe(ctx, busChannel(userID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			wake()
		}
	}
}

// DroppedUpdates returns how many local deliveries were dropped due to
// a full listener channel (diagnostic only, exposed via metrics).
func (n *Notifier) DroppedUpdates() int64 {
	return atomic.LoadInt64(&n.droppedUpdates)
}

func joinFlags(flags []model.Flag) string {
	if len(flags) == 0 {
		return ""
	}
	out := make([]byte, 0, 32)
	for i, f := range flags {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, []byte(f)...)
	}
	return string(out)
}
