package notifier

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailcore/imapcore/internal/logging"
	"github.com/mailcore/imapcore/internal/model"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "notifier_test_*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	tmpFile.Close()

	db, err := sql.Open("sqlite3", tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		t.Fatalf("open database: %v", err)
	}

	schema := `
		CREATE TABLE journal (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id     INTEGER NOT NULL,
			mailbox_id  INTEGER NOT NULL,
			command     TEXT NOT NULL,
			uid         INTEGER NOT NULL DEFAULT 0,
			message_id  INTEGER NOT NULL DEFAULT 0,
			modseq      INTEGER NOT NULL DEFAULT 0,
			unseen      BOOLEAN NOT NULL DEFAULT FALSE,
			flags       TEXT NOT NULL DEFAULT '',
			ignore_sid  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			mailbox_id INTEGER NOT NULL,
			unseen     BOOLEAN NOT NULL DEFAULT TRUE
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		os.Remove(tmpFile.Name())
		t.Fatalf("create schema: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(tmpFile.Name())
	}
	return db, cleanup
}

func newTestNotifier(t *testing.T, db *sql.DB, ttl time.Duration) *Notifier {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Format: "text", Output: "stderr"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return New(db, nil, logger, ttl)
}

func TestNotifier_AddEntries_PersistsAndCounts(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	n := newTestNotifier(t, db, time.Minute)
	defer n.Close()

	ids, err := n.AddEntries(context.Background(), 1, []model.JournalEntry{
		{MailboxID: 10, Command: model.JournalExists, UID: 1, Unseen: true},
		{MailboxID: 10, Command: model.JournalExists, UID: 2, Unseen: true},
	})
	if err != nil {
		t.Fatalf("AddEntries failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 journal ids, got %d", len(ids))
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM journal WHERE user_id = 1").Scan(&count); err != nil {
		t.Fatalf("query journal: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 persisted journal rows, got %d", count)
	}
}

func TestNotifier_UnseenCount_FallsBackToStoreThenCaches(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	n := newTestNotifier(t, db, time.Minute)
	defer n.Close()

	for i := 0; i < 3; i++ {
		if _, err := db.Exec("INSERT INTO messages (mailbox_id, unseen) VALUES (7, 1)"); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	ctx := context.Background()
	count, err := n.UnseenCount(ctx, 7)
	if err != nil {
		t.Fatalf("UnseenCount failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("UnseenCount = %d, want 3", count)
	}

	// Insert a 4th unseen message without invalidating the cache: the
	// cached value must still be returned.
	if _, err := db.Exec("INSERT INTO messages (mailbox_id, unseen) VALUES (7, 1)"); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	cached, err := n.UnseenCount(ctx, 7)
	if err != nil {
		t.Fatalf("UnseenCount failed: %v", err)
	}
	if cached != 3 {
		t.Errorf("UnseenCount = %d, want 3 (stale cache should still apply)", cached)
	}
}

func TestNotifier_UnseenCount_InvalidatedByAddEntries(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	n := newTestNotifier(t, db, time.Minute)
	defer n.Close()

	if _, err := db.Exec("INSERT INTO messages (mailbox_id, unseen) VALUES (7, 1)"); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	ctx := context.Background()
	if _, err := n.UnseenCount(ctx, 7); err != nil {
		t.Fatalf("UnseenCount failed: %v", err)
	}

	if _, err := db.Exec("INSERT INTO messages (mailbox_id, unseen) VALUES (7, 1)"); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if _, err := n.AddEntries(ctx, 1, []model.JournalEntry{
		{MailboxID: 7, Command: model.JournalExists, UID: 2, Unseen: true},
	}); err != nil {
		t.Fatalf("AddEntries failed: %v", err)
	}

	count, err := n.UnseenCount(ctx, 7)
	if err != nil {
		t.Fatalf("UnseenCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("UnseenCount after invalidation = %d, want 2 (recomputed)", count)
	}
}

func TestNotifier_AddListener_DeliversAndRespectsOriginSuppression(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	n := newTestNotifier(t, db, time.Minute)
	defer n.Close()

	ch, unsubscribe := n.AddListener(1, "session-a")
	defer unsubscribe()

	ctx := context.Background()
	if _, err := n.AddEntries(ctx, 1, []model.JournalEntry{
		{MailboxID: 10, Command: model.JournalExists, UID: 1, Ignore: "session-a"},
	}); err != nil {
		t.Fatalf("AddEntries failed: %v", err)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected no delivery to the originating session, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := n.AddEntries(ctx, 1, []model.JournalEntry{
		{MailboxID: 10, Command: model.JournalExists, UID: 2, Ignore: "session-b"},
	}); err != nil {
		t.Fatalf("AddEntries failed: %v", err)
	}
	select {
	case e := <-ch:
		if e.UID != 2 {
			t.Errorf("expected delivered entry UID 2, got %d", e.UID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery for a different origin session")
	}
}

func TestNotifier_Fire_NoopWithoutRedis(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	n := newTestNotifier(t, db, time.Minute)
	defer n.Close()

	// Must not panic or block when no redis client is configured.
	n.Fire(context.Background(), 1, "INBOX")
}

func TestNotifier_AddListener_UnsubscribeStopsDelivery(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	n := newTestNotifier(t, db, time.Minute)
	defer n.Close()

	ch, unsubscribe := n.AddListener(1, "session-a")
	unsubscribe()

	if _, err := n.AddEntries(context.Background(), 1, []model.JournalEntry{
		{MailboxID: 10, Command: model.JournalExists, UID: 1},
	}); err != nil {
		t.Fatalf("AddEntries failed: %v", err)
	}

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}
