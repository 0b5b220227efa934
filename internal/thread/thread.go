// Package thread implements the Thread Resolver: it computes the
// conversation-id for a new message from hashed reference chains and
// upserts the owning thread (spec §4.7).
package thread

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

const maxRefIDs = 10

var replyForwardPrefix = regexp.MustCompile(`(?i)^\s*(re|fwd)\s*:\s*|^\s*\(fwd\)\s*`)

// NormalizeSubject strips leading re:/fwd:/(fwd) prefixes repeatedly
// and collapses whitespace.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := replyForwardPrefix.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.Join(strings.Fields(s), " ")
}

// hashRef hashes a stripped reference token with SHA-1, base64-encodes
// it and strips padding.
func hashRef(ref string) string {
	sum := sha1.Sum([]byte(ref))
	return strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// ReferenceSet computes the reference-id hash set for a message's
// Message-Id, In-Reply-To, Thread-Index and References headers, per
// spec §4.7: up to one token each from Message-Id, In-Reply-To, the
// first 22 chars of Thread-Index, and the last entry of References;
// split on whitespace, strip angle brackets, hash, dedupe, cap at 10.
func ReferenceSet(messageID, inReplyTo, threadIndex, references string) []string {
	var tokens []string

	if t := firstToken(messageID); t != "" {
		tokens = append(tokens, t)
	}
	if t := firstToken(inReplyTo); t != "" {
		tokens = append(tokens, t)
	}
	if threadIndex != "" {
		ti := threadIndex
		if len(ti) > 22 {
			ti = ti[:22]
		}
		tokens = append(tokens, ti)
	}
	if refs := strings.Fields(references); len(refs) > 0 {
		tokens = append(tokens, refs[len(refs)-1])
	}

	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		stripped := angleBrackets.Replace(t)
		h := hashRef(stripped)
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
		if len(out) >= maxRefIDs {
			break
		}
	}
	return out
}

func firstToken(header string) string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Resolver upserts threads(user, subject-normalized, ids).
type Resolver struct {
	db *sql.DB
}

func New(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve computes the reference set from the message's headers,
// normalizes the subject, and upserts the owning thread: if a thread
// for (user, subject) already shares a reference id, its id set is
// extended and its id returned; otherwise a new thread is inserted.
func (r *Resolver) Resolve(ctx context.Context, userID int64, subject, messageID, inReplyTo, threadIndex, references string) (int64, error) {
	normSubject := NormalizeSubject(subject)
	refs := ReferenceSet(messageID, inReplyTo, threadIndex, references)

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, ref_ids FROM threads WHERE user_id = ? AND subject = ?", userID, normSubject)
	if err != nil {
		return 0, fmt.Errorf("resolve thread: %w", err)
	}

	type candidate struct {
		id     int64
		refIDs []string
	}
	var matched *candidate
	for rows.Next() {
		var c candidate
		var joined string
		if err := rows.Scan(&c.id, &joined); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan thread candidate: %w", err)
		}
		if joined != "" {
			c.refIDs = strings.Split(joined, ",")
		}
		if matched == nil && intersects(c.refIDs, refs) {
			matched = &c
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("resolve thread rows: %w", err)
	}
	rows.Close()

	if matched != nil {
		merged := unionDedupe(matched.refIDs, refs)
		if _, err := r.db.ExecContext(ctx,
			"UPDATE threads SET ref_ids = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			strings.Join(merged, ","), matched.id); err != nil {
			return 0, fmt.Errorf("extend thread %d: %w", matched.id, err)
		}
		return matched.id, nil
	}

	res, err := r.db.ExecContext(ctx,
		"INSERT INTO threads (user_id, subject, ref_ids) VALUES (?, ?, ?)",
		userID, normSubject, strings.Join(refs, ","))
	if err != nil {
		return 0, fmt.Errorf("insert thread: %w", err)
	}
	return res.LastInsertId()
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, x := range b {
		if set[x] {
			return true
		}
	}
	return false
}

func unionDedupe(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, x := range append(append([]string{}, a...), b...) {
		if x == "" || seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
	}
	return out
}
