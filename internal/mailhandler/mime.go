package mailhandler

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/mailcore/imapcore/internal/attachstore"
)

// Derived-field budgets (spec §4.2): text is LF-normalized and capped
// at MaxPlaintextContent; html parts are truncated cumulatively by
// byte length at MaxHTMLContent, entries beyond the budget dropped
// rather than kept empty; intro is the first <=128 chars of
// whitespace-collapsed text, ellipsis-suffixed on truncation.
const (
	MaxPlaintextContent = 64 * 1024
	MaxHTMLContent      = 256 * 1024
	maxIntroLen         = 128
	maxHeaderValueBytes = 880
	headerValueBackoff  = 4
	maxHeaderKeyBytes   = 255
)

var indexedHeaderKeys = map[string]bool{
	"to": true, "cc": true, "subject": true, "from": true,
	"sender": true, "reply-to": true, "message-id": true, "thread-index": true,
}

// PreparedAttachment is one MIME attachment body with its derived
// content hash, ready for the Attachment Store.
type PreparedAttachment struct {
	ID   string
	Hash string
	Data []byte
}

// Prepared is the {mimeTree, size, bodystructure, envelope, headers,
// text, html, attachments, magic} bundle spec §4.2 step 1 describes,
// either produced by an external MIME indexer or, in this standalone
// build, by ParseMessage below.
type Prepared struct {
	Raw           []byte
	Size          int64
	Envelope      string
	BodyStructure string
	Headers       map[string]string
	Text          string
	HTML          []string
	Intro         string
	Attachments   []PreparedAttachment
	AttachmentMap map[string]string // attachmentId -> storage key (hash)
	Magic         string
	MsgID         string
	Subject       string
	InReplyTo     string
	ThreadIndex   string
	References    string
	IDate         time.Time
	HDate         time.Time
}

// ParseMessage parses raw RFC 5322 bytes into a Prepared bundle. now
// supplies idate and the magic salt basis; hdate falls back to idate
// when the Date header is absent or unparsable.
func ParseMessage(raw []byte, now time.Time) (*Prepared, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	p := &Prepared{
		Raw:           raw,
		Size:          int64(len(raw)),
		Headers:       make(map[string]string),
		AttachmentMap: make(map[string]string),
		IDate:         now,
	}

	header := mr.Header
	if msgID, err := header.MessageID(); err == nil && msgID != "" {
		p.MsgID = "<" + msgID + ">"
	} else {
		p.MsgID = "<" + uuid.NewString() + "@generated>"
	}
	if subj, err := header.Subject(); err == nil {
		p.Subject = subj
	}
	if date, err := header.Date(); err == nil {
		p.HDate = date
	} else {
		p.HDate = now
	}
	p.InReplyTo = firstHeaderValue(header.Header, "In-Reply-To")
	p.ThreadIndex = firstHeaderValue(header.Header, "Thread-Index")
	p.References = firstHeaderValue(header.Header, "References")

	for key := range indexedHeaderKeys {
		canon := canonicalHeaderKey(key)
		if v := firstHeaderValue(header.Header, canon); v != "" {
			p.Headers[capHeaderKey(key)] = capHeaderValue(v)
		}
	}

	p.Envelope = buildEnvelope(header)

	var textParts []string
	var bodyStructParts []string
	magicSeed := fmt.Sprintf("%s|%d", p.MsgID, now.UnixNano())
	magicSum := sha1.Sum([]byte(magicSeed))
	p.Magic = hex.EncodeToString(magicSum[:8])

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			data, _ := io.ReadAll(part.Body)
			bodyStructParts = append(bodyStructParts, contentType)
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textParts = append(textParts, string(data))
			case strings.HasPrefix(contentType, "text/html"):
				p.HTML = appendHTMLTruncated(p.HTML, string(data))
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			data, _ := io.ReadAll(part.Body)
			hash := attachstore.Hash(data)
			id := filename
			if id == "" {
				id = hash
			}
			p.Attachments = append(p.Attachments, PreparedAttachment{ID: id, Hash: hash, Data: data})
			p.AttachmentMap[id] = hash
			bodyStructParts = append(bodyStructParts, "attachment:"+filename)
		}
	}

	p.Text = normalizeText(strings.Join(textParts, "\n"))
	p.Intro = buildIntro(p.Text)
	p.BodyStructure = strings.Join(bodyStructParts, ";")

	return p, nil
}

func canonicalHeaderKey(lower string) string {
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

func firstHeaderValue(h interface{ Get(string) string }, key string) string {
	return strings.TrimSpace(h.Get(key))
}

func capHeaderKey(key string) string {
	if len(key) <= maxHeaderKeyBytes {
		return key
	}
	return key[:maxHeaderKeyBytes]
}

// capHeaderValue caps a header value at maxHeaderValueBytes, backing
// off headerValueBackoff bytes from the limit to avoid splitting a
// multi-byte UTF-8 rune.
func capHeaderValue(v string) string {
	if len(v) <= maxHeaderValueBytes {
		return v
	}
	limit := maxHeaderValueBytes - headerValueBackoff
	for limit > 0 && !utf8.RuneStart(v[limit]) {
		limit--
	}
	return v[:limit]
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	if len(s) > MaxPlaintextContent {
		s = s[:MaxPlaintextContent]
	}
	return s
}

// appendHTMLTruncated appends an html part, truncating (and dropping
// parts beyond the budget entirely, not retaining an empty string)
// once the cumulative byte length would exceed MaxHTMLContent.
func appendHTMLTruncated(parts []string, next string) []string {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total >= MaxHTMLContent {
		return parts
	}
	remaining := MaxHTMLContent - total
	if len(next) > remaining {
		next = next[:remaining]
	}
	if next == "" {
		return parts
	}
	return append(parts, next)
}

func buildIntro(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if len(collapsed) <= maxIntroLen {
		return collapsed
	}
	cut := collapsed[:maxIntroLen]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}

func buildEnvelope(header mail.Header) string {
	from, _ := header.AddressList("From")
	to, _ := header.AddressList("To")
	subj, _ := header.Subject()

	var b strings.Builder
	fmt.Fprintf(&b, "from=%s;to=%s;subject=%s", joinAddrs(from), joinAddrs(to), subj)
	return b.String()
}

func joinAddrs(addrs []*mail.Address) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
