package types

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/thoas/go-funk"
)

// AuthorKind says which side of the order thread wrote a message
type AuthorKind string

const (
	AuthorBuyer AuthorKind = "buyer"
	AuthorAdmin AuthorKind = "admin"
)

var knownAuthors = []string{string(AuthorBuyer), string(AuthorAdmin)}

// ParseAuthorKind validates a user supplied author kind
func ParseAuthorKind(s string) (AuthorKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !funk.ContainsString(knownAuthors, s) {
		return "", fmt.Errorf("unknown author kind %q, expected one of %v", s, knownAuthors)
	}
	return AuthorKind(s), nil
}

// TempIDPrefix marks ids generated locally for messages not yet confirmed by the server
const TempIDPrefix = "tmp-"

// Message is one entry of an order chat transcript
type Message struct {
	ID          string     `json:"id"`
	OrderID     int64      `json:"order_id"`
	UserID      int64      `json:"user_id,omitempty"`
	AuthorKind  AuthorKind `json:"author_kind"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	Pending     bool       `json:"pending"`
	ClientToken string     `json:"client_token,omitempty"`
}

// IsTemporary reports whether the id was generated locally
func (m Message) IsTemporary() bool {
	return IsTemporaryID(m.ID)
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

var tempSeq atomic.Uint64

// NewTempID returns a session-unique temporary id such as tmp-1718000000000000000-3
func NewTempID(now time.Time) string {
	return fmt.Sprintf("%s%d-%d", TempIDPrefix, now.UnixNano(), tempSeq.Add(1))
}

// Cursor is the created_at of the newest message accepted from the server.
// The zero value is the epoch cursor used before any message was seen.
type Cursor time.Time

func (c Cursor) Time() time.Time { return time.Time(c) }

func (c Cursor) IsZero() bool { return time.Time(c).IsZero() }

// Advance returns the later of c and t
func (c Cursor) Advance(t time.Time) Cursor {
	if t.After(time.Time(c)) {
		return Cursor(t)
	}
	return c
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "epoch"
	}
	return time.Time(c).UTC().Format(time.RFC3339Nano)
}
