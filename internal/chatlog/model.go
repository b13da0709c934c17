// Package chatlog defines the chat log domain: messages, author profiles, the
// summary and context rollup tiers, and the store contract they persist through.
package chatlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout renders UTC instants with an explicit zone marker.
const TimestampLayout = "2006-01-02T15:04:05Z"

var (
	// ErrInvalidMessageID indicates a non-positive transport message identifier.
	ErrInvalidMessageID = errors.New("chatlog: invalid message id")
	// ErrEmptyText indicates a message without text content.
	ErrEmptyText = errors.New("chatlog: empty message text")
	// ErrInvalidAuthorID indicates a non-positive author identifier.
	ErrInvalidAuthorID = errors.New("chatlog: invalid author id")
)

// Message is one ingested chat message. Messages are immutable once stored.
type Message struct {
	ID        int64
	AuthorID  int64
	Text      string
	Timestamp time.Time
}

// Qualifying reports whether the message participates in rollups.
func (m Message) Qualifying() bool {
	return m.Text != ""
}

// Validate checks the invariants required before a message is stored.
func (m Message) Validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMessageID, m.ID)
	}
	if m.AuthorID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAuthorID, m.AuthorID)
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// UserProfile is one version of an author's profile. The version with the
// greatest LastSeen is the current one.
type UserProfile struct {
	AuthorID  int64
	Username  string
	FirstName string
	LastName  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// SummaryBatch rolls exactly N consecutive qualifying messages into one text.
type SummaryBatch struct {
	BatchID       int64
	FromMessageID int64
	ToMessageID   int64
	FromTimestamp time.Time
	ToTimestamp   time.Time
	Text          string
	TokensIn      int64
	TokensOut     int64
}

// Context rolls exactly K consecutive summary batches into one text.
type Context struct {
	ContextID     int64
	FromBatchID   int64
	ToBatchID     int64
	FromTimestamp time.Time
	ToTimestamp   time.Time
	Text          string
	TokensIn      int64
	TokensOut     int64
}

// AuditEvent is an append-only structured record of a notable occurrence.
type AuditEvent struct {
	EventID     string
	Type        string
	PayloadJSON string
	CreatedAt   time.Time
}

// FormatTimestamp renders ts in UTC with a trailing Z.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// BatchIDFor derives the summary batch key from the last message id of the batch.
// The key is a pure function of the range; numbering is not gapless.
func BatchIDFor(lastMessageID int64, batchSize int) int64 {
	return lastMessageID / int64(batchSize)
}

// ContextIDFor derives the context key from the last batch id of the group.
func ContextIDFor(lastBatchID int64, groupSize int) int64 {
	return lastBatchID / int64(groupSize)
}
