package chatlog

import (
	"context"
	"time"
)

// Frontier marks the coverage boundary a tier has reached. When Inclusive is
// set the boundary itself is not yet covered. A keyed frontier compares the
// next tier's key (batch_id or message_id) against Key instead of its
// timestamp, so rows sharing the boundary instant are not lost.
type Frontier struct {
	At        time.Time
	Key       int64
	Keyed     bool
	Inclusive bool
}

// AfterKey returns a frontier admitting only rows keyed above key.
func AfterKey(key int64) Frontier {
	return Frontier{Key: key, Keyed: true}
}

// FromKey returns a frontier admitting rows keyed at or above key.
func FromKey(key int64) Frontier {
	return Frontier{Key: key, Keyed: true, Inclusive: true}
}

// Store is the ordered, append-only persistence contract shared by all backends.
// Messages, summaries and contexts are never updated in place.
type Store interface {
	MessageStore
	ProfileStore
	RollupStore
	AuditStore
}

// MessageStore covers raw message ingestion and range scans.
type MessageStore interface {
	InsertMessage(ctx context.Context, message Message) error
	// MessagesAfter returns up to limit qualifying messages with id > afterID, ascending.
	MessagesAfter(ctx context.Context, afterID int64, limit int) ([]Message, error)
	// MessagesInWindow returns qualifying messages with id in (max_id-n, max_id], ascending.
	MessagesInWindow(ctx context.Context, n int) ([]Message, error)
	// MessagesMatching returns the most recent limit qualifying messages whose text
	// contains query (case-insensitive) within the last window ids, ascending.
	MessagesMatching(ctx context.Context, query string, window int, limit int) ([]Message, error)
	// OldestTimestampInWindow returns the oldest qualifying timestamp within the last n ids.
	OldestTimestampInWindow(ctx context.Context, n int) (time.Time, bool, error)
	// RawTail returns the most recent limit qualifying messages past the frontier
	// (sent_at, or message_id when keyed), ascending.
	RawTail(ctx context.Context, after Frontier, limit int) ([]Message, error)
	MaxMessageID(ctx context.Context) (int64, bool, error)
}

// ProfileStore covers the versioned author profile rows.
type ProfileStore interface {
	InsertUserVersion(ctx context.Context, profile UserProfile) error
	// LatestProfiles returns the version with the greatest LastSeen for each known id.
	LatestProfiles(ctx context.Context, authorIDs []int64) (map[int64]UserProfile, error)
	EarliestFirstSeen(ctx context.Context, authorID int64) (time.Time, bool, error)
}

// RollupStore covers the summary and context tiers and their watermarks.
type RollupStore interface {
	InsertSummary(ctx context.Context, batch SummaryBatch) error
	InsertContext(ctx context.Context, rollup Context) error
	// SummariesAfter returns up to limit batches with batch_id > afterBatchID, ascending.
	SummariesAfter(ctx context.Context, afterBatchID int64, limit int) ([]SummaryBatch, error)
	// SummariesSince returns batches past the frontier (from_ts, or batch_id when keyed), ascending.
	SummariesSince(ctx context.Context, after Frontier) ([]SummaryBatch, error)
	// ContextsSince returns contexts with to_ts >= since, ascending.
	ContextsSince(ctx context.Context, since time.Time) ([]Context, error)
	// RecentSummaries returns the latest limit batches, ascending.
	RecentSummaries(ctx context.Context, limit int) ([]SummaryBatch, error)
	// RecentContexts returns the latest limit contexts, ascending.
	RecentContexts(ctx context.Context, limit int) ([]Context, error)
	// LastSummarizedMessageID is max(to_message_id) over summaries.
	LastSummarizedMessageID(ctx context.Context) (int64, bool, error)
	// LastContextBatchID is max(to_batch_id) over contexts.
	LastContextBatchID(ctx context.Context) (int64, bool, error)
	MaxSummaryBatchID(ctx context.Context) (int64, bool, error)
	MaxContextID(ctx context.Context) (int64, bool, error)
	// CountMessagesAfter counts qualifying messages with id > afterID.
	CountMessagesAfter(ctx context.Context, afterID int64) (int64, error)
}

// AuditStore is the append-only event sink.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, event AuditEvent) error
}
