package clickhouse

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Timestamps are Int64 unix microseconds, matching the SQL backends.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id Int64,
		author_id Int64,
		text String CODEC(ZSTD(3)),
		sent_at_us Int64 CODEC(DoubleDelta, LZ4)
	) ENGINE = ReplacingMergeTree
	ORDER BY message_id`,
	`CREATE TABLE IF NOT EXISTS chat_users (
		author_id Int64,
		username String,
		first_name String,
		last_name String,
		first_seen_us Int64,
		last_seen_us Int64
	) ENGINE = MergeTree
	ORDER BY (author_id, last_seen_us)`,
	`CREATE TABLE IF NOT EXISTS chat_summaries (
		batch_id Int64,
		from_message_id Int64,
		to_message_id Int64,
		from_ts_us Int64,
		to_ts_us Int64,
		text String CODEC(ZSTD(3)),
		tokens_in Int64,
		tokens_out Int64
	) ENGINE = ReplacingMergeTree
	ORDER BY batch_id`,
	`CREATE TABLE IF NOT EXISTS chat_contexts (
		context_id Int64,
		from_batch_id Int64,
		to_batch_id Int64,
		from_ts_us Int64,
		to_ts_us Int64,
		text String CODEC(ZSTD(3)),
		tokens_in Int64,
		tokens_out Int64
	) ENGINE = ReplacingMergeTree
	ORDER BY context_id`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		event_id String,
		event_type LowCardinality(String),
		payload_json String CODEC(ZSTD(3)),
		created_at_us Int64 CODEC(DoubleDelta, LZ4)
	) ENGINE = MergeTree
	ORDER BY (created_at_us, event_id)`,
}

// Migrate creates the chat log tables when they do not exist.
func Migrate(ctx context.Context, conn driver.Conn) error {
	for _, statement := range schemaStatements {
		if err := conn.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}
