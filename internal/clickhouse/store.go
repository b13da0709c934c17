package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"go.uber.org/zap"
)

const (
	opInsertMessage     = "store.insert_message"
	opInsertUserVersion = "store.insert_user_version"
	opInsertSummary     = "store.insert_summary"
	opInsertContext     = "store.insert_context"
	opInsertAuditEvent  = "store.insert_audit_event"
	opQueryMessages     = "store.query_messages"
	opQueryProfiles     = "store.query_profiles"
	opQuerySummaries    = "store.query_summaries"
	opQueryContexts     = "store.query_contexts"
	opAggregate         = "store.aggregate"
	reasonMissingConn   = "missing_connection"
	reasonInvalidInput  = "invalid_input"
	reasonDuplicate     = "duplicate"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"

	qualifying     = "text != ''"
	messageColumns = "message_id, author_id, text, sent_at_us"
	summaryColumns = "batch_id, from_message_id, to_message_id, from_ts_us, to_ts_us, text, tokens_in, tokens_out"
	contextColumns = "context_id, from_batch_id, to_batch_id, from_ts_us, to_ts_us, text, tokens_in, tokens_out"
)

var (
	errMissingConn  = errors.New("clickhouse connection is required")
	errDuplicateKey = errors.New("row with this key already exists")
)

// StoreConfig describes the dependencies of the ClickHouse store.
type StoreConfig struct {
	Conn   driver.Conn
	Logger *zap.Logger
}

// Store implements chatlog.Store on ClickHouse. Keys are enforced by a read
// before each write, which is sufficient for the single rollup writer.
type Store struct {
	conn   driver.Conn
	logger *zap.Logger
}

var _ chatlog.Store = (*Store)(nil)

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Conn == nil {
		return nil, chatlog.NewServiceError("store.new", reasonMissingConn, errMissingConn)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{conn: cfg.Conn, logger: logger}, nil
}

// InsertMessage stores a message; redelivery of an existing id is ignored.
func (s *Store) InsertMessage(ctx context.Context, message chatlog.Message) error {
	if err := message.Validate(); err != nil {
		return chatlog.NewServiceError(opInsertMessage, reasonInvalidInput, err)
	}
	exists, err := s.exists(ctx, "chat_messages", "message_id", message.ID)
	if err != nil {
		return s.fail(opInsertMessage, reasonQueryFailed, err, zap.Int64("message_id", message.ID))
	}
	if exists {
		return nil
	}
	err = s.insert(ctx, "INSERT INTO chat_messages ("+messageColumns+")",
		message.ID, message.AuthorID, message.Text, toMicros(message.Timestamp))
	if err != nil {
		return s.fail(opInsertMessage, reasonInsertFailed, err, zap.Int64("message_id", message.ID))
	}
	return nil
}

func (s *Store) MessagesAfter(ctx context.Context, afterID int64, limit int) ([]chatlog.Message, error) {
	messages, err := s.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM chat_messages WHERE message_id > ? AND "+qualifying+
			" ORDER BY message_id ASC LIMIT ?", afterID, limit)
	if err != nil {
		return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.Int64("after_id", afterID))
	}
	return messages, nil
}

func (s *Store) MessagesInWindow(ctx context.Context, n int) ([]chatlog.Message, error) {
	maxID, ok, err := s.MaxMessageID(ctx)
	if err != nil || !ok || n <= 0 {
		return nil, err
	}
	messages, err := s.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM chat_messages WHERE message_id > ? AND message_id <= ? AND "+qualifying+
			" ORDER BY message_id ASC", maxID-int64(n), maxID)
	if err != nil {
		return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.Int("window", n))
	}
	return messages, nil
}

// MessagesMatching uses positionCaseInsensitiveUTF8 so non-ASCII text folds case too.
func (s *Store) MessagesMatching(ctx context.Context, query string, window int, limit int) ([]chatlog.Message, error) {
	needle := strings.TrimSpace(query)
	if needle == "" || window <= 0 || limit <= 0 {
		return nil, nil
	}
	maxID, ok, err := s.MaxMessageID(ctx)
	if err != nil || !ok {
		return nil, err
	}
	messages, err := s.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM chat_messages WHERE message_id > ? AND message_id <= ? AND "+qualifying+
			" AND positionCaseInsensitiveUTF8(text, ?) > 0 ORDER BY message_id DESC LIMIT ?",
		maxID-int64(window), maxID, needle, limit)
	if err != nil {
		return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.String("query", query))
	}
	reverseMessages(messages)
	return messages, nil
}

func (s *Store) OldestTimestampInWindow(ctx context.Context, n int) (time.Time, bool, error) {
	maxID, ok, err := s.MaxMessageID(ctx)
	if err != nil || !ok || n <= 0 {
		return time.Time{}, false, err
	}
	value, ok, err := s.aggregate(ctx,
		"SELECT count(), min(sent_at_us) FROM chat_messages WHERE message_id > ? AND message_id <= ? AND "+qualifying,
		maxID-int64(n), maxID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return fromMicros(value), true, nil
}

func (s *Store) RawTail(ctx context.Context, after chatlog.Frontier, limit int) ([]chatlog.Message, error) {
	condition, bound := frontierCondition("sent_at_us", "message_id", after)
	messages, err := s.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM chat_messages WHERE "+condition+" AND "+qualifying+
			" ORDER BY message_id DESC LIMIT ?", bound, limit)
	if err != nil {
		return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.Time("after", after.At), zap.Int64("after_key", after.Key))
	}
	reverseMessages(messages)
	return messages, nil
}

func (s *Store) MaxMessageID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, "SELECT count(), max(message_id) FROM chat_messages")
}

func (s *Store) CountMessagesAfter(ctx context.Context, afterID int64) (int64, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, "SELECT count() FROM chat_messages WHERE message_id > ? AND "+qualifying, afterID).Scan(&count)
	if err != nil {
		return 0, s.fail(opAggregate, reasonQueryFailed, err, zap.Int64("after_id", afterID))
	}
	return int64(count), nil
}

func (s *Store) InsertUserVersion(ctx context.Context, profile chatlog.UserProfile) error {
	if profile.AuthorID <= 0 {
		return chatlog.NewServiceError(opInsertUserVersion, reasonInvalidInput, chatlog.ErrInvalidAuthorID)
	}
	err := s.insert(ctx,
		"INSERT INTO chat_users (author_id, username, first_name, last_name, first_seen_us, last_seen_us)",
		profile.AuthorID, profile.Username, profile.FirstName, profile.LastName,
		toMicros(profile.FirstSeen), toMicros(profile.LastSeen))
	if err != nil {
		return s.fail(opInsertUserVersion, reasonInsertFailed, err, zap.Int64("author_id", profile.AuthorID))
	}
	return nil
}

// LatestProfiles picks each author's row with the greatest last_seen via argMax.
func (s *Store) LatestProfiles(ctx context.Context, authorIDs []int64) (map[int64]chatlog.UserProfile, error) {
	profiles := make(map[int64]chatlog.UserProfile, len(authorIDs))
	if len(authorIDs) == 0 {
		return profiles, nil
	}
	rows, err := s.conn.Query(ctx,
		"SELECT author_id,"+
			" argMax(username, last_seen_us), argMax(first_name, last_seen_us), argMax(last_name, last_seen_us),"+
			" argMax(first_seen_us, last_seen_us), max(last_seen_us)"+
			" FROM chat_users WHERE author_id IN ("+joinIDs(authorIDs)+") GROUP BY author_id")
	if err != nil {
		return nil, s.fail(opQueryProfiles, reasonQueryFailed, err, zap.Int("author_count", len(authorIDs)))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			profile             chatlog.UserProfile
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&profile.AuthorID, &profile.Username, &profile.FirstName, &profile.LastName, &firstSeen, &lastSeen); err != nil {
			return nil, s.fail(opQueryProfiles, reasonQueryFailed, err)
		}
		profile.FirstSeen = fromMicros(firstSeen)
		profile.LastSeen = fromMicros(lastSeen)
		profiles[profile.AuthorID] = profile
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(opQueryProfiles, reasonQueryFailed, err)
	}
	return profiles, nil
}

func (s *Store) EarliestFirstSeen(ctx context.Context, authorID int64) (time.Time, bool, error) {
	value, ok, err := s.aggregate(ctx, "SELECT count(), min(first_seen_us) FROM chat_users WHERE author_id = ?", authorID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return fromMicros(value), true, nil
}

// InsertSummary persists a summary batch. A batch is written exactly once.
func (s *Store) InsertSummary(ctx context.Context, batch chatlog.SummaryBatch) error {
	exists, err := s.exists(ctx, "chat_summaries", "batch_id", batch.BatchID)
	if err != nil {
		return s.fail(opInsertSummary, reasonQueryFailed, err, zap.Int64("batch_id", batch.BatchID))
	}
	if exists {
		return s.fail(opInsertSummary, reasonDuplicate, errDuplicateKey, zap.Int64("batch_id", batch.BatchID))
	}
	err = s.insert(ctx, "INSERT INTO chat_summaries ("+summaryColumns+")",
		batch.BatchID, batch.FromMessageID, batch.ToMessageID,
		toMicros(batch.FromTimestamp), toMicros(batch.ToTimestamp),
		batch.Text, batch.TokensIn, batch.TokensOut)
	if err != nil {
		return s.fail(opInsertSummary, reasonInsertFailed, err, zap.Int64("batch_id", batch.BatchID))
	}
	return nil
}

// InsertContext persists a context. A context is written exactly once.
func (s *Store) InsertContext(ctx context.Context, rollup chatlog.Context) error {
	exists, err := s.exists(ctx, "chat_contexts", "context_id", rollup.ContextID)
	if err != nil {
		return s.fail(opInsertContext, reasonQueryFailed, err, zap.Int64("context_id", rollup.ContextID))
	}
	if exists {
		return s.fail(opInsertContext, reasonDuplicate, errDuplicateKey, zap.Int64("context_id", rollup.ContextID))
	}
	err = s.insert(ctx, "INSERT INTO chat_contexts ("+contextColumns+")",
		rollup.ContextID, rollup.FromBatchID, rollup.ToBatchID,
		toMicros(rollup.FromTimestamp), toMicros(rollup.ToTimestamp),
		rollup.Text, rollup.TokensIn, rollup.TokensOut)
	if err != nil {
		return s.fail(opInsertContext, reasonInsertFailed, err, zap.Int64("context_id", rollup.ContextID))
	}
	return nil
}

func (s *Store) SummariesAfter(ctx context.Context, afterBatchID int64, limit int) ([]chatlog.SummaryBatch, error) {
	batches, err := s.queryBatches(ctx,
		"SELECT "+summaryColumns+" FROM chat_summaries WHERE batch_id > ? ORDER BY batch_id ASC LIMIT ?",
		afterBatchID, limit)
	if err != nil {
		return nil, s.fail(opQuerySummaries, reasonQueryFailed, err, zap.Int64("after_batch_id", afterBatchID))
	}
	return batches, nil
}

func (s *Store) SummariesSince(ctx context.Context, after chatlog.Frontier) ([]chatlog.SummaryBatch, error) {
	condition, bound := frontierCondition("from_ts_us", "batch_id", after)
	batches, err := s.queryBatches(ctx,
		"SELECT "+summaryColumns+" FROM chat_summaries WHERE "+condition+" ORDER BY batch_id ASC", bound)
	if err != nil {
		return nil, s.fail(opQuerySummaries, reasonQueryFailed, err, zap.Time("after", after.At), zap.Int64("after_key", after.Key))
	}
	return batches, nil
}

func (s *Store) ContextsSince(ctx context.Context, since time.Time) ([]chatlog.Context, error) {
	contexts, err := s.queryContexts(ctx,
		"SELECT "+contextColumns+" FROM chat_contexts WHERE to_ts_us >= ? ORDER BY context_id ASC", toMicros(since))
	if err != nil {
		return nil, s.fail(opQueryContexts, reasonQueryFailed, err, zap.Time("since", since))
	}
	return contexts, nil
}

func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]chatlog.SummaryBatch, error) {
	batches, err := s.queryBatches(ctx,
		"SELECT "+summaryColumns+" FROM chat_summaries ORDER BY batch_id DESC LIMIT ?", limit)
	if err != nil {
		return nil, s.fail(opQuerySummaries, reasonQueryFailed, err, zap.Int("limit", limit))
	}
	for left, right := 0, len(batches)-1; left < right; left, right = left+1, right-1 {
		batches[left], batches[right] = batches[right], batches[left]
	}
	return batches, nil
}

func (s *Store) RecentContexts(ctx context.Context, limit int) ([]chatlog.Context, error) {
	contexts, err := s.queryContexts(ctx,
		"SELECT "+contextColumns+" FROM chat_contexts ORDER BY context_id DESC LIMIT ?", limit)
	if err != nil {
		return nil, s.fail(opQueryContexts, reasonQueryFailed, err, zap.Int("limit", limit))
	}
	for left, right := 0, len(contexts)-1; left < right; left, right = left+1, right-1 {
		contexts[left], contexts[right] = contexts[right], contexts[left]
	}
	return contexts, nil
}

func (s *Store) LastSummarizedMessageID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, "SELECT count(), max(to_message_id) FROM chat_summaries")
}

func (s *Store) LastContextBatchID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, "SELECT count(), max(to_batch_id) FROM chat_contexts")
}

func (s *Store) MaxSummaryBatchID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, "SELECT count(), max(batch_id) FROM chat_summaries")
}

func (s *Store) MaxContextID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, "SELECT count(), max(context_id) FROM chat_contexts")
}

func (s *Store) InsertAuditEvent(ctx context.Context, event chatlog.AuditEvent) error {
	err := s.insert(ctx, "INSERT INTO audit_events (event_id, event_type, payload_json, created_at_us)",
		event.EventID, event.Type, event.PayloadJSON, toMicros(event.CreatedAt))
	if err != nil {
		return chatlog.NewServiceError(opInsertAuditEvent, reasonInsertFailed, err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, statement string, values ...any) error {
	batch, err := s.conn.PrepareBatch(ctx, statement)
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)
	if err := batch.Append(values...); err != nil {
		return err
	}
	return batch.Send()
}

func (s *Store) exists(ctx context.Context, table, column string, key int64) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s WHERE %s = ?", table, column), key).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// aggregate runs "SELECT count(), <expr> ..." and reports presence from the
// count, since ClickHouse returns the type default instead of NULL on empty input.
func (s *Store) aggregate(ctx context.Context, statement string, args ...any) (int64, bool, error) {
	var (
		count uint64
		value int64
	)
	if err := s.conn.QueryRow(ctx, statement, args...).Scan(&count, &value); err != nil {
		return 0, false, s.fail(opAggregate, reasonQueryFailed, err, zap.String("statement", statement))
	}
	if count == 0 {
		return 0, false, nil
	}
	return value, true, nil
}

func (s *Store) queryMessages(ctx context.Context, statement string, args ...any) ([]chatlog.Message, error) {
	rows, err := s.conn.Query(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := make([]chatlog.Message, 0)
	for rows.Next() {
		var (
			message chatlog.Message
			sentAt  int64
		)
		if err := rows.Scan(&message.ID, &message.AuthorID, &message.Text, &sentAt); err != nil {
			return nil, err
		}
		message.Timestamp = fromMicros(sentAt)
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (s *Store) queryBatches(ctx context.Context, statement string, args ...any) ([]chatlog.SummaryBatch, error) {
	rows, err := s.conn.Query(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	batches := make([]chatlog.SummaryBatch, 0)
	for rows.Next() {
		var (
			batch    chatlog.SummaryBatch
			from, to int64
		)
		if err := rows.Scan(&batch.BatchID, &batch.FromMessageID, &batch.ToMessageID, &from, &to,
			&batch.Text, &batch.TokensIn, &batch.TokensOut); err != nil {
			return nil, err
		}
		batch.FromTimestamp = fromMicros(from)
		batch.ToTimestamp = fromMicros(to)
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func (s *Store) queryContexts(ctx context.Context, statement string, args ...any) ([]chatlog.Context, error) {
	rows, err := s.conn.Query(ctx, statement, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	contexts := make([]chatlog.Context, 0)
	for rows.Next() {
		var (
			rollup   chatlog.Context
			from, to int64
		)
		if err := rows.Scan(&rollup.ContextID, &rollup.FromBatchID, &rollup.ToBatchID, &from, &to,
			&rollup.Text, &rollup.TokensIn, &rollup.TokensOut); err != nil {
			return nil, err
		}
		rollup.FromTimestamp = fromMicros(from)
		rollup.ToTimestamp = fromMicros(to)
		contexts = append(contexts, rollup)
	}
	return contexts, rows.Err()
}

func (s *Store) fail(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat log store error", attrs...)
	return chatlog.NewServiceError(operation, reason, err)
}

// frontierCondition bounds timeColumn by the frontier instant, or keyColumn
// by its key when the frontier is keyed. It returns the clause and its argument.
func frontierCondition(timeColumn, keyColumn string, after chatlog.Frontier) (string, int64) {
	column, value := timeColumn, toMicros(after.At)
	if after.Keyed {
		column, value = keyColumn, after.Key
	}
	if after.Inclusive {
		return column + " >= ?", value
	}
	return column + " > ?", value
}

// joinIDs renders integer ids for an IN list; integers need no quoting.
func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for index, id := range ids {
		parts[index] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func reverseMessages(messages []chatlog.Message) {
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
}

func toMicros(ts time.Time) int64 {
	return ts.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}
