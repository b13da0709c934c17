package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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
	reasonMissingDB     = "missing_database"
	reasonInvalidInput  = "invalid_input"
	reasonQueryFailed   = "query_failed"
	reasonInsertFailed  = "insert_failed"

	qualifying         = "text <> ''"
	orderMessageIDAsc  = "message_id ASC"
	orderMessageIDDesc = "message_id DESC"
	orderBatchIDAsc    = "batch_id ASC"
	orderBatchIDDesc   = "batch_id DESC"
	orderContextAsc    = "context_id ASC"
	orderContextDesc   = "context_id DESC"
	matchScanBatchSize = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the gorm-backed chat log store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store implements chatlog.Store on top of gorm (sqlite or postgres).
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ chatlog.Store = (*Store)(nil)

// NewStore constructs the store around an opened and migrated gorm handle.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, chatlog.NewServiceError("store.new", reasonMissingDB, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// InsertMessage stores a message; redelivery of an existing id is ignored.
func (s *Store) InsertMessage(ctx context.Context, message chatlog.Message) error {
	if err := message.Validate(); err != nil {
		return chatlog.NewServiceError(opInsertMessage, reasonInvalidInput, err)
	}
	record := newMessageRecord(message)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return s.fail(opInsertMessage, reasonInsertFailed, err, zap.Int64("message_id", message.ID))
	}
	return nil
}

// MessagesAfter returns up to limit qualifying messages with id > afterID, ascending.
func (s *Store) MessagesAfter(ctx context.Context, afterID int64, limit int) ([]chatlog.Message, error) {
	var records []messageRecord
	err := s.db.WithContext(ctx).
		Where("message_id > ? AND "+qualifying, afterID).
		Order(orderMessageIDAsc).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.Int64("after_id", afterID))
	}
	return toMessages(records), nil
}

// MessagesInWindow returns qualifying messages with id in (max_id-n, max_id], ascending.
func (s *Store) MessagesInWindow(ctx context.Context, n int) ([]chatlog.Message, error) {
	maxID, ok, err := s.MaxMessageID(ctx)
	if err != nil || !ok || n <= 0 {
		return nil, err
	}
	var records []messageRecord
	err = s.db.WithContext(ctx).
		Where("message_id > ? AND message_id <= ? AND "+qualifying, maxID-int64(n), maxID).
		Order(orderMessageIDAsc).
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.Int("window", n))
	}
	return toMessages(records), nil
}

// MessagesMatching scans the last window ids newest first and keeps the most
// recent limit messages containing query. Matching folds case in Go so that
// non-ASCII text behaves the same on every backend.
func (s *Store) MessagesMatching(ctx context.Context, query string, window int, limit int) ([]chatlog.Message, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" || window <= 0 || limit <= 0 {
		return nil, nil
	}
	maxID, ok, err := s.MaxMessageID(ctx)
	if err != nil || !ok {
		return nil, err
	}

	matches := make([]chatlog.Message, 0, limit)
	upper := maxID
	lower := maxID - int64(window)
	for upper > lower && len(matches) < limit {
		var records []messageRecord
		err := s.db.WithContext(ctx).
			Where("message_id > ? AND message_id <= ? AND "+qualifying, lower, upper).
			Order(orderMessageIDDesc).
			Limit(matchScanBatchSize).
			Find(&records).Error
		if err != nil {
			return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.String("query", query))
		}
		if len(records) == 0 {
			break
		}
		for _, record := range records {
			if strings.Contains(strings.ToLower(record.Text), needle) {
				matches = append(matches, record.toMessage())
				if len(matches) == limit {
					break
				}
			}
		}
		upper = records[len(records)-1].MessageID - 1
	}
	reverseMessages(matches)
	return matches, nil
}

// OldestTimestampInWindow returns the oldest qualifying timestamp within the last n ids.
func (s *Store) OldestTimestampInWindow(ctx context.Context, n int) (time.Time, bool, error) {
	maxID, ok, err := s.MaxMessageID(ctx)
	if err != nil || !ok || n <= 0 {
		return time.Time{}, false, err
	}
	value, ok, err := s.aggregate(ctx, &messageRecord{}, "MIN(sent_at_us)",
		"message_id > ? AND message_id <= ? AND "+qualifying, maxID-int64(n), maxID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return fromMicros(value), true, nil
}

// RawTail returns the most recent limit qualifying messages after the frontier, ascending.
func (s *Store) RawTail(ctx context.Context, after chatlog.Frontier, limit int) ([]chatlog.Message, error) {
	condition, bound := frontierCondition("sent_at_us", "message_id", after)
	var records []messageRecord
	err := s.db.WithContext(ctx).
		Where(condition+" AND "+qualifying, bound).
		Order(orderMessageIDDesc).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opQueryMessages, reasonQueryFailed, err, zap.Time("after", after.At), zap.Int64("after_key", after.Key))
	}
	messages := toMessages(records)
	reverseMessages(messages)
	return messages, nil
}

// MaxMessageID returns the greatest stored message id.
func (s *Store) MaxMessageID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, &messageRecord{}, "MAX(message_id)", "")
}

// CountMessagesAfter counts qualifying messages with id > afterID.
func (s *Store) CountMessagesAfter(ctx context.Context, afterID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&messageRecord{}).
		Where("message_id > ? AND "+qualifying, afterID).
		Count(&count).Error
	if err != nil {
		return 0, s.fail(opAggregate, reasonQueryFailed, err, zap.Int64("after_id", afterID))
	}
	return count, nil
}

// InsertUserVersion appends a profile version.
func (s *Store) InsertUserVersion(ctx context.Context, profile chatlog.UserProfile) error {
	if profile.AuthorID <= 0 {
		return chatlog.NewServiceError(opInsertUserVersion, reasonInvalidInput, chatlog.ErrInvalidAuthorID)
	}
	record := userRecord{
		AuthorID:      profile.AuthorID,
		Username:      profile.Username,
		FirstName:     profile.FirstName,
		LastName:      profile.LastName,
		FirstSeenUsec: toMicros(profile.FirstSeen),
		LastSeenUsec:  toMicros(profile.LastSeen),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return s.fail(opInsertUserVersion, reasonInsertFailed, err, zap.Int64("author_id", profile.AuthorID))
	}
	return nil
}

// LatestProfiles returns the version with the greatest last_seen for each known id.
func (s *Store) LatestProfiles(ctx context.Context, authorIDs []int64) (map[int64]chatlog.UserProfile, error) {
	profiles := make(map[int64]chatlog.UserProfile, len(authorIDs))
	if len(authorIDs) == 0 {
		return profiles, nil
	}
	var records []userRecord
	err := s.db.WithContext(ctx).
		Where("author_id IN ?", authorIDs).
		Order("last_seen_us DESC, version_id DESC").
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opQueryProfiles, reasonQueryFailed, err, zap.Int("author_count", len(authorIDs)))
	}
	for _, record := range records {
		if _, seen := profiles[record.AuthorID]; seen {
			continue
		}
		profiles[record.AuthorID] = record.toProfile()
	}
	return profiles, nil
}

// EarliestFirstSeen returns the earliest first_seen recorded for the author.
func (s *Store) EarliestFirstSeen(ctx context.Context, authorID int64) (time.Time, bool, error) {
	value, ok, err := s.aggregate(ctx, &userRecord{}, "MIN(first_seen_us)", "author_id = ?", authorID)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return fromMicros(value), true, nil
}

// InsertSummary persists a summary batch. A batch is written exactly once.
func (s *Store) InsertSummary(ctx context.Context, batch chatlog.SummaryBatch) error {
	record := newSummaryRecord(batch)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return s.fail(opInsertSummary, reasonInsertFailed, err, zap.Int64("batch_id", batch.BatchID))
	}
	return nil
}

// InsertContext persists a context. A context is written exactly once.
func (s *Store) InsertContext(ctx context.Context, rollup chatlog.Context) error {
	record := newContextRecord(rollup)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return s.fail(opInsertContext, reasonInsertFailed, err, zap.Int64("context_id", rollup.ContextID))
	}
	return nil
}

// SummariesAfter returns up to limit batches with batch_id > afterBatchID, ascending.
func (s *Store) SummariesAfter(ctx context.Context, afterBatchID int64, limit int) ([]chatlog.SummaryBatch, error) {
	var records []summaryRecord
	err := s.db.WithContext(ctx).
		Where("batch_id > ?", afterBatchID).
		Order(orderBatchIDAsc).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opQuerySummaries, reasonQueryFailed, err, zap.Int64("after_batch_id", afterBatchID))
	}
	return toBatches(records), nil
}

// SummariesSince returns batches past the frontier, ascending.
func (s *Store) SummariesSince(ctx context.Context, after chatlog.Frontier) ([]chatlog.SummaryBatch, error) {
	condition, bound := frontierCondition("from_ts_us", "batch_id", after)
	var records []summaryRecord
	err := s.db.WithContext(ctx).
		Where(condition, bound).
		Order(orderBatchIDAsc).
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opQuerySummaries, reasonQueryFailed, err, zap.Time("after", after.At), zap.Int64("after_key", after.Key))
	}
	return toBatches(records), nil
}

// ContextsSince returns contexts with to_ts >= since, ascending.
func (s *Store) ContextsSince(ctx context.Context, since time.Time) ([]chatlog.Context, error) {
	var records []contextRecord
	err := s.db.WithContext(ctx).
		Where("to_ts_us >= ?", toMicros(since)).
		Order(orderContextAsc).
		Find(&records).Error
	if err != nil {
		return nil, s.fail(opQueryContexts, reasonQueryFailed, err, zap.Time("since", since))
	}
	return toContexts(records), nil
}

// RecentSummaries returns the latest limit batches, ascending.
func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]chatlog.SummaryBatch, error) {
	var records []summaryRecord
	err := s.db.WithContext(ctx).Order(orderBatchIDDesc).Limit(limit).Find(&records).Error
	if err != nil {
		return nil, s.fail(opQuerySummaries, reasonQueryFailed, err, zap.Int("limit", limit))
	}
	batches := toBatches(records)
	for left, right := 0, len(batches)-1; left < right; left, right = left+1, right-1 {
		batches[left], batches[right] = batches[right], batches[left]
	}
	return batches, nil
}

// RecentContexts returns the latest limit contexts, ascending.
func (s *Store) RecentContexts(ctx context.Context, limit int) ([]chatlog.Context, error) {
	var records []contextRecord
	err := s.db.WithContext(ctx).Order(orderContextDesc).Limit(limit).Find(&records).Error
	if err != nil {
		return nil, s.fail(opQueryContexts, reasonQueryFailed, err, zap.Int("limit", limit))
	}
	contexts := toContexts(records)
	for left, right := 0, len(contexts)-1; left < right; left, right = left+1, right-1 {
		contexts[left], contexts[right] = contexts[right], contexts[left]
	}
	return contexts, nil
}

// LastSummarizedMessageID is max(to_message_id) over summaries.
func (s *Store) LastSummarizedMessageID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, &summaryRecord{}, "MAX(to_message_id)", "")
}

// LastContextBatchID is max(to_batch_id) over contexts.
func (s *Store) LastContextBatchID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, &contextRecord{}, "MAX(to_batch_id)", "")
}

// MaxSummaryBatchID returns the greatest summary batch id.
func (s *Store) MaxSummaryBatchID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, &summaryRecord{}, "MAX(batch_id)", "")
}

// MaxContextID returns the greatest context id.
func (s *Store) MaxContextID(ctx context.Context) (int64, bool, error) {
	return s.aggregate(ctx, &contextRecord{}, "MAX(context_id)", "")
}

// InsertAuditEvent appends an audit row.
func (s *Store) InsertAuditEvent(ctx context.Context, event chatlog.AuditEvent) error {
	record := auditRecord{
		EventID:       event.EventID,
		EventType:     event.Type,
		PayloadJSON:   event.PayloadJSON,
		CreatedAtUsec: toMicros(event.CreatedAt),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return chatlog.NewServiceError(opInsertAuditEvent, reasonInsertFailed, err)
	}
	return nil
}

func (s *Store) aggregate(ctx context.Context, model any, expression string, condition string, args ...any) (int64, bool, error) {
	query := s.db.WithContext(ctx).Model(model).Select(expression)
	if condition != "" {
		query = query.Where(condition, args...)
	}
	var value sql.NullInt64
	if err := query.Row().Scan(&value); err != nil {
		return 0, false, s.fail(opAggregate, reasonQueryFailed, err, zap.String("expression", expression))
	}
	return value.Int64, value.Valid, nil
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

func toMessages(records []messageRecord) []chatlog.Message {
	messages := make([]chatlog.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.toMessage())
	}
	return messages
}

func reverseMessages(messages []chatlog.Message) {
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
}

func toBatches(records []summaryRecord) []chatlog.SummaryBatch {
	batches := make([]chatlog.SummaryBatch, 0, len(records))
	for _, record := range records {
		batches = append(batches, record.toBatch())
	}
	return batches
}

func toContexts(records []contextRecord) []chatlog.Context {
	contexts := make([]chatlog.Context, 0, len(records))
	for _, record := range records {
		contexts = append(contexts, record.toContext())
	}
	return contexts
}
