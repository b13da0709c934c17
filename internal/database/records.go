package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
)

// messageRecord stores one ingested message keyed by its transport id.
type messageRecord struct {
	MessageID  int64  `gorm:"column:message_id;primaryKey;autoIncrement:false"`
	AuthorID   int64  `gorm:"column:author_id;not null;index"`
	Text       string `gorm:"column:text;type:text;not null"`
	SentAtUsec int64  `gorm:"column:sent_at_us;not null;index"`
}

func (messageRecord) TableName() string {
	return "chat_messages"
}

// userRecord stores one version of an author profile.
type userRecord struct {
	VersionID     int64  `gorm:"column:version_id;primaryKey;autoIncrement"`
	AuthorID      int64  `gorm:"column:author_id;not null;index:idx_chat_users_author_seen,priority:1"`
	Username      string `gorm:"column:username;size:190;not null;default:''"`
	FirstName     string `gorm:"column:first_name;size:190;not null;default:''"`
	LastName      string `gorm:"column:last_name;size:190;not null;default:''"`
	FirstSeenUsec int64  `gorm:"column:first_seen_us;not null"`
	LastSeenUsec  int64  `gorm:"column:last_seen_us;not null;index:idx_chat_users_author_seen,priority:2"`
}

func (userRecord) TableName() string {
	return "chat_users"
}

type summaryRecord struct {
	BatchID       int64  `gorm:"column:batch_id;primaryKey;autoIncrement:false"`
	FromMessageID int64  `gorm:"column:from_message_id;not null"`
	ToMessageID   int64  `gorm:"column:to_message_id;not null;index"`
	FromUsec      int64  `gorm:"column:from_ts_us;not null;index"`
	ToUsec        int64  `gorm:"column:to_ts_us;not null"`
	Text          string `gorm:"column:text;type:text;not null"`
	TokensIn      int64  `gorm:"column:tokens_in;not null;default:0"`
	TokensOut     int64  `gorm:"column:tokens_out;not null;default:0"`
}

func (summaryRecord) TableName() string {
	return "chat_summaries"
}

type contextRecord struct {
	ContextID   int64  `gorm:"column:context_id;primaryKey;autoIncrement:false"`
	FromBatchID int64  `gorm:"column:from_batch_id;not null"`
	ToBatchID   int64  `gorm:"column:to_batch_id;not null;index"`
	FromUsec    int64  `gorm:"column:from_ts_us;not null"`
	ToUsec      int64  `gorm:"column:to_ts_us;not null;index"`
	Text        string `gorm:"column:text;type:text;not null"`
	TokensIn    int64  `gorm:"column:tokens_in;not null;default:0"`
	TokensOut   int64  `gorm:"column:tokens_out;not null;default:0"`
}

func (contextRecord) TableName() string {
	return "chat_contexts"
}

// auditRecord is one append-only audit log row.
type auditRecord struct {
	EventID       string `gorm:"column:event_id;primaryKey;size:36;not null"`
	EventType     string `gorm:"column:event_type;size:120;not null;index"`
	PayloadJSON   string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtUsec int64  `gorm:"column:created_at_us;not null;index"`
}

func (auditRecord) TableName() string {
	return "audit_events"
}

func toMicros(ts time.Time) int64 {
	return ts.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

func newMessageRecord(message chatlog.Message) messageRecord {
	return messageRecord{
		MessageID:  message.ID,
		AuthorID:   message.AuthorID,
		Text:       message.Text,
		SentAtUsec: toMicros(message.Timestamp),
	}
}

func (r messageRecord) toMessage() chatlog.Message {
	return chatlog.Message{
		ID:        r.MessageID,
		AuthorID:  r.AuthorID,
		Text:      r.Text,
		Timestamp: fromMicros(r.SentAtUsec),
	}
}

func (r userRecord) toProfile() chatlog.UserProfile {
	return chatlog.UserProfile{
		AuthorID:  r.AuthorID,
		Username:  r.Username,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		FirstSeen: fromMicros(r.FirstSeenUsec),
		LastSeen:  fromMicros(r.LastSeenUsec),
	}
}

func newSummaryRecord(batch chatlog.SummaryBatch) summaryRecord {
	return summaryRecord{
		BatchID:       batch.BatchID,
		FromMessageID: batch.FromMessageID,
		ToMessageID:   batch.ToMessageID,
		FromUsec:      toMicros(batch.FromTimestamp),
		ToUsec:        toMicros(batch.ToTimestamp),
		Text:          batch.Text,
		TokensIn:      batch.TokensIn,
		TokensOut:     batch.TokensOut,
	}
}

func (r summaryRecord) toBatch() chatlog.SummaryBatch {
	return chatlog.SummaryBatch{
		BatchID:       r.BatchID,
		FromMessageID: r.FromMessageID,
		ToMessageID:   r.ToMessageID,
		FromTimestamp: fromMicros(r.FromUsec),
		ToTimestamp:   fromMicros(r.ToUsec),
		Text:          r.Text,
		TokensIn:      r.TokensIn,
		TokensOut:     r.TokensOut,
	}
}

func newContextRecord(rollup chatlog.Context) contextRecord {
	return contextRecord{
		ContextID:   rollup.ContextID,
		FromBatchID: rollup.FromBatchID,
		ToBatchID:   rollup.ToBatchID,
		FromUsec:    toMicros(rollup.FromTimestamp),
		ToUsec:      toMicros(rollup.ToTimestamp),
		Text:        rollup.Text,
		TokensIn:    rollup.TokensIn,
		TokensOut:   rollup.TokensOut,
	}
}

func (r contextRecord) toContext() chatlog.Context {
	return chatlog.Context{
		ContextID:     r.ContextID,
		FromBatchID:   r.FromBatchID,
		ToBatchID:     r.ToBatchID,
		FromTimestamp: fromMicros(r.FromUsec),
		ToTimestamp:   fromMicros(r.ToUsec),
		Text:          r.Text,
		TokensIn:      r.TokensIn,
		TokensOut:     r.TokensOut,
	}
}
