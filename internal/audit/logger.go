// Package audit records structured, append-only events about generation
// calls, tool use, security decisions and failures. Logging never fails the
// caller: store errors and panics are swallowed after being mirrored to zap.
package audit

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxTextLength caps every string value inside a payload.
	MaxTextLength = 20000
	// MaxPayloadLength caps the serialized payload.
	MaxPayloadLength = 200000
)

// Event types.
const (
	TypeLLMChatStart    = "llm.chat.start"
	TypeLLMChatEnd      = "llm.chat.end"
	TypeNarrativeRoute  = "llm.t_route"
	TypeToolRequest     = "tool.request"
	TypeToolResult      = "tool.result"
	TypeException       = "exception"
	TypeSecurityBlocked = "security.blocked_chat"
	TypeRollupStatus    = "rollup.status"
)

// Payload is the free-form body of an event.
type Payload map[string]any

// IDProvider issues event identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config describes the audit logger dependencies.
type Config struct {
	Store  chatlog.AuditStore
	Logger *zap.Logger
	IDs    IDProvider
	Clock  func() time.Time
}

// Logger writes audit events. A nil *Logger discards everything.
type Logger struct {
	store  chatlog.AuditStore
	logger *zap.Logger
	ids    IDProvider
	clock  func() time.Time
}

// NewLogger constructs an audit logger. A nil store keeps only the zap mirror.
func NewLogger(cfg Config) *Logger {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Logger{store: cfg.Store, logger: logger, ids: ids, clock: clock}
}

// Log records one event.
func (l *Logger) Log(ctx context.Context, eventType string, payload Payload) {
	if l == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Warn("audit event dropped", zap.String("type", eventType), zap.Any("panic", recovered))
		}
	}()

	body := encodePayload(payload)
	l.logger.Debug("audit", zap.String("type", eventType), zap.String("payload", body))
	if l.store == nil {
		return
	}
	eventID, err := l.ids.NewID()
	if err != nil {
		l.logger.Warn("audit event id failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	event := chatlog.AuditEvent{
		EventID:     eventID,
		Type:        eventType,
		PayloadJSON: body,
		CreatedAt:   l.clock().UTC(),
	}
	if err := l.store.InsertAuditEvent(ctx, event); err != nil {
		l.logger.Warn("audit event dropped", zap.String("type", eventType), zap.Error(err))
	}
}

func encodePayload(payload Payload) string {
	if payload == nil {
		payload = Payload{}
	}
	encoded, err := json.Marshal(truncateValue(map[string]any(payload)))
	if err != nil {
		encoded, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return truncate(string(encoded), MaxPayloadLength)
}

func truncateValue(value any) any {
	switch typed := value.(type) {
	case string:
		return truncate(typed, MaxTextLength)
	case error:
		return truncate(typed.Error(), MaxTextLength)
	case Payload:
		return truncateValue(map[string]any(typed))
	case map[string]any:
		result := make(map[string]any, len(typed))
		for key, item := range typed {
			result[key] = truncateValue(item)
		}
		return result
	case []any:
		result := make([]any, len(typed))
		for index, item := range typed {
			result[index] = truncateValue(item)
		}
		return result
	case []string:
		result := make([]string, len(typed))
		for index, item := range typed {
			result[index] = truncate(item, MaxTextLength)
		}
		return result
	default:
		return value
	}
}

// truncate cuts value to at most limit characters.
func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
