package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/materialize"
)

// Tool names understood by the free-form path.
const (
	ToolGetContexts       = "get_contexts"
	ToolGetSummaries      = "get_summaries"
	ToolGetMessagesWindow = "get_messages_window"
	ToolSearchMessages    = "search_messages"
)

const (
	defaultContextsLimit  = 5
	defaultSummariesLimit = 10
	defaultWindowSize     = 200
	defaultSearchWindow   = 5000
	defaultSearchLimit    = 50

	// MaxToolDataLength caps the serialized tool result handed to the model.
	MaxToolDataLength = 12000
)

// ErrUnknownTool indicates a tool name outside the supported set.
var ErrUnknownTool = errors.New("query: unknown tool")

var errMissingToolStore = errors.New("query: tool store is required")

// ToolStore is the read-only store surface the tools use.
type ToolStore interface {
	RecentContexts(ctx context.Context, limit int) ([]chatlog.Context, error)
	RecentSummaries(ctx context.Context, limit int) ([]chatlog.SummaryBatch, error)
	MessagesInWindow(ctx context.Context, n int) ([]chatlog.Message, error)
	MessagesMatching(ctx context.Context, query string, window int, limit int) ([]chatlog.Message, error)
}

// ContextView is the tool representation of a context.
type ContextView struct {
	ContextID     int64  `json:"context_id"`
	FromBatchID   int64  `json:"from_batch_id"`
	ToBatchID     int64  `json:"to_batch_id"`
	FromTimestamp string `json:"from_ts"`
	ToTimestamp   string `json:"to_ts"`
	Text          string `json:"text"`
}

// SummaryView is the tool representation of a summary batch.
type SummaryView struct {
	BatchID       int64  `json:"batch_id"`
	FromMessageID int64  `json:"from_message_id"`
	ToMessageID   int64  `json:"to_message_id"`
	FromTimestamp string `json:"from_ts"`
	ToTimestamp   string `json:"to_ts"`
	Text          string `json:"text"`
}

// MessageView is the tool representation of a raw message.
type MessageView struct {
	MessageID int64  `json:"message_id"`
	AuthorID  int64  `json:"author_id"`
	Author    string `json:"author"`
	Timestamp string `json:"ts"`
	Text      string `json:"text"`
}

// ToolResult is the serialized output of one tool call.
type ToolResult struct {
	Tool      string
	Data      string
	Truncated bool
}

// Tools executes the read-only tools.
type Tools struct {
	store        ToolStore
	materializer Materializer
}

// NewTools constructs the tool set. The materializer resolves author names.
func NewTools(store ToolStore, materializer Materializer) (*Tools, error) {
	if store == nil {
		return nil, errMissingToolStore
	}
	if materializer == nil {
		return nil, errMissingMaterializer
	}
	return &Tools{store: store, materializer: materializer}, nil
}

// GetContexts returns the most recent contexts, ascending.
func (t *Tools) GetContexts(ctx context.Context, limit int) ([]ContextView, error) {
	contexts, err := t.store.RecentContexts(ctx, positiveOr(limit, defaultContextsLimit))
	if err != nil {
		return nil, err
	}
	return ContextViews(contexts), nil
}

// GetSummaries returns the most recent summaries, ascending.
func (t *Tools) GetSummaries(ctx context.Context, limit int) ([]SummaryView, error) {
	batches, err := t.store.RecentSummaries(ctx, positiveOr(limit, defaultSummariesLimit))
	if err != nil {
		return nil, err
	}
	return SummaryViews(batches), nil
}

// GetMessagesWindow returns the qualifying messages among the last n ids.
func (t *Tools) GetMessagesWindow(ctx context.Context, n int) ([]MessageView, error) {
	messages, err := t.store.MessagesInWindow(ctx, positiveOr(n, defaultWindowSize))
	if err != nil {
		return nil, err
	}
	return t.views(ctx, messages)
}

// SearchMessages returns the most recent matches within the last window ids.
func (t *Tools) SearchMessages(ctx context.Context, query string, window, limit int) ([]MessageView, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []MessageView{}, nil
	}
	messages, err := t.store.MessagesMatching(ctx, query, positiveOr(window, defaultSearchWindow), positiveOr(limit, defaultSearchLimit))
	if err != nil {
		return nil, err
	}
	return t.views(ctx, messages)
}

// Run dispatches a named tool call and serializes its result.
func (t *Tools) Run(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	var (
		data any
		err  error
	)
	switch name {
	case ToolGetContexts:
		data, err = t.GetContexts(ctx, intArg(args, "limit", defaultContextsLimit))
	case ToolGetSummaries:
		data, err = t.GetSummaries(ctx, intArg(args, "limit", defaultSummariesLimit))
	case ToolGetMessagesWindow:
		data, err = t.GetMessagesWindow(ctx, intArg(args, "n", defaultWindowSize))
	case ToolSearchMessages:
		data, err = t.SearchMessages(ctx,
			stringArg(args, "query"),
			intArg(args, "window", defaultSearchWindow),
			intArg(args, "limit", defaultSearchLimit))
	default:
		return ToolResult{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err != nil {
		return ToolResult{}, err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return ToolResult{}, err
	}
	text, truncated := truncateRunes(string(encoded), MaxToolDataLength)
	return ToolResult{Tool: name, Data: text, Truncated: truncated}, nil
}

func (t *Tools) views(ctx context.Context, messages []chatlog.Message) ([]MessageView, error) {
	named, err := t.materializer.NameMessages(ctx, messages)
	if err != nil {
		return nil, err
	}
	return MessageViews(named), nil
}

// ContextViews converts contexts to their serialized form.
func ContextViews(contexts []chatlog.Context) []ContextView {
	views := make([]ContextView, len(contexts))
	for index, rollup := range contexts {
		views[index] = ContextView{
			ContextID:     rollup.ContextID,
			FromBatchID:   rollup.FromBatchID,
			ToBatchID:     rollup.ToBatchID,
			FromTimestamp: chatlog.FormatTimestamp(rollup.FromTimestamp),
			ToTimestamp:   chatlog.FormatTimestamp(rollup.ToTimestamp),
			Text:          rollup.Text,
		}
	}
	return views
}

// SummaryViews converts summary batches to their serialized form.
func SummaryViews(batches []chatlog.SummaryBatch) []SummaryView {
	views := make([]SummaryView, len(batches))
	for index, batch := range batches {
		views[index] = SummaryView{
			BatchID:       batch.BatchID,
			FromMessageID: batch.FromMessageID,
			ToMessageID:   batch.ToMessageID,
			FromTimestamp: chatlog.FormatTimestamp(batch.FromTimestamp),
			ToTimestamp:   chatlog.FormatTimestamp(batch.ToTimestamp),
			Text:          batch.Text,
		}
	}
	return views
}

// MessageViews converts named messages to their serialized form.
func MessageViews(messages []materialize.NamedMessage) []MessageView {
	views := make([]MessageView, len(messages))
	for index, message := range messages {
		views[index] = MessageView{
			MessageID: message.ID,
			AuthorID:  message.AuthorID,
			Author:    message.Author,
			Timestamp: chatlog.FormatTimestamp(message.Timestamp),
			Text:      message.Text,
		}
	}
	return views
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func intArg(args map[string]any, key string, fallback int) int {
	raw, ok := args[key]
	if !ok || raw == nil {
		return fallback
	}
	switch value := raw.(type) {
	case float64:
		if math.IsNaN(value) || value <= 0 || value > math.MaxInt32 {
			return fallback
		}
		return int(value)
	case int:
		return positiveOr(value, fallback)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fallback
		}
		return positiveOr(parsed, fallback)
	default:
		return fallback
	}
}

func stringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return value
}

func truncateRunes(value string, limit int) (string, bool) {
	if utf8.RuneCountInString(value) <= limit {
		return value, false
	}
	return string([]rune(value)[:limit]), true
}
