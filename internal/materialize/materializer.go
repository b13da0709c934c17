// Package materialize assembles the cheapest sufficient view of the last N
// messages: contexts first, then summaries after the last context, then the
// raw tail after the last summary. The tiers never overlap and leave no gap.
package materialize

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/generation"
	"go.uber.org/zap"
)

// DefaultTailLimit caps the raw tier.
const DefaultTailLimit = 200

var (
	// ErrInsufficientData indicates there are no messages to materialize.
	ErrInsufficientData = errors.New("materialize: insufficient data")
	// ErrInvalidWindow indicates a non-positive window size.
	ErrInvalidWindow = errors.New("materialize: window must be positive")

	errMissingStore = errors.New("materialize: store is required")
	errMissingNames = errors.New("materialize: name resolver is required")
)

// Store is the read-only subset of the chat log store used here.
type Store interface {
	OldestTimestampInWindow(ctx context.Context, n int) (time.Time, bool, error)
	ContextsSince(ctx context.Context, since time.Time) ([]chatlog.Context, error)
	SummariesSince(ctx context.Context, after chatlog.Frontier) ([]chatlog.SummaryBatch, error)
	RawTail(ctx context.Context, after chatlog.Frontier, limit int) ([]chatlog.Message, error)
}

// NameResolver maps author ids to display names.
type NameResolver interface {
	DisplayNames(ctx context.Context, authorIDs []int64) (map[int64]string, error)
}

// NamedMessage is a raw message with its resolved author label.
type NamedMessage struct {
	chatlog.Message
	Author string
}

// Line renders the message for prompts and replies.
func (m NamedMessage) Line() string {
	return generation.FormatLine(m.Timestamp, m.Author, m.Text)
}

// Materials holds the three tiers, each ascending in time.
type Materials struct {
	Oldest    time.Time
	Contexts  []chatlog.Context
	Summaries []chatlog.SummaryBatch
	Tail      []NamedMessage
}

// Empty reports whether every tier is empty.
func (m Materials) Empty() bool {
	return len(m.Contexts) == 0 && len(m.Summaries) == 0 && len(m.Tail) == 0
}

// Texts returns the context texts, the summary texts and the raw tail.
func (m Materials) Texts() ([]string, []string, []NamedMessage) {
	contexts := make([]string, len(m.Contexts))
	for index, rollup := range m.Contexts {
		contexts[index] = rollup.Text
	}
	summaries := make([]string, len(m.Summaries))
	for index, batch := range m.Summaries {
		summaries[index] = batch.Text
	}
	return contexts, summaries, m.Tail
}

// TailLines renders the raw tail one message per line.
func (m Materials) TailLines() []string {
	lines := make([]string, len(m.Tail))
	for index, message := range m.Tail {
		lines[index] = message.Line()
	}
	return lines
}

// Config describes the materializer dependencies.
type Config struct {
	Store     Store
	Names     NameResolver
	TailLimit int
	Logger    *zap.Logger
}

// Materializer builds tiered views over the store.
type Materializer struct {
	store     Store
	names     NameResolver
	tailLimit int
	logger    *zap.Logger
}

// New constructs a materializer.
func New(cfg Config) (*Materializer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Names == nil {
		return nil, errMissingNames
	}
	tailLimit := cfg.TailLimit
	if tailLimit <= 0 {
		tailLimit = DefaultTailLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{store: cfg.Store, names: cfg.Names, tailLimit: tailLimit, logger: logger}, nil
}

// BuildLastN materializes the interval starting at the oldest qualifying
// message among the last n message ids.
func (m *Materializer) BuildLastN(ctx context.Context, n int) (Materials, error) {
	if n <= 0 {
		return Materials{}, ErrInvalidWindow
	}
	oldest, found, err := m.store.OldestTimestampInWindow(ctx, n)
	if err != nil {
		return Materials{}, err
	}
	if !found {
		return Materials{}, ErrInsufficientData
	}
	materials := Materials{Oldest: oldest}

	materials.Contexts, err = m.store.ContextsSince(ctx, oldest)
	if err != nil {
		return Materials{}, err
	}
	summaries, boundary, err := m.summariesAfter(ctx, oldest, materials.Contexts)
	if err != nil {
		return Materials{}, err
	}
	materials.Summaries = summaries

	// Lower tiers are bounded by key once a higher tier matched, so rows
	// sharing the boundary second land in exactly one tier.
	var summaryEnd chatlog.Frontier
	switch {
	case len(summaries) > 0:
		summaryEnd = chatlog.AfterKey(lastSummarizedMessage(summaries))
	case boundary != nil:
		summaryEnd = chatlog.AfterKey(boundary.ToMessageID)
	case len(materials.Contexts) > 0:
		summaryEnd = chatlog.Frontier{At: latestContextEnd(materials.Contexts)}
	default:
		summaryEnd = chatlog.Frontier{At: oldest, Inclusive: true}
	}

	raw, err := m.store.RawTail(ctx, summaryEnd, m.tailLimit)
	if err != nil {
		return Materials{}, err
	}
	materials.Tail, err = m.nameMessages(ctx, raw)
	if err != nil {
		return Materials{}, err
	}

	m.logger.Debug("materialized window",
		zap.Int("n", n),
		zap.Int("contexts", len(materials.Contexts)),
		zap.Int("summaries", len(materials.Summaries)),
		zap.Int("tail", len(materials.Tail)))
	return materials, nil
}

// summariesAfter returns the batches following the contexts. When contexts
// matched it also returns the last batch they fold, whose end bounds the raw
// tail if no later batch exists.
func (m *Materializer) summariesAfter(ctx context.Context, oldest time.Time, contexts []chatlog.Context) ([]chatlog.SummaryBatch, *chatlog.SummaryBatch, error) {
	if len(contexts) == 0 {
		summaries, err := m.store.SummariesSince(ctx, chatlog.Frontier{At: oldest, Inclusive: true})
		return summaries, nil, err
	}
	lastBatchID := latestContextBatch(contexts)
	batches, err := m.store.SummariesSince(ctx, chatlog.FromKey(lastBatchID))
	if err != nil {
		return nil, nil, err
	}
	var boundary *chatlog.SummaryBatch
	summaries := make([]chatlog.SummaryBatch, 0, len(batches))
	for index := range batches {
		if batches[index].BatchID == lastBatchID {
			boundary = &batches[index]
			continue
		}
		summaries = append(summaries, batches[index])
	}
	return summaries, boundary, nil
}

// NameMessages resolves author labels for messages fetched outside BuildLastN.
func (m *Materializer) NameMessages(ctx context.Context, messages []chatlog.Message) ([]NamedMessage, error) {
	return m.nameMessages(ctx, messages)
}

func (m *Materializer) nameMessages(ctx context.Context, messages []chatlog.Message) ([]NamedMessage, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	authorIDs := make([]int64, len(messages))
	for index, message := range messages {
		authorIDs[index] = message.AuthorID
	}
	names, err := m.names.DisplayNames(ctx, authorIDs)
	if err != nil {
		return nil, err
	}
	named := make([]NamedMessage, len(messages))
	for index, message := range messages {
		named[index] = NamedMessage{Message: message, Author: names[message.AuthorID]}
	}
	return named, nil
}

func latestContextEnd(contexts []chatlog.Context) time.Time {
	end := contexts[0].ToTimestamp
	for _, rollup := range contexts[1:] {
		if rollup.ToTimestamp.After(end) {
			end = rollup.ToTimestamp
		}
	}
	return end
}

func latestContextBatch(contexts []chatlog.Context) int64 {
	last := contexts[0].ToBatchID
	for _, rollup := range contexts[1:] {
		if rollup.ToBatchID > last {
			last = rollup.ToBatchID
		}
	}
	return last
}

func lastSummarizedMessage(summaries []chatlog.SummaryBatch) int64 {
	last := summaries[0].ToMessageID
	for _, batch := range summaries[1:] {
		if batch.ToMessageID > last {
			last = batch.ToMessageID
		}
	}
	return last
}
