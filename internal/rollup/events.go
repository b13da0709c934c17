package rollup

import (
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
)

// Event types published after a successful write.
const (
	EventSummaryCreated = "summary.created"
	EventContextCreated = "context.created"
)

// Event describes one persisted summary or context.
type Event struct {
	Type          string    `json:"type"`
	ID            int64     `json:"id"`
	From          int64     `json:"from"`
	To            int64     `json:"to"`
	FromTimestamp string    `json:"from_ts"`
	ToTimestamp   string    `json:"to_ts"`
	TokensIn      int64     `json:"tokens_in"`
	TokensOut     int64     `json:"tokens_out"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventPublisher receives rollup events. Publish must not block the engine.
type EventPublisher interface {
	Publish(event Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(Event) {}

func newSummaryEvent(batch chatlog.SummaryBatch, now time.Time) Event {
	return Event{
		Type:          EventSummaryCreated,
		ID:            batch.BatchID,
		From:          batch.FromMessageID,
		To:            batch.ToMessageID,
		FromTimestamp: chatlog.FormatTimestamp(batch.FromTimestamp),
		ToTimestamp:   chatlog.FormatTimestamp(batch.ToTimestamp),
		TokensIn:      batch.TokensIn,
		TokensOut:     batch.TokensOut,
		CreatedAt:     now.UTC(),
	}
}

func newContextEvent(rollup chatlog.Context, now time.Time) Event {
	return Event{
		Type:          EventContextCreated,
		ID:            rollup.ContextID,
		From:          rollup.FromBatchID,
		To:            rollup.ToBatchID,
		FromTimestamp: chatlog.FormatTimestamp(rollup.FromTimestamp),
		ToTimestamp:   chatlog.FormatTimestamp(rollup.ToTimestamp),
		TokensIn:      rollup.TokensIn,
		TokensOut:     rollup.TokensOut,
		CreatedAt:     now.UTC(),
	}
}
