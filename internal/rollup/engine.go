// Package rollup turns raw messages into summaries and summaries into
// contexts. Progress is derived from the store on every step, so a restarted
// engine resumes exactly where the last committed write left off.
package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/audit"
	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/generation"
	"github.com/MarcoPoloResearchLab/chronicle/internal/lease"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is N, the number of qualifying messages per summary.
	DefaultBatchSize = 100
	// DefaultContextSize is K, the number of summaries per context.
	DefaultContextSize = 10
	// DefaultIdleInterval is the pause after a short batch or a failed cycle.
	DefaultIdleInterval = 2 * time.Second
	// DefaultLeaseTTL bounds how long a crashed holder blocks other instances.
	DefaultLeaseTTL = 2 * time.Minute

	opSummarize     = "rollup.summarize"
	opContextualize = "rollup.contextualize"
	opLease         = "rollup.lease"

	reasonWatermark        = "watermark_failed"
	reasonFetch            = "fetch_failed"
	reasonNames            = "names_failed"
	reasonGeneration       = "generation_failed"
	reasonPersist          = "persist_failed"
	reasonAcquire          = "acquire_failed"
	holderPrefix           = "chronicle-"
	noContextBatchBoundary = -1
)

var (
	// ErrLeaseHeld indicates another instance currently owns the rollup lease.
	ErrLeaseHeld = errors.New("rollup: lease held by another instance")

	errMissingStore     = errors.New("rollup: store is required")
	errMissingGenerator = errors.New("rollup: generator is required")
	errMissingNames     = errors.New("rollup: name resolver is required")
)

// Store is the subset of the chat log store the engine reads and writes.
type Store interface {
	chatlog.MessageStore
	chatlog.RollupStore
}

// NameResolver maps author ids to display names.
type NameResolver interface {
	DisplayNames(ctx context.Context, authorIDs []int64) (map[int64]string, error)
}

// Config describes the dependencies and tuning of the engine.
type Config struct {
	Store        Store
	Names        NameResolver
	Generator    generation.Completer
	BatchSize    int
	ContextSize  int
	IdleInterval time.Duration
	Temperature  float64
	Leaser       lease.Leaser
	Holder       string
	LeaseTTL     time.Duration
	Publisher    EventPublisher
	Audit        *audit.Logger
	Logger       *zap.Logger
	Clock        func() time.Time
}

// CycleResult lists what one cycle persisted, in write order.
type CycleResult struct {
	Summaries []chatlog.SummaryBatch
	Contexts  []chatlog.Context
}

// Engine is the single writer of the summary and context tiers.
type Engine struct {
	store        Store
	names        NameResolver
	generator    generation.Completer
	batchSize    int
	contextSize  int
	idleInterval time.Duration
	temperature  float64
	leaser       lease.Leaser
	holder       string
	leaseTTL     time.Duration
	publisher    EventPublisher
	audit        *audit.Logger
	logger       *zap.Logger
	clock        func() time.Time
}

// NewEngine validates the configuration and applies defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	if cfg.Names == nil {
		return nil, errMissingNames
	}
	engine := &Engine{
		store:        cfg.Store,
		names:        cfg.Names,
		generator:    cfg.Generator,
		batchSize:    cfg.BatchSize,
		contextSize:  cfg.ContextSize,
		idleInterval: cfg.IdleInterval,
		temperature:  cfg.Temperature,
		leaser:       cfg.Leaser,
		holder:       cfg.Holder,
		leaseTTL:     cfg.LeaseTTL,
		publisher:    cfg.Publisher,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
	}
	if engine.batchSize <= 0 {
		engine.batchSize = DefaultBatchSize
	}
	if engine.contextSize <= 0 {
		engine.contextSize = DefaultContextSize
	}
	if engine.idleInterval <= 0 {
		engine.idleInterval = DefaultIdleInterval
	}
	if engine.temperature <= 0 {
		engine.temperature = generation.DefaultTemperature
	}
	if engine.leaser == nil {
		engine.leaser = lease.Noop{}
	}
	if engine.holder == "" {
		engine.holder = holderPrefix + time.Now().UTC().Format("20060102T150405.000000000")
	}
	if engine.leaseTTL <= 0 {
		engine.leaseTTL = DefaultLeaseTTL
	}
	if engine.publisher == nil {
		engine.publisher = discardPublisher{}
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	if engine.clock == nil {
		engine.clock = time.Now
	}
	return engine, nil
}

// Run loops until ctx is cancelled: it drains every complete batch, then idles.
// Failed cycles are logged and retried after the idle interval.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("rollup engine started",
		zap.Int("batch_size", e.batchSize),
		zap.Int("context_size", e.contextSize),
		zap.String("holder", e.holder))
	defer e.release()

	for {
		if ctx.Err() != nil {
			return nil
		}
		result, err := e.RunCycle(ctx)
		switch {
		case err == nil:
			if len(result.Summaries) > 0 || len(result.Contexts) > 0 {
				e.logger.Info("rollup cycle complete",
					zap.Int("summaries", len(result.Summaries)),
					zap.Int("contexts", len(result.Contexts)))
			}
		case errors.Is(err, ErrLeaseHeld):
			e.logger.Debug("rollup lease held elsewhere", zap.String("holder", e.holder))
		case ctx.Err() != nil:
			return nil
		default:
			e.logger.Error("rollup cycle failed", zap.Error(err))
			e.audit.Exception(ctx, "rollup.cycle", err)
		}

		timer := time.NewTimer(e.idleInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle promotes any pending contexts, then summarizes complete batches
// back to back until fewer than N qualifying messages remain. Each summary is
// followed by an attempt at context promotion. A failure stops the cycle;
// everything persisted before it is reported in the result.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	if err := e.holdLease(ctx); err != nil {
		return result, err
	}
	if err := e.promote(ctx, &result); err != nil {
		return result, err
	}
	for ctx.Err() == nil {
		batch, created, err := e.summarizeNext(ctx)
		if err != nil {
			return result, err
		}
		if !created {
			return result, nil
		}
		result.Summaries = append(result.Summaries, batch)
		if err := e.promote(ctx, &result); err != nil {
			return result, err
		}
	}
	return result, ctx.Err()
}

// MaybeMakeContext folds the next K summaries after the context watermark
// into one context. It reports false when fewer than K are available.
func (e *Engine) MaybeMakeContext(ctx context.Context) (chatlog.Context, bool, error) {
	afterBatchID := int64(noContextBatchBoundary)
	lastBatchID, present, err := e.store.LastContextBatchID(ctx)
	if err != nil {
		return chatlog.Context{}, false, e.fail(opContextualize, reasonWatermark, err)
	}
	if present {
		afterBatchID = lastBatchID
	}

	batches, err := e.store.SummariesAfter(ctx, afterBatchID, e.contextSize)
	if err != nil {
		return chatlog.Context{}, false, e.fail(opContextualize, reasonFetch, err)
	}
	if len(batches) < e.contextSize {
		return chatlog.Context{}, false, nil
	}

	texts := make([]string, len(batches))
	for index, batch := range batches {
		texts[index] = batch.Text
	}
	if err := e.holdLease(ctx); err != nil {
		return chatlog.Context{}, false, err
	}
	completion, err := e.generator.Complete(ctx, generation.SummarizeSummariesPrompt(texts), e.temperature)
	if err != nil {
		return chatlog.Context{}, false, e.fail(opContextualize, reasonGeneration, err)
	}

	first, last := batches[0], batches[len(batches)-1]
	rollup := chatlog.Context{
		ContextID:     chatlog.ContextIDFor(last.BatchID, e.contextSize),
		FromBatchID:   first.BatchID,
		ToBatchID:     last.BatchID,
		FromTimestamp: first.FromTimestamp,
		ToTimestamp:   last.ToTimestamp,
		Text:          completion.Text,
		TokensIn:      completion.TokensIn,
		TokensOut:     completion.TokensOut,
	}
	for _, batch := range batches {
		if batch.FromTimestamp.Before(rollup.FromTimestamp) {
			rollup.FromTimestamp = batch.FromTimestamp
		}
		if batch.ToTimestamp.After(rollup.ToTimestamp) {
			rollup.ToTimestamp = batch.ToTimestamp
		}
	}
	if err := e.store.InsertContext(ctx, rollup); err != nil {
		return chatlog.Context{}, false, e.fail(opContextualize, reasonPersist, err)
	}
	e.logger.Info("context created",
		zap.Int64("context_id", rollup.ContextID),
		zap.Int64("from_batch_id", rollup.FromBatchID),
		zap.Int64("to_batch_id", rollup.ToBatchID))
	e.publisher.Publish(newContextEvent(rollup, e.clock()))
	return rollup, true, nil
}

func (e *Engine) summarizeNext(ctx context.Context) (chatlog.SummaryBatch, bool, error) {
	lastTo, present, err := e.store.LastSummarizedMessageID(ctx)
	if err != nil {
		return chatlog.SummaryBatch{}, false, e.fail(opSummarize, reasonWatermark, err)
	}
	if !present {
		lastTo = 0
	}

	messages, err := e.store.MessagesAfter(ctx, lastTo, e.batchSize)
	if err != nil {
		return chatlog.SummaryBatch{}, false, e.fail(opSummarize, reasonFetch, err)
	}
	if len(messages) < e.batchSize {
		return chatlog.SummaryBatch{}, false, nil
	}

	authorIDs := make([]int64, len(messages))
	for index, message := range messages {
		authorIDs[index] = message.AuthorID
	}
	names, err := e.names.DisplayNames(ctx, authorIDs)
	if err != nil {
		return chatlog.SummaryBatch{}, false, e.fail(opSummarize, reasonNames, err)
	}
	lines := make([]string, len(messages))
	for index, message := range messages {
		lines[index] = generation.FormatLine(message.Timestamp, names[message.AuthorID], message.Text)
	}

	if err := e.holdLease(ctx); err != nil {
		return chatlog.SummaryBatch{}, false, err
	}
	completion, err := e.generator.Complete(ctx, generation.SummarizeMessagesPrompt(lines), e.temperature)
	if err != nil {
		return chatlog.SummaryBatch{}, false, e.fail(opSummarize, reasonGeneration, err)
	}

	first, last := messages[0], messages[len(messages)-1]
	batch := chatlog.SummaryBatch{
		BatchID:       chatlog.BatchIDFor(last.ID, e.batchSize),
		FromMessageID: first.ID,
		ToMessageID:   last.ID,
		FromTimestamp: first.Timestamp,
		ToTimestamp:   last.Timestamp,
		Text:          completion.Text,
		TokensIn:      completion.TokensIn,
		TokensOut:     completion.TokensOut,
	}
	for _, message := range messages {
		if message.Timestamp.Before(batch.FromTimestamp) {
			batch.FromTimestamp = message.Timestamp
		}
		if message.Timestamp.After(batch.ToTimestamp) {
			batch.ToTimestamp = message.Timestamp
		}
	}
	if err := e.store.InsertSummary(ctx, batch); err != nil {
		return chatlog.SummaryBatch{}, false, e.fail(opSummarize, reasonPersist, err)
	}
	e.logger.Info("summary created",
		zap.Int64("batch_id", batch.BatchID),
		zap.Int64("from_message_id", batch.FromMessageID),
		zap.Int64("to_message_id", batch.ToMessageID),
		zap.Int64("tokens_in", batch.TokensIn),
		zap.Int64("tokens_out", batch.TokensOut))
	e.publisher.Publish(newSummaryEvent(batch, e.clock()))
	return batch, true, nil
}

func (e *Engine) promote(ctx context.Context, result *CycleResult) error {
	for ctx.Err() == nil {
		rollup, created, err := e.MaybeMakeContext(ctx)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		result.Contexts = append(result.Contexts, rollup)
	}
	return ctx.Err()
}

// holdLease acquires or renews the lease. It runs before every generation
// call so the lease outlives the call that precedes each write.
func (e *Engine) holdLease(ctx context.Context) error {
	acquired, err := e.leaser.Acquire(ctx, e.holder, e.leaseTTL)
	if err != nil {
		return e.fail(opLease, reasonAcquire, err)
	}
	if !acquired {
		return ErrLeaseHeld
	}
	return nil
}

func (e *Engine) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.leaser.Release(ctx, e.holder); err != nil {
		e.logger.Warn("rollup lease release failed", zap.Error(err))
	}
}

func (e *Engine) fail(operation, reason string, cause error) error {
	err := chatlog.NewServiceError(operation, reason, cause)
	e.logger.Warn("rollup step failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause))
	return err
}
