package rollup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/audit"
	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultStatusSchedule is the cron expression of the status reporter.
const DefaultStatusSchedule = "@every 1h"

const statusTimeout = 30 * time.Second

// Status is a point-in-time view of rollup progress.
type Status struct {
	MaxMessageID            int64
	LastSummarizedMessageID int64
	LastContextBatchID      int64
	MaxSummaryBatchID       int64
	MaxContextID            int64
	HasSummaries            bool
	HasContexts             bool
	Backlog                 int64
}

// Payload converts the status into audit fields.
func (s Status) Payload() audit.Payload {
	payload := audit.Payload{
		"max_message_id":             s.MaxMessageID,
		"last_summarized_message_id": s.LastSummarizedMessageID,
		"backlog":                    s.Backlog,
	}
	if s.HasSummaries {
		payload["max_summary_batch_id"] = s.MaxSummaryBatchID
	}
	if s.HasContexts {
		payload["last_context_batch_id"] = s.LastContextBatchID
		payload["max_context_id"] = s.MaxContextID
	}
	return payload
}

// Status reads both watermarks and the unsummarized backlog.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var status Status
	var err error
	if status.MaxMessageID, _, err = e.store.MaxMessageID(ctx); err != nil {
		return Status{}, err
	}
	if status.LastSummarizedMessageID, _, err = e.store.LastSummarizedMessageID(ctx); err != nil {
		return Status{}, err
	}
	if status.MaxSummaryBatchID, status.HasSummaries, err = e.store.MaxSummaryBatchID(ctx); err != nil {
		return Status{}, err
	}
	if status.LastContextBatchID, status.HasContexts, err = e.store.LastContextBatchID(ctx); err != nil {
		return Status{}, err
	}
	if status.MaxContextID, _, err = e.store.MaxContextID(ctx); err != nil {
		return Status{}, err
	}
	if status.Backlog, err = e.store.CountMessagesAfter(ctx, status.LastSummarizedMessageID); err != nil {
		return Status{}, err
	}
	return status, nil
}

// StatusReporter periodically records the engine status as an audit event.
type StatusReporter struct {
	cron   *rcron.Cron
	engine *Engine
	audit  *audit.Logger
	logger *zap.Logger
}

// NewStatusReporter schedules status reports with a standard cron expression
// or descriptor such as "@every 1h".
func NewStatusReporter(engine *Engine, schedule string, auditLogger *audit.Logger, logger *zap.Logger) (*StatusReporter, error) {
	if engine == nil {
		return nil, errors.New("rollup: engine is required")
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultStatusSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reporter := &StatusReporter{
		cron:   rcron.New(),
		engine: engine,
		audit:  auditLogger,
		logger: logger,
	}
	if _, err := reporter.cron.AddFunc(schedule, reporter.Report); err != nil {
		return nil, err
	}
	return reporter, nil
}

// Report records one status event.
func (r *StatusReporter) Report() {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	status, err := r.engine.Status(ctx)
	if err != nil {
		r.logger.Warn("rollup status failed", zap.Error(err))
		r.audit.Exception(ctx, "rollup.status", err)
		return
	}
	r.logger.Info("rollup status",
		zap.Int64("max_message_id", status.MaxMessageID),
		zap.Int64("last_summarized_message_id", status.LastSummarizedMessageID),
		zap.Int64("backlog", status.Backlog))
	r.audit.RollupStatus(ctx, status.Payload())
}

// Start begins the schedule in its own goroutine.
func (r *StatusReporter) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running report to finish.
func (r *StatusReporter) Stop() {
	<-r.cron.Stop().Done()
}
