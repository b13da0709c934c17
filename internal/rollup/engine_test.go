package rollup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/database"
	"github.com/MarcoPoloResearchLab/chronicle/internal/generation"
	"github.com/MarcoPoloResearchLab/chronicle/internal/users"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scriptedGenerator struct {
	mu    sync.Mutex
	calls [][]generation.Turn
	err   error
}

func (g *scriptedGenerator) Complete(_ context.Context, turns []generation.Turn, _ float64) (generation.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return generation.Completion{}, g.err
	}
	g.calls = append(g.calls, turns)
	return generation.Completion{Text: fmt.Sprintf("generated %d", len(g.calls)), TokensIn: 100, TokensOut: 10}, nil
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func (p *recordingPublisher) Publish(event Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	if p.notify != nil {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}

type refusingLeaser struct{}

func (refusingLeaser) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (refusingLeaser) Release(context.Context, string) error {
	return nil
}

// meteredLeaser grants a fixed number of acquisitions and records how many
// generation calls had happened at each one.
type meteredLeaser struct {
	mu        sync.Mutex
	grants    int
	generator *scriptedGenerator
	seenCalls []int
}

func (l *meteredLeaser) Acquire(context.Context, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seenCalls = append(l.seenCalls, l.generator.callCount())
	if l.grants <= 0 {
		return false, nil
	}
	l.grants--
	return true, nil
}

func (l *meteredLeaser) Release(context.Context, string) error {
	return nil
}

type testHarness struct {
	store     *database.Store
	generator *scriptedGenerator
	publisher *recordingPublisher
	engine    *Engine
}

func newHarness(t *testing.T, batchSize, contextSize int) *testHarness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "rollup.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := database.NewStore(database.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	names, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	harness := &testHarness{
		store:     store,
		generator: &scriptedGenerator{},
		publisher: &recordingPublisher{notify: make(chan struct{}, 1)},
	}
	harness.engine, err = NewEngine(Config{
		Store:        store,
		Names:        names,
		Generator:    harness.generator,
		BatchSize:    batchSize,
		ContextSize:  contextSize,
		IdleInterval: 10 * time.Millisecond,
		Publisher:    harness.publisher,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return harness
}

func (h *testHarness) seed(t *testing.T, fromID, toID int64) {
	t.Helper()
	for id := fromID; id <= toID; id++ {
		message := chatlog.Message{
			ID:        id,
			AuthorID:  1,
			Text:      fmt.Sprintf("message %d", id),
			Timestamp: baseTime.Add(time.Duration(id) * time.Minute),
		}
		if err := h.store.InsertMessage(context.Background(), message); err != nil {
			t.Fatalf("failed to insert message %d: %v", id, err)
		}
	}
}

func TestRunCycleSummarizesOnlyCompleteBatches(t *testing.T) {
	harness := newHarness(t, 100, 10)
	harness.seed(t, 1, 250)

	result, err := harness.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(result.Summaries) != 2 {
		t.Fatalf("expected two summaries, got %d", len(result.Summaries))
	}
	first, second := result.Summaries[0], result.Summaries[1]
	if first.FromMessageID != 1 || first.ToMessageID != 100 || first.BatchID != 1 {
		t.Fatalf("unexpected first batch %+v", first)
	}
	if second.FromMessageID != 101 || second.ToMessageID != 200 || second.BatchID != 2 {
		t.Fatalf("unexpected second batch %+v", second)
	}
	if !first.FromTimestamp.Equal(baseTime.Add(time.Minute)) || !first.ToTimestamp.Equal(baseTime.Add(100*time.Minute)) {
		t.Fatalf("unexpected first batch interval %s..%s", first.FromTimestamp, first.ToTimestamp)
	}
	if len(result.Contexts) != 0 {
		t.Fatalf("expected no contexts, got %d", len(result.Contexts))
	}

	again, err := harness.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if len(again.Summaries) != 0 {
		t.Fatalf("partial batch must not be summarized, got %d summaries", len(again.Summaries))
	}

	harness.seed(t, 251, 300)
	result, err = harness.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("third cycle failed: %v", err)
	}
	if len(result.Summaries) != 1 || result.Summaries[0].FromMessageID != 201 || result.Summaries[0].ToMessageID != 300 {
		t.Fatalf("expected batch [201,300], got %+v", result.Summaries)
	}
	if harness.generator.callCount() != 3 {
		t.Fatalf("expected three generation calls, got %d", harness.generator.callCount())
	}
}

func TestSummaryPromptCarriesFormattedLines(t *testing.T) {
	harness := newHarness(t, 2, 10)
	harness.seed(t, 1, 2)
	names, _ := users.NewService(users.ServiceConfig{Store: harness.store})
	if err := names.UpsertProfile(context.Background(), chatlog.UserProfile{AuthorID: 1, FirstName: "Anna", Username: "anna99"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if _, err := harness.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if harness.generator.callCount() != 1 {
		t.Fatalf("expected one generation call, got %d", harness.generator.callCount())
	}
	prompt := harness.generator.calls[0][1].Content
	if !strings.Contains(prompt, "2026-03-01T12:01:00Z | Anna: message 1\n2026-03-01T12:02:00Z | Anna: message 2") {
		t.Fatalf("prompt did not contain formatted lines: %q", prompt)
	}
}

func TestMaybeMakeContextFoldsTenBatches(t *testing.T) {
	harness := newHarness(t, 100, 10)
	ctx := context.Background()
	for batchID := int64(0); batchID < 10; batchID++ {
		batch := chatlog.SummaryBatch{
			BatchID:       batchID,
			FromMessageID: batchID*100 + 1,
			ToMessageID:   batchID*100 + 100,
			FromTimestamp: baseTime.Add(time.Duration(batchID) * time.Hour),
			ToTimestamp:   baseTime.Add(time.Duration(batchID)*time.Hour + 30*time.Minute),
			Text:          fmt.Sprintf("summary %d", batchID),
		}
		if err := harness.store.InsertSummary(ctx, batch); err != nil {
			t.Fatalf("insert summary failed: %v", err)
		}
	}

	rollup, created, err := harness.engine.MaybeMakeContext(ctx)
	if err != nil {
		t.Fatalf("promotion failed: %v", err)
	}
	if !created {
		t.Fatalf("expected a context to be created")
	}
	if rollup.FromBatchID != 0 || rollup.ToBatchID != 9 || rollup.ContextID != 0 {
		t.Fatalf("unexpected context %+v", rollup)
	}
	if !rollup.FromTimestamp.Equal(baseTime) || !rollup.ToTimestamp.Equal(baseTime.Add(9*time.Hour+30*time.Minute)) {
		t.Fatalf("unexpected context interval %s..%s", rollup.FromTimestamp, rollup.ToTimestamp)
	}
	prompt := harness.generator.calls[0][1].Content
	if !strings.Contains(prompt, "- Summary 1:\nsummary 0") || !strings.Contains(prompt, "- Summary 10:\nsummary 9") {
		t.Fatalf("context prompt missing summaries: %q", prompt)
	}

	_, created, err = harness.engine.MaybeMakeContext(ctx)
	if err != nil {
		t.Fatalf("second promotion failed: %v", err)
	}
	if created {
		t.Fatalf("promotion must not repeat for the same batches")
	}
}

func TestRunCyclePromotesAfterEachSummary(t *testing.T) {
	harness := newHarness(t, 2, 2)
	harness.seed(t, 1, 9)

	result, err := harness.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(result.Summaries) != 4 || len(result.Contexts) != 2 {
		t.Fatalf("expected 4 summaries and 2 contexts, got %d and %d", len(result.Summaries), len(result.Contexts))
	}
	if result.Contexts[0].FromBatchID != 1 || result.Contexts[0].ToBatchID != 2 || result.Contexts[0].ContextID != 1 {
		t.Fatalf("unexpected first context %+v", result.Contexts[0])
	}
	if result.Contexts[1].FromBatchID != 3 || result.Contexts[1].ToBatchID != 4 || result.Contexts[1].ContextID != 2 {
		t.Fatalf("unexpected second context %+v", result.Contexts[1])
	}

	types := make([]string, 0, len(harness.publisher.events))
	for _, event := range harness.publisher.events {
		types = append(types, event.Type)
	}
	want := []string{
		EventSummaryCreated, EventSummaryCreated, EventContextCreated,
		EventSummaryCreated, EventSummaryCreated, EventContextCreated,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event order %v", types)
	}
}

func TestRunCycleGenerationFailureWritesNothing(t *testing.T) {
	harness := newHarness(t, 10, 10)
	harness.seed(t, 1, 15)
	cause := &generation.BackendError{Provider: "groq", Model: "m", Err: errors.New("503")}
	harness.generator.err = cause

	_, err := harness.engine.RunCycle(context.Background())
	if err == nil {
		t.Fatalf("expected generation failure")
	}
	var backendErr *generation.BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected backend error in chain, got %v", err)
	}
	var serviceErr *chatlog.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "rollup.summarize.generation_failed" {
		t.Fatalf("unexpected error code: %v", err)
	}
	if _, present, _ := harness.store.LastSummarizedMessageID(context.Background()); present {
		t.Fatalf("failed generation must not persist a summary")
	}

	harness.generator.err = nil
	result, err := harness.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(result.Summaries) != 1 || result.Summaries[0].FromMessageID != 1 || result.Summaries[0].ToMessageID != 10 {
		t.Fatalf("retry should summarize the same batch, got %+v", result.Summaries)
	}
}

func TestRunCycleResumesPendingPromotion(t *testing.T) {
	harness := newHarness(t, 1, 2)
	ctx := context.Background()
	for batchID := int64(1); batchID <= 2; batchID++ {
		batch := chatlog.SummaryBatch{BatchID: batchID, FromMessageID: batchID, ToMessageID: batchID, FromTimestamp: baseTime, ToTimestamp: baseTime, Text: "s"}
		if err := harness.store.InsertSummary(ctx, batch); err != nil {
			t.Fatalf("insert summary failed: %v", err)
		}
	}

	result, err := harness.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(result.Contexts) != 1 || len(result.Summaries) != 0 {
		t.Fatalf("expected pending context to be promoted, got %+v", result)
	}
}

func TestRunCycleRespectsForeignLease(t *testing.T) {
	harness := newHarness(t, 1, 1)
	harness.seed(t, 1, 3)
	harness.engine.leaser = refusingLeaser{}

	_, err := harness.engine.RunCycle(context.Background())
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if harness.generator.callCount() != 0 {
		t.Fatalf("no generation may happen without the lease")
	}
}

func TestRunCycleRenewsLeaseBeforeEveryGeneration(t *testing.T) {
	harness := newHarness(t, 2, 2)
	harness.seed(t, 1, 4)
	leaser := &meteredLeaser{grants: 100, generator: harness.generator}
	harness.engine.leaser = leaser

	result, err := harness.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(result.Summaries) != 2 || len(result.Contexts) != 1 {
		t.Fatalf("expected two summaries and one context, got %d and %d", len(result.Summaries), len(result.Contexts))
	}
	renewedAt := make(map[int]bool)
	for _, calls := range leaser.seenCalls {
		renewedAt[calls] = true
	}
	for call := 0; call < harness.generator.callCount(); call++ {
		if !renewedAt[call] {
			t.Fatalf("generation call %d ran without a lease renewal; renewals at %v", call, leaser.seenCalls)
		}
	}
}

func TestRunCycleStopsWhenLeaseLostMidCycle(t *testing.T) {
	harness := newHarness(t, 2, 10)
	harness.seed(t, 1, 6)
	harness.engine.leaser = &meteredLeaser{grants: 2, generator: harness.generator}

	result, err := harness.engine.RunCycle(context.Background())
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if len(result.Summaries) != 1 || harness.generator.callCount() != 1 {
		t.Fatalf("expected one summary before the lease was lost, got %d summaries and %d calls",
			len(result.Summaries), harness.generator.callCount())
	}
	lastTo, ok, err := harness.store.LastSummarizedMessageID(context.Background())
	if err != nil || !ok || lastTo != 2 {
		t.Fatalf("expected watermark at 2, got %d ok=%v err=%v", lastTo, ok, err)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	harness := newHarness(t, 5, 10)
	harness.seed(t, 1, 5)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- harness.engine.Run(ctx)
	}()

	select {
	case <-harness.publisher.notify:
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not publish a summary")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop after cancellation")
	}
}

func TestStatusReportsWatermarksAndBacklog(t *testing.T) {
	harness := newHarness(t, 10, 10)
	harness.seed(t, 1, 25)
	if _, err := harness.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	status, err := harness.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.MaxMessageID != 25 || status.LastSummarizedMessageID != 20 || status.Backlog != 5 {
		t.Fatalf("unexpected status %+v", status)
	}
	if !status.HasSummaries || status.MaxSummaryBatchID != 2 || status.HasContexts {
		t.Fatalf("unexpected tier status %+v", status)
	}
	payload := status.Payload()
	if _, ok := payload["last_context_batch_id"]; ok {
		t.Fatalf("absent context watermark must not be reported")
	}
}

func TestNewStatusReporterRejectsBadSchedule(t *testing.T) {
	harness := newHarness(t, 10, 10)
	if _, err := NewStatusReporter(harness.engine, "not a schedule", nil, nil); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	reporter, err := NewStatusReporter(harness.engine, "", nil, nil)
	if err != nil {
		t.Fatalf("default schedule rejected: %v", err)
	}
	reporter.Report()
}
