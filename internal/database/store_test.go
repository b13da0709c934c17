package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "chronicle.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func seedMessages(t *testing.T, store *Store, fromID, toID int64) {
	t.Helper()
	for id := fromID; id <= toID; id++ {
		message := chatlog.Message{
			ID:        id,
			AuthorID:  1 + id%3,
			Text:      "message",
			Timestamp: baseTime.Add(time.Duration(id) * time.Second),
		}
		if err := store.InsertMessage(context.Background(), message); err != nil {
			t.Fatalf("failed to insert message %d: %v", id, err)
		}
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatalf("expected error for missing database")
	}
}

func TestInsertMessageIgnoresRedelivery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	message := chatlog.Message{ID: 5, AuthorID: 1, Text: "first", Timestamp: baseTime}
	if err := store.InsertMessage(ctx, message); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	message.Text = "second"
	if err := store.InsertMessage(ctx, message); err != nil {
		t.Fatalf("redelivery should be ignored, got %v", err)
	}
	stored, err := store.MessagesAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(stored) != 1 || stored[0].Text != "first" {
		t.Fatalf("expected original message to be kept, got %#v", stored)
	}
}

func TestInsertMessageRejectsEmptyText(t *testing.T) {
	store := newTestStore(t)
	err := store.InsertMessage(context.Background(), chatlog.Message{ID: 1, AuthorID: 1, Text: "  ", Timestamp: baseTime})
	if err == nil {
		t.Fatalf("expected empty text to be rejected")
	}
}

func TestMessagesAfterReturnsAscendingLimitedBatch(t *testing.T) {
	store := newTestStore(t)
	seedMessages(t, store, 1, 30)

	messages, err := store.MessagesAfter(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	for index, message := range messages {
		if message.ID != int64(11+index) {
			t.Fatalf("unexpected id at %d: %d", index, message.ID)
		}
		if !message.Timestamp.Equal(baseTime.Add(time.Duration(message.ID) * time.Second)) {
			t.Fatalf("timestamp did not round-trip for %d: %s", message.ID, message.Timestamp)
		}
	}
}

func TestMessagesInWindowAndOldestTimestamp(t *testing.T) {
	store := newTestStore(t)
	seedMessages(t, store, 1, 50)
	ctx := context.Background()

	window, err := store.MessagesInWindow(ctx, 10)
	if err != nil {
		t.Fatalf("window query failed: %v", err)
	}
	if len(window) != 10 || window[0].ID != 41 || window[9].ID != 50 {
		t.Fatalf("unexpected window: first=%d len=%d", window[0].ID, len(window))
	}

	oldest, ok, err := store.OldestTimestampInWindow(ctx, 1000)
	if err != nil || !ok {
		t.Fatalf("expected oldest timestamp, ok=%v err=%v", ok, err)
	}
	if !oldest.Equal(baseTime.Add(time.Second)) {
		t.Fatalf("unexpected oldest timestamp %s", oldest)
	}
}

func TestOldestTimestampInWindowEmptyStore(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.OldestTimestampInWindow(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no timestamp for empty store")
	}
}

func TestMessagesMatchingFoldsCaseAndKeepsMostRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	texts := []string{"Деплой в пятницу", "lunch?", "деплой отменён", "DEPLOY done", "deploy again"}
	for index, text := range texts {
		message := chatlog.Message{ID: int64(index + 1), AuthorID: 1, Text: text, Timestamp: baseTime.Add(time.Duration(index) * time.Minute)}
		if err := store.InsertMessage(ctx, message); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	matches, err := store.MessagesMatching(ctx, "деплой", 100, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(matches) != 2 || matches[0].ID != 1 || matches[1].ID != 3 {
		t.Fatalf("unexpected cyrillic matches: %#v", matches)
	}

	matches, err = store.MessagesMatching(ctx, "deploy", 100, 1)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 5 {
		t.Fatalf("expected most recent match only, got %#v", matches)
	}

	matches, err = store.MessagesMatching(ctx, "deploy", 1, 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 5 {
		t.Fatalf("expected window to bound the scan, got %#v", matches)
	}
}

func TestRawTailHonoursFrontierAndCap(t *testing.T) {
	store := newTestStore(t)
	seedMessages(t, store, 1, 20)
	ctx := context.Background()
	frontier := baseTime.Add(10 * time.Second)

	exclusive, err := store.RawTail(ctx, chatlog.Frontier{At: frontier}, 100)
	if err != nil {
		t.Fatalf("tail query failed: %v", err)
	}
	if len(exclusive) != 10 || exclusive[0].ID != 11 {
		t.Fatalf("unexpected exclusive tail: len=%d", len(exclusive))
	}

	inclusive, err := store.RawTail(ctx, chatlog.Frontier{At: frontier, Inclusive: true}, 100)
	if err != nil {
		t.Fatalf("tail query failed: %v", err)
	}
	if len(inclusive) != 11 || inclusive[0].ID != 10 {
		t.Fatalf("unexpected inclusive tail: len=%d", len(inclusive))
	}

	capped, err := store.RawTail(ctx, chatlog.Frontier{At: frontier}, 3)
	if err != nil {
		t.Fatalf("tail query failed: %v", err)
	}
	if len(capped) != 3 || capped[0].ID != 18 || capped[2].ID != 20 {
		t.Fatalf("expected most recent capped tail ascending, got %#v", capped)
	}
}

func TestKeyedFrontiersIgnoreTimestampTies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for id := int64(1); id <= 4; id++ {
		message := chatlog.Message{ID: id, AuthorID: 1, Text: "same second", Timestamp: baseTime}
		if err := store.InsertMessage(ctx, message); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	tail, err := store.RawTail(ctx, chatlog.AfterKey(2), 100)
	if err != nil {
		t.Fatalf("tail query failed: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != 3 || tail[1].ID != 4 {
		t.Fatalf("expected ids 3 and 4 after key 2, got %#v", tail)
	}

	for batchID := int64(0); batchID < 3; batchID++ {
		batch := chatlog.SummaryBatch{BatchID: batchID, FromMessageID: batchID*10 + 1, ToMessageID: batchID*10 + 10, FromTimestamp: baseTime, ToTimestamp: baseTime, Text: "s"}
		if err := store.InsertSummary(ctx, batch); err != nil {
			t.Fatalf("insert summary failed: %v", err)
		}
	}
	batches, err := store.SummariesSince(ctx, chatlog.FromKey(1))
	if err != nil {
		t.Fatalf("summaries query failed: %v", err)
	}
	if len(batches) != 2 || batches[0].BatchID != 1 || batches[1].BatchID != 2 {
		t.Fatalf("expected batches 1 and 2 from key 1, got %#v", batches)
	}
}

func TestWatermarksAbsentUntilRowsExist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LastSummarizedMessageID(ctx); err != nil || ok {
		t.Fatalf("expected absent summary watermark, ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.LastContextBatchID(ctx); err != nil || ok {
		t.Fatalf("expected absent context watermark, ok=%v err=%v", ok, err)
	}

	batch := chatlog.SummaryBatch{BatchID: 0, FromMessageID: 1, ToMessageID: 99, FromTimestamp: baseTime, ToTimestamp: baseTime.Add(time.Hour), Text: "s"}
	if err := store.InsertSummary(ctx, batch); err != nil {
		t.Fatalf("insert summary failed: %v", err)
	}
	if err := store.InsertSummary(ctx, batch); err == nil {
		t.Fatalf("expected duplicate batch id to be rejected")
	}
	rollup := chatlog.Context{ContextID: 0, FromBatchID: 0, ToBatchID: 0, FromTimestamp: baseTime, ToTimestamp: baseTime.Add(time.Hour), Text: "c"}
	if err := store.InsertContext(ctx, rollup); err != nil {
		t.Fatalf("insert context failed: %v", err)
	}

	lastTo, ok, err := store.LastSummarizedMessageID(ctx)
	if err != nil || !ok || lastTo != 99 {
		t.Fatalf("unexpected summary watermark %d ok=%v err=%v", lastTo, ok, err)
	}
	lastBatch, ok, err := store.LastContextBatchID(ctx)
	if err != nil || !ok || lastBatch != 0 {
		t.Fatalf("unexpected context watermark %d ok=%v err=%v", lastBatch, ok, err)
	}
}

func TestLatestProfilesPicksGreatestLastSeen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	versions := []chatlog.UserProfile{
		{AuthorID: 1, Username: "old", FirstSeen: baseTime, LastSeen: baseTime},
		{AuthorID: 1, Username: "new", FirstSeen: baseTime, LastSeen: baseTime.Add(time.Hour)},
		{AuthorID: 2, FirstName: "Boris", FirstSeen: baseTime, LastSeen: baseTime},
	}
	for _, version := range versions {
		if err := store.InsertUserVersion(ctx, version); err != nil {
			t.Fatalf("insert profile failed: %v", err)
		}
	}

	profiles, err := store.LatestProfiles(ctx, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("profiles query failed: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected two known profiles, got %d", len(profiles))
	}
	if profiles[1].Username != "new" {
		t.Fatalf("expected latest version, got %q", profiles[1].Username)
	}

	firstSeen, ok, err := store.EarliestFirstSeen(ctx, 1)
	if err != nil || !ok || !firstSeen.Equal(baseTime) {
		t.Fatalf("unexpected first seen %s ok=%v err=%v", firstSeen, ok, err)
	}
}
