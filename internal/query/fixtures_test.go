package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/database"
	"github.com/MarcoPoloResearchLab/chronicle/internal/generation"
	"github.com/MarcoPoloResearchLab/chronicle/internal/materialize"
	"github.com/MarcoPoloResearchLab/chronicle/internal/users"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	calls     [][]generation.Turn
}

func (g *scriptedGenerator) Complete(_ context.Context, turns []generation.Turn, _ float64) (generation.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, turns)
	if len(g.responses) == 0 {
		return generation.Completion{}, errors.New("no scripted response left")
	}
	text := g.responses[0]
	g.responses = g.responses[1:]
	return generation.Completion{Text: text, TokensIn: 1, TokensOut: 1}, nil
}

type auditRecorder struct {
	mu     sync.Mutex
	events []chatlog.AuditEvent
}

func (a *auditRecorder) InsertAuditEvent(_ context.Context, event chatlog.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *auditRecorder) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	types := make([]string, len(a.events))
	for index, event := range a.events {
		types[index] = event.Type
	}
	return types
}

type fixture struct {
	store        *database.Store
	users        *users.Service
	materializer *materialize.Materializer
	tools        *Tools
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "query.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := database.NewStore(database.StoreConfig{Database: db})
	require.NoError(t, err)
	names, err := users.NewService(users.ServiceConfig{Store: store})
	require.NoError(t, err)
	materializer, err := materialize.New(materialize.Config{Store: store, Names: names})
	require.NoError(t, err)
	tools, err := NewTools(store, materializer)
	require.NoError(t, err)
	return &fixture{store: store, users: names, materializer: materializer, tools: tools}
}

func (f *fixture) seed(t *testing.T, fromID, toID int64, text func(id int64) string) {
	t.Helper()
	for id := fromID; id <= toID; id++ {
		require.NoError(t, f.store.InsertMessage(context.Background(), chatlog.Message{
			ID:        id,
			AuthorID:  1,
			Text:      text(id),
			Timestamp: baseTime.Add(time.Duration(id) * time.Second),
		}))
	}
}

func plainText(id int64) string {
	return fmt.Sprintf("message %d", id)
}
