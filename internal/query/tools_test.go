package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/stretchr/testify/require"
)

func TestToolsMessagesWindowResolvesNames(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 30, plainText)
	require.NoError(t, f.users.UpsertProfile(context.Background(), chatlog.UserProfile{AuthorID: 1, Username: "anna99"}))

	views, err := f.tools.GetMessagesWindow(context.Background(), 5)

	require.NoError(t, err)
	require.Len(t, views, 5)
	require.EqualValues(t, 26, views[0].MessageID)
	require.Equal(t, "anna99", views[0].Author)
	require.Equal(t, "2026-03-01T12:00:26Z", views[0].Timestamp)
}

func TestToolsRunParsesLooseArguments(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 20, func(id int64) string {
		if id%2 == 0 {
			return fmt.Sprintf("Deploy step %d", id)
		}
		return "chatter"
	})

	result, err := f.tools.Run(context.Background(), ToolSearchMessages, map[string]any{
		"query":  "deploy",
		"window": "10",
		"limit":  float64(2),
	})

	require.NoError(t, err)
	require.False(t, result.Truncated)
	var views []MessageView
	require.NoError(t, json.Unmarshal([]byte(result.Data), &views))
	require.Len(t, views, 2)
	require.EqualValues(t, 18, views[0].MessageID)
	require.EqualValues(t, 20, views[1].MessageID)
}

func TestToolsRunTruncatesLargeResults(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 40, func(int64) string {
		return strings.Repeat("длинное сообщение ", 40)
	})

	result, err := f.tools.Run(context.Background(), ToolGetMessagesWindow, nil)

	require.NoError(t, err)
	require.True(t, result.Truncated)
	require.Equal(t, MaxToolDataLength, utf8.RuneCountInString(result.Data))
}

func TestToolsRunUnknownTool(t *testing.T) {
	f := newFixture(t)

	_, err := f.tools.Run(context.Background(), "get_everything", nil)

	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestToolsSearchWithBlankQueryReturnsNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 3, plainText)

	views, err := f.tools.SearchMessages(context.Background(), "  ", 0, 0)

	require.NoError(t, err)
	require.Empty(t, views)
}
