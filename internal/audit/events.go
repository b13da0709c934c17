package audit

import (
	"context"
	"time"
)

// LLMChatStart records the beginning of a generation call.
func (l *Logger) LLMChatStart(ctx context.Context, provider, model string, turns int) {
	l.Log(ctx, TypeLLMChatStart, Payload{
		"provider": provider,
		"model":    model,
		"turns":    turns,
	})
}

// LLMChatEnd records the outcome of a generation call.
func (l *Logger) LLMChatEnd(ctx context.Context, provider, model string, latency time.Duration, tokensIn, tokensOut int64, callErr error) {
	payload := Payload{
		"provider":   provider,
		"model":      model,
		"latency_ms": latency.Milliseconds(),
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
		"ok":         callErr == nil,
	}
	if callErr != nil {
		payload["error"] = callErr.Error()
	}
	l.Log(ctx, TypeLLMChatEnd, payload)
}

// ToolRequest records a read tool invocation requested by the router draft.
func (l *Logger) ToolRequest(ctx context.Context, draft, tool string, args map[string]any) {
	l.Log(ctx, TypeToolRequest, Payload{"draft": draft, "tool": tool, "args": args})
}

// ToolResult records the size of the data a tool returned.
func (l *Logger) ToolResult(ctx context.Context, tool string, length int, truncated bool) {
	l.Log(ctx, TypeToolResult, Payload{"tool": tool, "length": length, "truncated": truncated})
}

// Exception records a failure in component where.
func (l *Logger) Exception(ctx context.Context, where string, err error) {
	payload := Payload{"where": where}
	if err != nil {
		payload["error"] = err.Error()
	}
	l.Log(ctx, TypeException, payload)
}

// BlockedChat describes an update received from a chat outside the whitelist.
type BlockedChat struct {
	ChatID    int64
	ChatType  string
	ChatTitle string
	UserID    int64
	Username  string
}

// SecurityBlocked records an update from a chat outside the whitelist.
func (l *Logger) SecurityBlocked(ctx context.Context, blocked BlockedChat) {
	l.Log(ctx, TypeSecurityBlocked, Payload{
		"chat_id":    blocked.ChatID,
		"chat_type":  blocked.ChatType,
		"chat_title": blocked.ChatTitle,
		"user_id":    blocked.UserID,
		"username":   blocked.Username,
		"reason":     "not in whitelist",
	})
}

// RollupStatus records the rollup watermarks and backlog.
func (l *Logger) RollupStatus(ctx context.Context, status Payload) {
	l.Log(ctx, TypeRollupStatus, status)
}
