// Package generation adapts OpenAI-compatible chat completion backends into a
// single Complete call that returns text plus token usage.
package generation

import "context"

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message sent to the backend.
type Turn struct {
	Role    string
	Content string
}

// Completion is the backend's answer with its token usage.
type Completion struct {
	Text      string
	TokensIn  int64
	TokensOut int64
}

// Completer turns an ordered list of turns into generated text.
type Completer interface {
	Complete(ctx context.Context, turns []Turn, temperature float64) (Completion, error)
}
