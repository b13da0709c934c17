package query

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/chronicle/internal/audit"
	"github.com/MarcoPoloResearchLab/chronicle/internal/generation"
	"go.uber.org/zap"
)

const toolMarker = "TOOL:"

// ErrEmptyQuestion indicates a blank question.
var ErrEmptyQuestion = errors.New("query: question is required")

var errMissingTools = errors.New("query: tools are required")

// ToolCall is a tool request parsed from a draft answer.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ParseToolCall extracts the first TOOL: {json} block from a draft. Drafts
// without a marker or with malformed JSON carry no tool call.
func ParseToolCall(draft string) (ToolCall, bool) {
	index := strings.Index(draft, toolMarker)
	if index < 0 {
		return ToolCall{}, false
	}
	decoder := json.NewDecoder(strings.NewReader(strings.TrimSpace(draft[index+len(toolMarker):])))
	var call ToolCall
	if err := decoder.Decode(&call); err != nil {
		return ToolCall{}, false
	}
	call.Name = strings.TrimSpace(call.Name)
	if call.Name == "" {
		return ToolCall{}, false
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return call, true
}

// Answer is the result of a free-form question.
type Answer struct {
	Text      string `json:"text"`
	Tool      string `json:"tool,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// AskerConfig describes the free-form question dependencies.
type AskerConfig struct {
	Generator   generation.Completer
	Tools       *Tools
	Temperature float64
	Audit       *audit.Logger
	Logger      *zap.Logger
}

// Asker answers free-form questions, fetching data through one read tool
// when the first draft asks for it.
type Asker struct {
	generator   generation.Completer
	tools       *Tools
	temperature float64
	audit       *audit.Logger
	logger      *zap.Logger
}

// NewAsker constructs an asker.
func NewAsker(cfg AskerConfig) (*Asker, error) {
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	if cfg.Tools == nil {
		return nil, errMissingTools
	}
	asker := &Asker{
		generator:   cfg.Generator,
		tools:       cfg.Tools,
		temperature: cfg.Temperature,
		audit:       cfg.Audit,
		logger:      cfg.Logger,
	}
	if asker.temperature <= 0 {
		asker.temperature = generation.DefaultTemperature
	}
	if asker.logger == nil {
		asker.logger = zap.NewNop()
	}
	return asker, nil
}

// Ask routes the question through a draft and, when requested, one tool call.
func (a *Asker) Ask(ctx context.Context, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}
	draft, err := a.generator.Complete(ctx, generation.ToolRouterPrompt(question), a.temperature)
	if err != nil {
		return Answer{}, err
	}
	call, ok := ParseToolCall(draft.Text)
	if !ok {
		return Answer{Text: draft.Text}, nil
	}

	a.audit.ToolRequest(ctx, draft.Text, call.Name, call.Args)
	result, err := a.tools.Run(ctx, call.Name, call.Args)
	if err != nil {
		if errors.Is(err, ErrUnknownTool) {
			a.logger.Warn("unknown tool requested", zap.String("tool", call.Name))
		}
		return Answer{Tool: call.Name}, err
	}
	a.audit.ToolResult(ctx, result.Tool, len(result.Data), result.Truncated)

	final, err := a.generator.Complete(ctx, generation.ToolAnswerPrompt(question, draft.Text, result.Data), a.temperature)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: final.Text, Tool: result.Tool, Truncated: result.Truncated}, nil
}
