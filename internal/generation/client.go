package generation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/audit"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
)

// Providers.
const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
)

const (
	groqBaseURL        = "https://api.groq.com/openai/v1"
	defaultGroqModel   = "llama-3.1-8b-instant"
	defaultOpenAIModel = "gpt-5"
	defaultTimeout     = 60 * time.Second
)

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Config selects the provider and its credentials.
type Config struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Audit      *audit.Logger
	Logger     *zap.Logger
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	completions chatCompletions
	provider    string
	model       string
	timeout     time.Duration
	audit       *audit.Logger
	logger      *zap.Logger
	clock       func() time.Time
}

var _ Completer = (*Client)(nil)

// NewClient constructs a client for the configured provider.
func NewClient(cfg Config) (*Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderGroq
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	model := strings.TrimSpace(cfg.Model)
	switch provider {
	case ProviderGroq:
		if baseURL == "" {
			baseURL = groqBaseURL
		}
		if model == "" {
			model = defaultGroqModel
		}
	case ProviderOpenAI:
		if model == "" {
			model = defaultOpenAIModel
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	return newClient(&client.Chat.Completions, provider, model, cfg), nil
}

func newClient(completions chatCompletions, provider, model string, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		completions: completions,
		provider:    provider,
		model:       model,
		timeout:     timeout,
		audit:       cfg.Audit,
		logger:      logger,
		clock:       time.Now,
	}
}

// Provider reports the configured provider name.
func (c *Client) Provider() string {
	return c.provider
}

// Model reports the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends turns to the backend. Every call is audited with its latency,
// usage and outcome; failures are returned as *BackendError.
func (c *Client) Complete(ctx context.Context, turns []Turn, temperature float64) (Completion, error) {
	if len(turns) == 0 {
		return Completion{}, &BackendError{Provider: c.provider, Model: c.model, Err: ErrNoTurns}
	}
	c.audit.LLMChatStart(ctx, c.provider, c.model, len(turns))
	started := c.clock()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    convertTurns(turns),
		Temperature: openai.Float(temperature),
	}
	response, err := c.completions.New(callCtx, params)
	var result Completion
	if err == nil {
		result, err = convertCompletion(response)
	}
	latency := c.clock().Sub(started)
	c.audit.LLMChatEnd(ctx, c.provider, c.model, latency, result.TokensIn, result.TokensOut, err)
	if err != nil {
		c.logger.Warn("generation failed",
			zap.String("provider", c.provider),
			zap.String("model", c.model),
			zap.Duration("latency", latency),
			zap.Error(err))
		return Completion{}, &BackendError{Provider: c.provider, Model: c.model, Err: err}
	}
	return result, nil
}

func convertTurns(turns []Turn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(turn.Content),
					},
				},
			})
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	return messages
}

func convertCompletion(response *openai.ChatCompletion) (Completion, error) {
	if response == nil || len(response.Choices) == 0 {
		return Completion{}, ErrMalformedResponse
	}
	return Completion{
		Text:      strings.TrimSpace(response.Choices[0].Message.Content),
		TokensIn:  response.Usage.PromptTokens,
		TokensOut: response.Usage.CompletionTokens,
	}, nil
}
