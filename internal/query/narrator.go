// Package query serves read-side requests: narratives over the last N
// messages and free-form questions answered with optional read tools.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/chronicle/internal/audit"
	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/generation"
	"github.com/MarcoPoloResearchLab/chronicle/internal/materialize"
	"go.uber.org/zap"
)

const (
	// DefaultCacheDelta is how many new message ids a cached narrative tolerates.
	DefaultCacheDelta = 20
	cachedTailLines   = 10
	narrativeRoute    = "contexts>summaries>raw"
)

var (
	errMissingMaterializer = errors.New("query: materializer is required")
	errMissingMessages     = errors.New("query: message reader is required")
	errMissingGenerator    = errors.New("query: generator is required")
)

// Materializer builds tiered views and names raw messages.
type Materializer interface {
	BuildLastN(ctx context.Context, n int) (materialize.Materials, error)
	NameMessages(ctx context.Context, messages []chatlog.Message) ([]materialize.NamedMessage, error)
}

// MessageReader reads the id frontier and new messages.
type MessageReader interface {
	MaxMessageID(ctx context.Context) (int64, bool, error)
	MessagesAfter(ctx context.Context, afterID int64, limit int) ([]chatlog.Message, error)
	CountMessagesAfter(ctx context.Context, afterID int64) (int64, error)
}

// TierCounts reports how many items each tier contributed.
type TierCounts struct {
	Contexts  int `json:"contexts"`
	Summaries int `json:"summaries"`
	Raw       int `json:"raw"`
}

// Narrative is the answer to a "last N messages" request.
type Narrative struct {
	Text   string     `json:"text"`
	Cached bool       `json:"cached"`
	Counts TierCounts `json:"counts"`
}

type narrativeCache struct {
	windowSize int
	watermark  int64
	text       string
}

// NarratorConfig describes the narrator dependencies.
type NarratorConfig struct {
	Materializer Materializer
	Messages     MessageReader
	Generator    generation.Completer
	Temperature  float64
	CacheDelta   int64
	Audit        *audit.Logger
	Logger       *zap.Logger
}

// Narrator produces chronological narratives and keeps the most recent one.
type Narrator struct {
	materializer Materializer
	messages     MessageReader
	generator    generation.Completer
	temperature  float64
	cacheDelta   int64
	audit        *audit.Logger
	logger       *zap.Logger

	mu    sync.Mutex
	cache narrativeCache
}

// NewNarrator constructs a narrator.
func NewNarrator(cfg NarratorConfig) (*Narrator, error) {
	if cfg.Materializer == nil {
		return nil, errMissingMaterializer
	}
	if cfg.Messages == nil {
		return nil, errMissingMessages
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	narrator := &Narrator{
		materializer: cfg.Materializer,
		messages:     cfg.Messages,
		generator:    cfg.Generator,
		temperature:  cfg.Temperature,
		cacheDelta:   cfg.CacheDelta,
		audit:        cfg.Audit,
		logger:       cfg.Logger,
	}
	if narrator.temperature <= 0 {
		narrator.temperature = generation.DefaultTemperature
	}
	if narrator.cacheDelta <= 0 {
		narrator.cacheDelta = DefaultCacheDelta
	}
	if narrator.logger == nil {
		narrator.logger = zap.NewNop()
	}
	return narrator, nil
}

// Narrate returns a narrative of the last n messages. A cached narrative
// covering at least n messages is reused while fewer than the cache delta of
// new ids have arrived; the new messages are appended to it verbatim.
func (n *Narrator) Narrate(ctx context.Context, size int) (Narrative, error) {
	if size <= 0 {
		return Narrative{}, materialize.ErrInvalidWindow
	}
	maxID, _, err := n.messages.MaxMessageID(ctx)
	if err != nil {
		return Narrative{}, err
	}

	if cached, ok := n.cached(size, maxID); ok {
		text, err := n.extendCached(ctx, cached)
		if err != nil {
			return Narrative{}, err
		}
		return Narrative{Text: text, Cached: true}, nil
	}

	materials, err := n.materializer.BuildLastN(ctx, size)
	if err != nil {
		return Narrative{}, err
	}
	contexts, summaries, _ := materials.Texts()
	counts := TierCounts{Contexts: len(contexts), Summaries: len(summaries), Raw: len(materials.Tail)}
	prompt := generation.NarrativePrompt(contexts, summaries, materials.TailLines())
	completion, err := n.generator.Complete(ctx, prompt, n.temperature)
	if err != nil {
		return Narrative{}, err
	}

	n.audit.Log(ctx, audit.TypeNarrativeRoute, audit.Payload{
		"route": narrativeRoute,
		"counts": map[string]any{
			"contexts":  counts.Contexts,
			"summaries": counts.Summaries,
			"raw":       counts.Raw,
		},
		"n_requested": size,
	})
	n.store(narrativeCache{windowSize: size, watermark: maxID, text: completion.Text})
	n.logger.Info("narrative generated",
		zap.Int("n", size),
		zap.Int("contexts", counts.Contexts),
		zap.Int("summaries", counts.Summaries),
		zap.Int("raw", counts.Raw))
	return Narrative{Text: completion.Text, Counts: counts}, nil
}

func (n *Narrator) cached(size int, maxID int64) (narrativeCache, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cache.text == "" || n.cache.windowSize < size || maxID-n.cache.watermark > n.cacheDelta {
		return narrativeCache{}, false
	}
	return n.cache, true
}

func (n *Narrator) store(entry narrativeCache) {
	n.mu.Lock()
	n.cache = entry
	n.mu.Unlock()
}

func (n *Narrator) extendCached(ctx context.Context, cached narrativeCache) (string, error) {
	count, err := n.messages.CountMessagesAfter(ctx, cached.watermark)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return cached.text + "\n\n(Almost no new messages.)", nil
	}
	fresh, err := n.messages.MessagesAfter(ctx, cached.watermark, cachedTailLines)
	if err != nil {
		return "", err
	}
	named, err := n.materializer.NameMessages(ctx, fresh)
	if err != nil {
		return "", err
	}
	lines := make([]string, len(named))
	for index, message := range named {
		lines[index] = "- " + message.Line()
	}
	var builder strings.Builder
	builder.WriteString(cached.text)
	builder.WriteString(fmt.Sprintf("\n\nAddendum (%d new messages):\n", count))
	builder.WriteString(strings.Join(lines, "\n"))
	builder.WriteString("\n\n(The main overview was not regenerated; only new messages were appended.)")
	return builder.String(), nil
}
