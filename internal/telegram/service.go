package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/audit"
	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/materialize"
	"github.com/MarcoPoloResearchLab/chronicle/internal/query"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	// MaxReplyLength caps outgoing message text.
	MaxReplyLength = 4000

	commandNarrative = "t"
	commandAsk       = "b"
	commandChatID    = "get_id"

	pollTimeoutSeconds = 30
	defaultHandlerTTL  = 3 * time.Minute
)

// Replies.
const (
	ReplyNarrativeUsage  = "Usage: /t {n}"
	ReplyNarrativeBounds = "n must be > 0"
	ReplyAskUsage        = "Usage: /b {question}"
	ReplyInsufficient    = "Insufficient data."
	ReplyUnknownTool     = "The model tried to use an unknown tool."
	ReplyFailure         = "Something went wrong, please try again later."
	ReplyBlockedChat     = "This bot is bound to private chats approved by its owner.\n" +
		"It cannot be used here. If you administer this chat (or this is a direct message), remove the bot " +
		"or ask the owner to add this chat to the whitelist.\n" +
		"If you do not know the owner, the bot is of no use to you."
)

var errMissingToken = errors.New("telegram: token is required")

// MessageWriter stores ingested messages.
type MessageWriter interface {
	InsertMessage(ctx context.Context, message chatlog.Message) error
}

// ProfileWriter records the author profile seen with each message.
type ProfileWriter interface {
	UpsertProfile(ctx context.Context, profile chatlog.UserProfile) error
}

// Narrator answers /t.
type Narrator interface {
	Narrate(ctx context.Context, n int) (query.Narrative, error)
}

// Asker answers /b.
type Asker interface {
	Ask(ctx context.Context, question string) (query.Answer, error)
}

// Config describes the Telegram service dependencies.
type Config struct {
	Token          string
	AllowedChatIDs []int64
	BotFactory     BotFactory
	HTTPClient     *http.Client
	Messages       MessageWriter
	Profiles       ProfileWriter
	Narrator       Narrator
	Asker          Asker
	Audit          *audit.Logger
	Logger         *zap.Logger
	HandlerTimeout time.Duration
}

// Service polls Telegram and dispatches updates.
type Service struct {
	token          string
	allowed        map[int64]struct{}
	factory        BotFactory
	httpClient     *http.Client
	bot            Bot
	messages       MessageWriter
	profiles       ProfileWriter
	narrator       Narrator
	asker          Asker
	audit          *audit.Logger
	logger         *zap.Logger
	handlerTimeout time.Duration
	inflight       sync.WaitGroup
}

// NewService validates the configuration.
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	if cfg.Messages == nil || cfg.Profiles == nil || cfg.Narrator == nil || cfg.Asker == nil {
		return nil, errors.New("telegram: messages, profiles, narrator and asker are required")
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedChatIDs))
	for _, chatID := range cfg.AllowedChatIDs {
		allowed[chatID] = struct{}{}
	}
	service := &Service{
		token:          cfg.Token,
		allowed:        allowed,
		factory:        cfg.BotFactory,
		httpClient:     cfg.HTTPClient,
		messages:       cfg.Messages,
		profiles:       cfg.Profiles,
		narrator:       cfg.Narrator,
		asker:          cfg.Asker,
		audit:          cfg.Audit,
		logger:         cfg.Logger,
		handlerTimeout: cfg.HandlerTimeout,
	}
	if service.factory == nil {
		service.factory = NewBotAPI
	}
	if service.httpClient == nil {
		service.httpClient = http.DefaultClient
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	if service.handlerTimeout <= 0 {
		service.handlerTimeout = defaultHandlerTTL
	}
	return service, nil
}

// Run connects and long-polls until ctx is cancelled. Commands run
// concurrently; Run waits for them before returning.
func (s *Service) Run(ctx context.Context) error {
	bot, err := s.factory(s.token, tgbotapi.APIEndpoint, s.httpClient)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	s.bot = bot
	s.logger.Info("telegram authorized", zap.String("username", bot.GetSelf().UserName))
	if len(s.allowed) == 0 {
		s.logger.Warn("telegram whitelist is empty; only /get_id will be answered")
	}

	config := tgbotapi.NewUpdate(0)
	config.Timeout = pollTimeoutSeconds
	updates := bot.GetUpdatesChan(config)
	defer func() {
		bot.StopReceivingUpdates()
		s.inflight.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			s.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate routes one update. Plain messages are stored synchronously;
// commands are answered in their own goroutine.
func (s *Service) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.Chat == nil {
		return
	}
	if message.IsCommand() && message.Command() == commandChatID {
		s.reply(message.Chat.ID, strconv.FormatInt(message.Chat.ID, 10))
		return
	}
	if !s.isAllowed(message.Chat.ID) {
		s.block(ctx, message)
		return
	}
	if !message.IsCommand() {
		s.ingest(ctx, message)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		commandCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.handlerTimeout)
		defer cancel()
		s.handleCommand(commandCtx, message)
	}()
}

// Wait blocks until every in-flight command has been answered.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case commandNarrative:
		s.reply(message.Chat.ID, s.narrate(ctx, message.CommandArguments()))
	case commandAsk:
		s.reply(message.Chat.ID, s.ask(ctx, message.CommandArguments()))
	default:
		s.logger.Debug("ignoring unknown command", zap.String("command", message.Command()))
	}
}

func (s *Service) narrate(ctx context.Context, arguments string) string {
	fields := strings.Fields(arguments)
	if len(fields) == 0 {
		return ReplyNarrativeUsage
	}
	size, err := strconv.Atoi(fields[0])
	if err != nil {
		return ReplyNarrativeUsage
	}
	if size <= 0 {
		return ReplyNarrativeBounds
	}
	narrative, err := s.narrator.Narrate(ctx, size)
	switch {
	case err == nil:
		return narrative.Text
	case errors.Is(err, materialize.ErrInsufficientData):
		return ReplyInsufficient
	default:
		s.logger.Error("narrative failed", zap.Int("n", size), zap.Error(err))
		s.audit.Exception(ctx, "telegram.narrative", err)
		return ReplyFailure
	}
}

func (s *Service) ask(ctx context.Context, arguments string) string {
	question := strings.TrimSpace(arguments)
	if question == "" {
		return ReplyAskUsage
	}
	answer, err := s.asker.Ask(ctx, question)
	switch {
	case err == nil:
		return answer.Text
	case errors.Is(err, query.ErrUnknownTool):
		return ReplyUnknownTool
	default:
		s.logger.Error("question failed", zap.Error(err))
		s.audit.Exception(ctx, "telegram.ask", err)
		return ReplyFailure
	}
}

func (s *Service) ingest(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || strings.TrimSpace(message.Text) == "" {
		return
	}
	profile := chatlog.UserProfile{
		AuthorID:  message.From.ID,
		Username:  message.From.UserName,
		FirstName: message.From.FirstName,
		LastName:  message.From.LastName,
	}
	if err := s.profiles.UpsertProfile(ctx, profile); err != nil {
		s.logger.Warn("profile upsert failed", zap.Int64("author_id", profile.AuthorID), zap.Error(err))
	}
	record := chatlog.Message{
		ID:        int64(message.MessageID),
		AuthorID:  message.From.ID,
		Text:      message.Text,
		Timestamp: message.Time().UTC(),
	}
	if err := s.messages.InsertMessage(ctx, record); err != nil {
		s.logger.Error("message ingest failed", zap.Int64("message_id", record.ID), zap.Error(err))
		s.audit.Exception(ctx, "telegram.ingest", err)
	}
}

func (s *Service) block(ctx context.Context, message *tgbotapi.Message) {
	blocked := audit.BlockedChat{
		ChatID:    message.Chat.ID,
		ChatType:  message.Chat.Type,
		ChatTitle: message.Chat.Title,
	}
	if message.From != nil {
		blocked.UserID = message.From.ID
		blocked.Username = message.From.UserName
	}
	s.audit.SecurityBlocked(ctx, blocked)
	s.logger.Warn("blocked chat", zap.Int64("chat_id", blocked.ChatID), zap.String("chat_type", blocked.ChatType))
	s.reply(message.Chat.ID, ReplyBlockedChat)
}

func (s *Service) isAllowed(chatID int64) bool {
	_, ok := s.allowed[chatID]
	return ok
}

func (s *Service) reply(chatID int64, text string) {
	if s.bot == nil {
		return
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, truncate(text, MaxReplyLength))); err != nil {
		s.logger.Warn("telegram send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

// SetBot installs an already connected bot.
func (s *Service) SetBot(bot Bot) {
	s.bot = bot
}
