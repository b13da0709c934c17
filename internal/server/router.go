package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
	"github.com/MarcoPoloResearchLab/chronicle/internal/materialize"
	"github.com/MarcoPoloResearchLab/chronicle/internal/query"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey        = "chronicle_subject"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
	defaultMaterialsWindow   = 200
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingMaterializer  = errors.New("materializer dependency required")
	errMissingNarrator      = errors.New("narrator dependency required")
	errMissingAsker         = errors.New("asker dependency required")
	errMissingTools         = errors.New("tools dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Materializer interface {
	BuildLastN(ctx context.Context, n int) (materialize.Materials, error)
}

type Narrator interface {
	Narrate(ctx context.Context, n int) (query.Narrative, error)
}

type Asker interface {
	Ask(ctx context.Context, question string) (query.Answer, error)
}

// ToolReader exposes the read-only tools directly over HTTP.
type ToolReader interface {
	GetContexts(ctx context.Context, limit int) ([]query.ContextView, error)
	GetSummaries(ctx context.Context, limit int) ([]query.SummaryView, error)
	GetMessagesWindow(ctx context.Context, n int) ([]query.MessageView, error)
	SearchMessages(ctx context.Context, text string, window, limit int) ([]query.MessageView, error)
}

type Dependencies struct {
	TokenManager      TokenValidator
	Materializer      Materializer
	Narrator          Narrator
	Asker             Asker
	Tools             ToolReader
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Materializer == nil {
		return nil, errMissingMaterializer
	}
	if deps.Narrator == nil {
		return nil, errMissingNarrator
	}
	if deps.Asker == nil {
		return nil, errMissingAsker
	}
	if deps.Tools == nil {
		return nil, errMissingTools
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		materializer:      deps.Materializer,
		narrator:          deps.Narrator,
		asker:             deps.Asker,
		tools:             deps.Tools,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/materials", handler.handleMaterials)
	protected.POST("/narrative", handler.handleNarrative)
	protected.POST("/ask", handler.handleAsk)
	protected.GET("/tools/contexts", handler.handleToolContexts)
	protected.GET("/tools/summaries", handler.handleToolSummaries)
	protected.GET("/tools/messages", handler.handleToolMessages)
	protected.GET("/tools/search", handler.handleToolSearch)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	materializer      Materializer
	narrator          Narrator
	asker             Asker
	tools             ToolReader
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type materialsResponse struct {
	OldestTimestamp string              `json:"oldest_ts"`
	Contexts        []query.ContextView `json:"contexts"`
	Summaries       []query.SummaryView `json:"summaries"`
	Tail            []query.MessageView `json:"tail"`
}

type narrativeRequest struct {
	N int `json:"n"`
}

type askRequest struct {
	Question string `json:"question"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleMaterials(c *gin.Context) {
	n, ok := positiveQueryInt(c, "n", defaultMaterialsWindow)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	materials, err := h.materializer.BuildLastN(c.Request.Context(), n)
	if err != nil {
		h.respondError(c, "materials", err)
		return
	}
	c.JSON(http.StatusOK, materialsResponse{
		OldestTimestamp: chatlog.FormatTimestamp(materials.Oldest),
		Contexts:        query.ContextViews(materials.Contexts),
		Summaries:       query.SummaryViews(materials.Summaries),
		Tail:            query.MessageViews(materials.Tail),
	})
}

func (h *httpHandler) handleNarrative(c *gin.Context) {
	var request narrativeRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.N <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	narrative, err := h.narrator.Narrate(c.Request.Context(), request.N)
	if err != nil {
		h.respondError(c, "narrative", err)
		return
	}
	c.JSON(http.StatusOK, narrative)
}

func (h *httpHandler) handleAsk(c *gin.Context) {
	var request askRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	answer, err := h.asker.Ask(c.Request.Context(), request.Question)
	if err != nil {
		h.respondError(c, "ask", err)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (h *httpHandler) handleToolContexts(c *gin.Context) {
	limit, ok := positiveQueryInt(c, "limit", 0)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	views, err := h.tools.GetContexts(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, query.ToolGetContexts, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contexts": views})
}

func (h *httpHandler) handleToolSummaries(c *gin.Context) {
	limit, ok := positiveQueryInt(c, "limit", 0)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	views, err := h.tools.GetSummaries(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, query.ToolGetSummaries, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": views})
}

func (h *httpHandler) handleToolMessages(c *gin.Context) {
	n, ok := positiveQueryInt(c, "n", 0)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	views, err := h.tools.GetMessagesWindow(c.Request.Context(), n)
	if err != nil {
		h.respondError(c, query.ToolGetMessagesWindow, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (h *httpHandler) handleToolSearch(c *gin.Context) {
	text := strings.TrimSpace(c.Query("query"))
	window, windowOK := positiveQueryInt(c, "window", 0)
	limit, limitOK := positiveQueryInt(c, "limit", 0)
	if text == "" || !windowOK || !limitOK {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	views, err := h.tools.SearchMessages(c.Request.Context(), text, window, limit)
	if err != nil {
		h.respondError(c, query.ToolSearchMessages, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-stream:
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source": realtimeSourceBackend,
				"ts":     chatlog.FormatTimestamp(now),
			})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// respondError maps domain errors to status codes; unexpected ones are logged once here.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, materialize.ErrInsufficientData):
		c.JSON(http.StatusNotFound, gin.H{"error": "insufficient_data"})
	case errors.Is(err, materialize.ErrInvalidWindow), errors.Is(err, query.ErrEmptyQuestion):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, query.ErrUnknownTool):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_tool"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
	default:
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("subject", c.GetString(subjectContextKey)),
			zap.Error(err))
		var serviceErr *chatlog.ServiceError
		if errors.As(err, &serviceErr) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "code": serviceErr.Code()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter that EventSource clients must use.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	token := strings.TrimSpace(c.Query(accessTokenQueryKey))
	return token, token != ""
}

func positiveQueryInt(c *gin.Context, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}
