package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/quota"
	"github.com/amoylab/chatgate/internal/auth/vault"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/amoylab/chatgate/pkg/openai"
	"github.com/amoylab/chatgate/pkg/trace"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const sessionTitleRunes = 50

// CompletionClient is the upstream call made for one chat request
type CompletionClient interface {
	ChatCompletion(ctx context.Context, model string, messages []openai.Message, maxTokens int64) (*openai.Completion, error)
}

// ClientFactory builds a client for one provider
type ClientFactory func(cfg openai.Config) CompletionClient

// DefaultClientFactory talks to real OpenAI-compatible endpoints
func DefaultClientFactory(cfg openai.Config) CompletionClient {
	return openai.NewClient(cfg)
}

// Chat runs completions through the quota gate and keeps session history
type Chat struct {
	db       database.Database
	quota    *quota.Manager
	vault    *vault.Vault
	clients  ClientFactory
	upstream config.UpstreamConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewChat(db database.Database, quotaMgr *quota.Manager, v *vault.Vault, clients ClientFactory, upstream config.UpstreamConfig, m *metrics.Metrics, logger *zap.Logger) *Chat {
	if clients == nil {
		clients = DefaultClientFactory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chat{
		db:       db,
		quota:    quotaMgr,
		vault:    v,
		clients:  clients,
		upstream: upstream,
		metrics:  m,
		logger:   logger.Named("chat"),
	}
}

// Completions checks access and quota, calls the provider and charges the
// usage it reports.
func (h *Chat) Completions(c *gin.Context, user *database.User) error {
	var req dto.ChatCompletionRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request.Context()

	model, err := h.db.GetModelByName(ctx, strings.TrimSpace(req.Model))
	if err != nil {
		return storeError(err, "model")
	}
	ok, err := h.quota.CanAccessModel(ctx, user, model.ID)
	if err != nil {
		return err
	}
	if !ok {
		return errorx.Forbidden("model %s is not available to this account", model.Name)
	}
	provider, err := h.db.GetProvider(ctx, model.ProviderID)
	if err != nil {
		return storeError(err, "provider")
	}
	if !provider.IsEnabled {
		return errorx.BadRequest("provider for model %s is disabled", model.Name)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = h.upstream.DefaultMaxTokens
	}
	decision, err := h.quota.Admit(ctx, user, model, estimateTokens(req.Messages)+maxTokens)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return errorx.RateLimited("%s", decision.Reason).
			WithDetail("limitType", decision.LimitType).
			WithDetail("remaining", decision.Remaining).
			WithDetail("remainingCost", decision.RemainingCost)
	}

	session, err := h.session(ctx, user, req)
	if err != nil {
		return err
	}

	apiKey, err := h.vault.SafeDecrypt(provider.APIKey)
	if err != nil {
		h.logger.Error("provider key unreadable", zap.Uint("provider_id", provider.ID))
		return errorx.Internal(err)
	}

	span := trace.Tracer("chatgate/chat").Start(ctx, "chat.upstream").WithAttrs(
		attribute.String("model", model.Name),
		attribute.Int("provider_id", int(provider.ID)),
		attribute.Int64("max_tokens", maxTokens))
	start := time.Now()
	client := h.clients(openai.Config{BaseURL: provider.BaseURL, APIKey: apiKey, Timeout: h.upstream.Timeout})
	out, err := client.ChatCompletion(span.Ctx, model.Name, toUpstream(req.Messages), maxTokens)
	h.metrics.UpstreamDone(model.Name, start, err == nil)
	span.Fail(err)
	span.End()
	if err != nil {
		h.logger.Warn("upstream call failed",
			zap.String("model", model.Name),
			zap.Uint("provider_id", provider.ID),
			zap.Error(err))
		return errorx.External("upstream provider failed", err)
	}

	total := out.PromptTokens + out.CompletionTokens
	cost := quota.EstimateCost(model, out.PromptTokens, out.CompletionTokens)
	if err := h.quota.RecordUsage(ctx, user.ID, total, cost); err != nil {
		h.logger.Error("failed to record usage",
			zap.Uint("user_id", user.ID),
			zap.Int64("tokens", total),
			zap.Error(err))
	}

	reply := h.persist(ctx, session, req.Messages, model.Name, out)
	c.JSON(http.StatusOK, dto.ChatCompletionResponse{
		SessionID: session.ID,
		MessageID: reply,
		Model:     model.Name,
		Content:   out.Content,
		Usage: dto.Usage{
			PromptTokens:     out.PromptTokens,
			CompletionTokens: out.CompletionTokens,
			TotalTokens:      total,
			Cost:             cost,
		},
	})
	return nil
}

// Sessions lists the caller's chat sessions
func (h *Chat) Sessions(c *gin.Context, user *database.User) error {
	sessions, err := h.db.GetSessions(c.Request.Context(), user.ID)
	if err != nil {
		return errorx.Database(err)
	}
	c.JSON(http.StatusOK, sessions)
	return nil
}

// Messages pages through one of the caller's sessions
func (h *Chat) Messages(c *gin.Context, user *database.User) error {
	ctx := c.Request.Context()
	session, err := h.db.GetSession(ctx, c.Param("sessionId"))
	if err != nil {
		return storeError(err, "session")
	}
	if session.UserID != user.ID {
		return errorx.NotFound("session not found")
	}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	pageSize := 20
	if ps, err := strconv.Atoi(c.Query("pageSize")); err == nil && ps > 0 && ps <= 100 {
		pageSize = ps
	}

	messages, err := h.db.GetMessagesWithPagination(ctx, session.ID, page, pageSize)
	if err != nil {
		return errorx.Database(err)
	}
	c.JSON(http.StatusOK, messages)
	return nil
}

func (h *Chat) session(ctx context.Context, user *database.User, req dto.ChatCompletionRequest) (*database.Session, error) {
	if req.SessionID != "" {
		s, err := h.db.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, storeError(err, "session")
		}
		if s.UserID != user.ID {
			return nil, errorx.NotFound("session not found")
		}
		return s, nil
	}

	s := &database.Session{
		ID:     uuid.NewString(),
		UserID: user.ID,
		Title:  sessionTitle(req.Messages),
	}
	if err := h.db.CreateSession(ctx, s); err != nil {
		return nil, errorx.Database(err)
	}
	return s, nil
}

// persist stores the last user turn and the reply. Failures are only logged.
func (h *Chat) persist(ctx context.Context, session *database.Session, msgs []dto.ChatMessage, model string, out *openai.Completion) string {
	now := time.Now()
	if last := lastUserMessage(msgs); last != "" {
		err := h.db.SaveMessage(ctx, &database.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Content:   last,
			Sender:    "user",
			Timestamp: now,
		})
		if err != nil {
			h.logger.Error("failed to save message", zap.String("session_id", session.ID), zap.Error(err))
		}
	}

	reply := &database.Message{
		ID:               uuid.NewString(),
		SessionID:        session.ID,
		Content:          out.Content,
		Sender:           "assistant",
		Timestamp:        now.Add(time.Millisecond),
		ModelName:        model,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
	}
	if err := h.db.SaveMessage(ctx, reply); err != nil {
		h.logger.Error("failed to save reply", zap.String("session_id", session.ID), zap.Error(err))
	}
	return reply.ID
}

// estimateTokens approximates the prompt size at four characters per token
func estimateTokens(msgs []dto.ChatMessage) int64 {
	var runes int
	for _, m := range msgs {
		runes += utf8.RuneCountInString(m.Content)
	}
	return int64((runes + 3) / 4)
}

func toUpstream(msgs []dto.ChatMessage) []openai.Message {
	out := make([]openai.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func lastUserMessage(msgs []dto.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func sessionTitle(msgs []dto.ChatMessage) string {
	title := strings.TrimSpace(lastUserMessage(msgs))
	if title == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(title) > sessionTitleRunes {
		title = string([]rune(title)[:sessionTitleRunes])
	}
	return title
}
