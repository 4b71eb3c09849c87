package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/handler"
	"github.com/amoylab/chatgate/internal/auth/vault"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/amoylab/chatgate/pkg/openai"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

type fakeUpstream struct {
	mu      sync.Mutex
	configs []openai.Config
	fail    bool
}

func (f *fakeUpstream) factory(cfg openai.Config) handler.CompletionClient {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return f
}

func (f *fakeUpstream) ChatCompletion(_ context.Context, model string, _ []openai.Message, _ int64) (*openai.Completion, error) {
	if f.fail {
		return nil, errors.New("upstream returned status 503")
	}
	return &openai.Completion{Model: model, Content: "pong", PromptTokens: 30, CompletionTokens: 20}, nil
}

type testServer struct {
	*Server
	db       database.Database
	upstream *fakeUpstream
}

func newTestServer(t *testing.T, tweaks ...func(*config.APIServerConfig)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewSQLite(&config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.APIServerConfig{
		Mode:   config.ModeDevelopment,
		JWT:    config.JWTConfig{SecretKey: "this-is-a-very-long-secret-key-for-testing", Duration: time.Hour},
		Crypto: config.CryptoConfig{Secret: "a-deployment-secret-that-is-long-enough"},
		Quota: config.QuotaConfig{
			DefaultLimitType:   "token",
			DefaultLimitPeriod: "daily",
			DefaultTokenLimit:  2000,
			TimeZone:           "UTC",
		},
		Metrics:  config.MetricsConfig{Namespace: "chatgate_test"},
		Upstream: config.UpstreamConfig{Timeout: time.Second, DefaultMaxTokens: 100},
	}
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	up := &fakeUpstream{}
	srv, err := New(Deps{
		Config:  cfg,
		DB:      db,
		Logger:  zap.NewNop(),
		Metrics: metrics.New(cfg.Metrics),
		Clients: up.factory,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Accounts.EnsureSuperAdmin(context.Background(), config.SuperAdminConfig{Username: "root", Password: "root-password"}))
	return &testServer{Server: srv, db: db, upstream: up}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/auth/login", "", dto.LoginRequest{Username: username, Password: password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[dto.AuthResponse](t, w).Token
}

// catalog creates a provider with two models and returns their ids
func (s *testServer) catalog(t *testing.T, admin string) (uint, uint) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/admin/providers", admin, dto.ProviderRequest{
		Name: "primary", BaseURL: "https://llm.example.com/v1", APIKey: "sk-live-123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[dto.ProviderInfo](t, w)
	assert.True(t, p.Encrypted)
	assert.NotContains(t, w.Body.String(), "sk-live-123")

	ids := make([]uint, 0, 2)
	for _, name := range []string{"gpt-a", "gpt-b"} {
		w = s.do(t, http.MethodPost, "/api/admin/models", admin, dto.ModelRequest{Name: name, ProviderID: p.ID})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		ids = append(ids, decode[database.Model](t, w).ID)
	}
	return ids[0], ids[1]
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "", nil).Code)

	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatgate_test")
}

func TestServer_TraceIDFollowsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	s := newTestServer(t, func(cfg *config.APIServerConfig) {
		cfg.Tracing = config.TracingConfig{Enabled: true, ServiceName: "chatgate-test"}
	})
	w := s.do(t, http.MethodGet, "/api/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	spans := sr.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, spans[len(spans)-1].SpanContext().TraceID().String(), w.Header().Get(errorx.TraceHeader))
}

func TestServer_SimultaneousRegistrationSingleUseInvite(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "root", "root-password")

	w := s.do(t, http.MethodPost, "/api/invite-codes", admin, dto.CreateInviteCodeRequest{Code: "ONLY-ONCE", MaxUses: 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i, name := range []string{"alice", "bobby"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			codes[i] = s.do(t, http.MethodPost, "/api/auth/register", "", dto.RegisterRequest{
				Username: name, Password: "password-123", InviteCode: "ONLY-ONCE",
			}).Code
		}(i, name)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusConflict}, codes)
	n, err := s.db.CountUsersByRole(context.Background(), database.RoleUser)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestServer_AuthBoundaries(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "root", "root-password")
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/invite-codes", admin,
		dto.CreateInviteCodeRequest{Code: "USER-ONE"}).Code)

	w := s.do(t, http.MethodPost, "/api/auth/register", "", dto.RegisterRequest{
		Username: "carol", Password: "password-123", InviteCode: "USER-ONE",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user := decode[dto.AuthResponse](t, w)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/auth/me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/auth/me", "garbage", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/auth/me", user.Token, nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/admin/users", user.Token, nil).Code)

	// deactivation applies to the token already issued
	active := false
	w = s.do(t, http.MethodPut, "/api/admin/users/"+itoa(user.User.ID), admin, dto.UpdateUserRequest{IsActive: &active})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/auth/me", user.Token, nil).Code)

	// admins cannot lock themselves out
	root := decode[dto.UserInfo](t, s.do(t, http.MethodGet, "/api/auth/me", admin, nil))
	role := "user"
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPut, "/api/admin/users/"+itoa(root.ID), admin, dto.UpdateUserRequest{Role: &role}).Code)
}

func TestServer_ChatChargesQuota(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "root", "root-password")
	s.catalog(t, admin)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/invite-codes", admin,
		dto.CreateInviteCodeRequest{Code: "CHAT-USER"}).Code)
	reg := decode[dto.AuthResponse](t, s.do(t, http.MethodPost, "/api/auth/register", "", dto.RegisterRequest{
		Username: "dave", Password: "password-123", InviteCode: "CHAT-USER",
	}))

	chat := dto.ChatCompletionRequest{Model: "gpt-a", Messages: []dto.ChatMessage{{Role: "user", Content: "ping"}}}
	w := s.do(t, http.MethodPost, "/api/chat/completions", reg.Token, chat)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[dto.ChatCompletionResponse](t, w)
	assert.Equal(t, "pong", resp.Content)
	assert.EqualValues(t, 50, resp.Usage.TotalTokens)
	require.Len(t, s.upstream.configs, 1)
	assert.Equal(t, "sk-live-123", s.upstream.configs[0].APIKey)

	snap := decode[map[string]any](t, s.do(t, http.MethodGet, "/api/quota", reg.Token, nil))
	assert.EqualValues(t, 50, snap["tokenUsed"])

	w = s.do(t, http.MethodGet, "/api/chat/sessions/"+resp.SessionID+"/messages", reg.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]database.Message](t, w), 2)

	// shrink the limit below used + estimate
	limit := int64(120)
	w = s.do(t, http.MethodPut, "/api/admin/users/"+itoa(reg.User.ID)+"/permission", admin, dto.UpdatePermissionRequest{TokenLimit: &limit})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/chat/completions", reg.Token, chat)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "token limit exceeded")
	assert.Len(t, s.upstream.configs, 1)

	// a reset clears the window
	w = s.do(t, http.MethodPut, "/api/admin/users/"+itoa(reg.User.ID)+"/permission", admin, dto.UpdatePermissionRequest{ResetUsage: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat/completions", reg.Token, chat).Code)
}

func TestServer_UpstreamFailureIsNotCharged(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "root", "root-password")
	s.catalog(t, admin)
	s.upstream.fail = true

	chat := dto.ChatCompletionRequest{Model: "gpt-a", Messages: []dto.ChatMessage{{Role: "user", Content: "ping"}}}
	w := s.do(t, http.MethodPost, "/api/chat/completions", admin, chat)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = s.do(t, http.MethodPost, "/api/chat/completions", admin, dto.ChatCompletionRequest{Model: "missing", Messages: chat.Messages})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_GuestScopedByAccessCode(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "root", "root-password")
	modelA, _ := s.catalog(t, admin)

	w := s.do(t, http.MethodPost, "/api/access-codes", admin, dto.CreateAccessCodeRequest{
		Code: "GUEST-PASS", MaxUses: 2, AllowedModelIDs: []uint{modelA},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	v := decode[map[string]any](t, s.do(t, http.MethodPost, "/api/codes/validate", "", dto.ValidateCodeRequest{Code: "GUEST-PASS"}))
	assert.Equal(t, true, v["valid"])
	assert.Equal(t, "access", v["kind"])

	w = s.do(t, http.MethodPost, "/api/auth/register", "", dto.RegisterRequest{Username: "guest1", AccessCode: "GUEST-PASS"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	guest := decode[dto.AuthResponse](t, w)
	assert.Equal(t, "guest", guest.User.Role)

	models := decode[[]database.Model](t, s.do(t, http.MethodGet, "/api/models", guest.Token, nil))
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-a", models[0].Name)
	assert.Len(t, decode[[]database.Model](t, s.do(t, http.MethodGet, "/api/models", "", nil)), 2)

	msgs := []dto.ChatMessage{{Role: "user", Content: "hi"}}
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/chat/completions", guest.Token,
		dto.ChatCompletionRequest{Model: "gpt-b", Messages: msgs}).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chat/completions", guest.Token,
		dto.ChatCompletionRequest{Model: "gpt-a", Messages: msgs}).Code)

	// guests cannot mint codes
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/invite-codes", guest.Token, dto.CreateInviteCodeRequest{}).Code)
}

func TestServer_DisabledModelStaysOutOfCatalog(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "root", "root-password")
	s.catalog(t, admin)
	providers, err := s.db.ListProviders(context.Background())
	require.NoError(t, err)

	off := false
	w := s.do(t, http.MethodPost, "/api/admin/models", admin, dto.ModelRequest{Name: "m-off", ProviderID: providers[0].ID, IsEnabled: &off})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[database.Model](t, w)
	assert.False(t, created.IsEnabled)

	stored, err := s.db.GetModel(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsEnabled)

	names := []string{}
	for _, m := range decode[[]database.Model](t, s.do(t, http.MethodGet, "/api/models", "", nil)) {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"gpt-a", "gpt-b"}, names)

	w = s.do(t, http.MethodPost, "/api/admin/providers", admin, dto.ProviderRequest{
		Name: "paused", BaseURL: "https://paused.example.com/v1", IsEnabled: &off,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.False(t, decode[dto.ProviderInfo](t, w).IsEnabled)
}

func TestServer_ProviderKeyStoredEncrypted(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "root", "root-password")
	s.catalog(t, admin)

	providers, err := s.db.ListProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.True(t, vault.IsEncrypted(providers[0].APIKey))
	plain, err := s.Vault.Decrypt(providers[0].APIKey)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", plain)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
