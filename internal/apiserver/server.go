package apiserver

import (
	"fmt"

	"github.com/amoylab/chatgate/internal/apiserver/account"
	"github.com/amoylab/chatgate/internal/apiserver/codes"
	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/handler"
	"github.com/amoylab/chatgate/internal/apiserver/middleware"
	"github.com/amoylab/chatgate/internal/apiserver/quota"
	"github.com/amoylab/chatgate/internal/apiserver/ratelimit"
	"github.com/amoylab/chatgate/internal/auth/jwt"
	"github.com/amoylab/chatgate/internal/auth/vault"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/internal/i18n"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Deps are the collaborators the server is assembled from. Metrics, Redis
// and Clients are optional.
type Deps struct {
	Config  *config.APIServerConfig
	DB      database.Database
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Redis   *redis.Client
	Clients handler.ClientFactory
}

// Server holds the wired services and the HTTP router
type Server struct {
	Router    *gin.Engine
	Accounts  *account.Service
	Codes     *codes.Service
	Quota     *quota.Manager
	RateLimit *ratelimit.Manager
	Vault     *vault.Vault
	Tokens    *jwt.Service
}

// New wires every service from deps and registers the routes
func New(deps Deps) (*Server, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tokens, err := jwt.NewService(jwt.Config{SecretKey: cfg.JWT.SecretKey, Duration: cfg.JWT.Duration})
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}
	v, err := vault.New(cfg.Crypto.Secret, logger)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if !v.Enabled() {
		logger.Warn("crypto.secret is not set, provider keys are stored in plaintext")
	}
	quotaMgr, err := quota.NewManager(deps.DB, cfg.Quota, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}
	limiter, err := ratelimit.NewManager(cfg.RateLimit, deps.Redis, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}
	codeSvc := codes.NewService(deps.DB, quotaMgr, logger, deps.Metrics)
	accounts := account.NewService(deps.DB, codeSvc, quotaMgr, tokens, logger)

	s := &Server{
		Accounts:  accounts,
		Codes:     codeSvc,
		Quota:     quotaMgr,
		RateLimit: limiter,
		Vault:     v,
		Tokens:    tokens,
	}

	translator, err := i18n.New()
	if err != nil {
		return nil, fmt.Errorf("i18n: %w", err)
	}
	errs := errorx.NewErrorHandler(logger, !cfg.IsProduction()).WithTranslator(translator)
	auth := middleware.NewAuthenticator(tokens, deps.DB, errs, logger, deps.Metrics)
	s.Router = newRouter(routerDeps{
		tracing: cfg.Tracing,
		errs:    errs,
		auth:    auth,
		limiter: limiter,
		metrics: deps.Metrics,
		auths:   handler.NewAuth(accounts),
		codes:   handler.NewCodes(codeSvc),
		users:   handler.NewUsers(deps.DB, quotaMgr, logger),
		catalog: handler.NewCatalog(deps.DB, quotaMgr, v, logger),
		chat:    handler.NewChat(deps.DB, quotaMgr, v, deps.Clients, cfg.Upstream, deps.Metrics, logger),
	})
	return s, nil
}

type routerDeps struct {
	tracing config.TracingConfig
	errs    *errorx.ErrorHandler
	auth    *middleware.Authenticator
	limiter *ratelimit.Manager
	metrics *metrics.Metrics

	auths   *handler.Auth
	codes   *handler.Codes
	users   *handler.Users
	catalog *handler.Catalog
	chat    *handler.Chat
}

func newRouter(d routerDeps) *gin.Engine {
	r := gin.New()
	if d.tracing.Enabled {
		r.Use(otelgin.Middleware(d.tracing.ServiceName))
	}
	r.Use(d.errs.RecoveryMiddleware(), d.metrics.Middleware(), d.errs.ErrorMiddleware())

	r.GET("/healthz", handler.Health)
	if d.metrics != nil {
		r.GET("/metrics", gin.WrapH(d.metrics.Handler()))
	}

	anyone := middleware.Options{Optional: true}
	member := middleware.DefaultOptions()
	admin := middleware.RoleOptions(database.RoleAdmin)

	api := r.Group("/api")
	api.POST("/auth/register", d.auth.Wrap(anyone, d.auths.Register))
	api.POST("/auth/login", d.auth.Wrap(anyone, d.auths.Login))
	api.POST("/codes/validate", d.auth.Wrap(anyone, d.codes.Validate))
	api.GET("/models", d.auth.Wrap(anyone, d.catalog.AvailableModels))

	authed := api.Group("", d.auth.Require(member), d.limiter.Middleware(d.errs))
	authed.GET("/auth/me", d.auth.Wrap(member, d.auths.Me))
	authed.PUT("/auth/password", d.auth.Wrap(member, d.auths.ChangePassword))
	authed.GET("/quota", d.auth.Wrap(member, d.users.Quota))

	authed.POST("/chat/completions", d.auth.Wrap(member, d.chat.Completions))
	authed.GET("/chat/sessions", d.auth.Wrap(member, d.chat.Sessions))
	authed.GET("/chat/sessions/:sessionId/messages", d.auth.Wrap(member, d.chat.Messages))

	authed.POST("/invite-codes", d.auth.Wrap(member, d.codes.CreateInviteCode))
	authed.GET("/invite-codes", d.auth.Wrap(member, d.codes.ListInviteCodes))
	authed.POST("/access-codes", d.auth.Wrap(member, d.codes.CreateAccessCode))
	authed.GET("/access-codes", d.auth.Wrap(member, d.codes.ListAccessCodes))

	adm := authed.Group("/admin")
	adm.GET("/users", d.auth.Wrap(admin, d.users.List))
	adm.PUT("/users/:id", d.auth.Wrap(admin, d.users.Update))
	adm.DELETE("/users/:id", d.auth.Wrap(admin, d.users.Delete))
	adm.GET("/users/:id/permission", d.auth.Wrap(admin, d.users.GetPermission))
	adm.PUT("/users/:id/permission", d.auth.Wrap(admin, d.users.UpdatePermission))

	adm.POST("/providers", d.auth.Wrap(admin, d.catalog.CreateProvider))
	adm.GET("/providers", d.auth.Wrap(admin, d.catalog.ListProviders))
	adm.PUT("/providers/:id", d.auth.Wrap(admin, d.catalog.UpdateProvider))
	adm.POST("/models", d.auth.Wrap(admin, d.catalog.CreateModel))
	adm.GET("/models", d.auth.Wrap(admin, d.catalog.ListModels))
	adm.PUT("/models/:id", d.auth.Wrap(admin, d.catalog.UpdateModel))

	return r
}
