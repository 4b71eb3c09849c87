package middleware

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/auth/jwt"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userContextKey = "chatgate.user"

// Denial reasons recorded in metrics
const (
	reasonMissing  = "missing_token"
	reasonInvalid  = "invalid_token"
	reasonExpired  = "expired_token"
	reasonNoUser   = "unknown_user"
	reasonInactive = "inactive"
	reasonRole     = "role"
)

// TokenVerifier validates bearer tokens
type TokenVerifier interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// UserLoader resolves the current user record for a token subject
type UserLoader interface {
	GetUserByID(ctx context.Context, id uint) (*database.User, error)
}

// Operation is a handler body that runs with the authenticated user.
// user is nil only for Optional routes called anonymously.
type Operation func(c *gin.Context, user *database.User) error

// Options controls which callers a wrapped operation admits
type Options struct {
	// Roles, when non-empty, restricts the operation to these roles
	Roles []database.UserRole
	// RequireActive rejects deactivated accounts with 403
	RequireActive bool
	// Optional lets requests without a usable token through anonymously
	Optional bool
}

// DefaultOptions admits any active, authenticated user
func DefaultOptions() Options {
	return Options{RequireActive: true}
}

// RoleOptions admits active users holding one of roles
func RoleOptions(roles ...database.UserRole) Options {
	return Options{Roles: roles, RequireActive: true}
}

// Authenticator resolves the caller of a request and enforces Options
// before any operation logic runs.
type Authenticator struct {
	tokens  TokenVerifier
	users   UserLoader
	errs    *errorx.ErrorHandler
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAuthenticator(tokens TokenVerifier, users UserLoader, errs *errorx.ErrorHandler, logger *zap.Logger, m *metrics.Metrics) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if errs == nil {
		errs = errorx.NewErrorHandler(logger, false)
	}
	return &Authenticator{
		tokens:  tokens,
		users:   users,
		errs:    errs,
		logger:  logger.Named("auth"),
		metrics: m,
	}
}

// Wrap runs op only when the request passes opts. Errors returned by op
// are written through the shared error handler.
func (a *Authenticator) Wrap(opts Options, op Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.authenticate(c, opts)
		if err != nil {
			a.errs.HandleError(c, err)
			return
		}
		SetCurrentUser(c, user)
		if err := op(c, user); err != nil {
			a.errs.HandleError(c, err)
		}
	}
}

// Require is the middleware form of Wrap for route groups
func (a *Authenticator) Require(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.authenticate(c, opts)
		if err != nil {
			a.errs.HandleError(c, err)
			return
		}
		SetCurrentUser(c, user)
		c.Next()
	}
}

// SetCurrentUser stores user for later handlers; nil is ignored
func SetCurrentUser(c *gin.Context, user *database.User) {
	if user != nil {
		c.Set(userContextKey, user)
	}
}

// CurrentUser returns the user stored by Wrap or Require, or nil
func CurrentUser(c *gin.Context) *database.User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*database.User)
	return user
}

func (a *Authenticator) authenticate(c *gin.Context, opts Options) (*database.User, error) {
	// a group-level Require already resolved the user for this request
	if user := CurrentUser(c); user != nil {
		return a.authorize(c, user, opts)
	}

	token, present := extractBearerToken(c.GetHeader("Authorization"))
	if !present {
		if opts.Optional {
			return nil, nil
		}
		return nil, a.deny(reasonMissing, errorx.Unauthorized("authentication required"))
	}

	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		if opts.Optional {
			return nil, nil
		}
		if errors.Is(err, jwt.ErrExpiredToken) {
			a.logger.Debug("token expired", zap.String("path", c.Request.URL.Path))
			return nil, a.deny(reasonExpired, errorx.Unauthorized("token expired"))
		}
		a.logger.Debug("invalid token", zap.String("path", c.Request.URL.Path), zap.Error(err))
		return nil, a.deny(reasonInvalid, errorx.Unauthorized("invalid token"))
	}

	// Role and active flag come from the database on every request so that
	// demotions and deactivations apply to tokens already issued.
	user, err := a.users.GetUserByID(c.Request.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			if opts.Optional {
				return nil, nil
			}
			a.logger.Debug("token subject not found", zap.Uint("user_id", claims.UserID))
			return nil, a.deny(reasonNoUser, errorx.Unauthorized("invalid token"))
		}
		return nil, errorx.Database(err)
	}
	return a.authorize(c, user, opts)
}

func (a *Authenticator) authorize(c *gin.Context, user *database.User, opts Options) (*database.User, error) {
	if opts.RequireActive && !user.IsActive {
		return nil, a.deny(reasonInactive, errorx.Forbidden("account is disabled"))
	}

	if len(opts.Roles) > 0 && !slices.Contains(opts.Roles, user.Role) {
		a.logger.Warn("role check failed",
			zap.Uint("user_id", user.ID),
			zap.Any("required_roles", opts.Roles),
			zap.String("actual_role", string(user.Role)),
			zap.String("path", c.Request.URL.Path),
		)
		return nil, a.deny(reasonRole, errorx.Forbidden("insufficient permissions"))
	}

	a.logger.Debug("authenticated",
		zap.Uint("user_id", user.ID),
		zap.String("role", string(user.Role)),
	)
	return user, nil
}

func (a *Authenticator) deny(reason string, err *errorx.APIError) error {
	a.metrics.AuthDenied(reason)
	return err
}

// extractBearerToken accepts "Bearer <token>" with any casing of the scheme.
// A header that is present but malformed counts as a bad token.
func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return header, true
	}
	return parts[1], true
}
