// Package account registers, authenticates and bootstraps users.
package account

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/amoylab/chatgate/internal/apiserver/codes"
	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/quota"
	"github.com/amoylab/chatgate/internal/auth/jwt"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 8
	// bcrypt ignores input past 72 bytes
	maxPasswordBytes = 72
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// Service implements registration and login
type Service struct {
	db     database.Database
	codes  *codes.Service
	quota  *quota.Manager
	tokens *jwt.Service
	logger *zap.Logger
	cost   int
}

// NewService creates an account service
func NewService(db database.Database, codeSvc *codes.Service, quotaMgr *quota.Manager, tokens *jwt.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		codes:  codeSvc,
		quota:  quotaMgr,
		tokens: tokens,
		logger: logger.Named("account"),
		cost:   bcrypt.DefaultCost,
	}
}

// Register creates an account by redeeming exactly one invite or access code.
// The redemption, the user and the permission record commit together.
func (s *Service) Register(ctx context.Context, req dto.RegisterRequest) (*database.User, string, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	req.InviteCode = strings.TrimSpace(req.InviteCode)
	req.AccessCode = strings.TrimSpace(req.AccessCode)

	if err := validateRegistration(req); err != nil {
		return nil, "", err
	}
	if err := s.checkAvailable(ctx, req.Username, req.Email); err != nil {
		return nil, "", err
	}

	code, field, kind := req.InviteCode, "inviteCode", codes.KindInvite
	if code == "" {
		code, field, kind = req.AccessCode, "accessCode", codes.KindAccess
	}
	if err := s.precheckCode(ctx, code, field, kind); err != nil {
		return nil, "", err
	}

	var hash string
	if req.Password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
		if err != nil {
			return nil, "", errorx.Internal(err)
		}
		hash = string(h)
	}

	user := &database.User{
		Username: req.Username,
		Password: hash,
		IsActive: true,
	}
	if req.Email != "" {
		user.Email = &req.Email
	}

	err := s.db.Transaction(ctx, func(ctx context.Context) error {
		if kind == codes.KindInvite {
			ic, err := s.codes.RedeemInvite(ctx, code)
			if err != nil {
				return redeemError(err, field)
			}
			user.Role = ic.Tier.Role()
			user.UsedInviteCode = &ic.Code
		} else {
			ac, err := s.codes.RedeemAccess(ctx, code)
			if err != nil {
				return redeemError(err, field)
			}
			user.Role = database.RoleGuest
			user.UsedAccessCode = &ac.Code
			if ac.CreatedBy != 0 {
				host := ac.CreatedBy
				user.HostUserID = &host
			}
		}

		if err := s.db.CreateUser(ctx, user); err != nil {
			if errors.Is(err, database.ErrDuplicate) {
				return errorx.Conflict("username or email already registered").WithField("username", "already taken")
			}
			return errorx.Database(err)
		}

		if user.Role == database.RoleUser {
			if err := s.db.CreatePermission(ctx, s.quota.NewPermission(user.ID)); err != nil {
				return errorx.Database(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		return nil, "", errorx.Internal(err)
	}

	s.logger.Info("user registered",
		zap.Uint("user_id", user.ID),
		zap.String("role", string(user.Role)),
		zap.String("code_kind", string(kind)))
	return user, token, nil
}

// Login checks credentials and issues a token
func (s *Service) Login(ctx context.Context, username, password string) (*database.User, string, error) {
	invalid := errorx.Unauthorized("invalid username or password")

	user, err := s.db.GetUserByUsername(ctx, username)
	if errors.Is(err, database.ErrNotFound) {
		return nil, "", invalid
	}
	if err != nil {
		return nil, "", errorx.Database(err)
	}
	if user.Password == "" {
		return nil, "", invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, "", invalid
	}
	if !user.IsActive {
		return nil, "", errorx.Forbidden("account is disabled")
	}

	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		return nil, "", errorx.Internal(err)
	}
	return user, token, nil
}

// ChangePassword replaces the user's password. Accounts without a password
// may set one without supplying the old one.
func (s *Service) ChangePassword(ctx context.Context, user *database.User, oldPassword, newPassword string) error {
	if msg := passwordProblem(newPassword); msg != "" {
		return errorx.Validation("invalid password").WithField("newPassword", msg)
	}
	if user.Password != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(oldPassword)); err != nil {
			return errorx.Forbidden("invalid old password")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return errorx.Internal(err)
	}
	user.Password = string(hash)
	if err := s.db.UpdateUser(ctx, user); err != nil {
		return errorx.Database(err)
	}
	return nil
}

// EnsureSuperAdmin creates the configured administrator when no admin exists
func (s *Service) EnsureSuperAdmin(ctx context.Context, cfg config.SuperAdminConfig) error {
	if cfg.Username == "" {
		return nil
	}
	count, err := s.db.CountUsersByRole(ctx, database.RoleAdmin)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if cfg.Password == "" {
		return errors.New("super_admin.password is required to bootstrap the first administrator")
	}

	if _, err := s.db.GetUserByUsername(ctx, cfg.Username); err == nil {
		s.logger.Warn("super admin username is taken by a non-admin account, skipping bootstrap",
			zap.String("username", cfg.Username))
		return nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), s.cost)
	if err != nil {
		return err
	}
	admin := &database.User{
		Username: cfg.Username,
		Password: string(hash),
		Role:     database.RoleAdmin,
		IsActive: true,
	}
	if err := s.db.CreateUser(ctx, admin); err != nil {
		return err
	}
	s.logger.Info("super admin created", zap.Uint("user_id", admin.ID), zap.String("username", admin.Username))
	return nil
}

func validateRegistration(req dto.RegisterRequest) error {
	verr := errorx.Validation("invalid registration")
	invalid := false
	add := func(field, msg string) {
		verr = verr.WithField(field, msg)
		invalid = true
	}

	if !usernamePattern.MatchString(req.Username) {
		add("username", "must be 3-32 letters, digits, '_', '-' or '.'")
	}
	switch {
	case req.InviteCode != "" && req.AccessCode != "":
		add("inviteCode", "provide either an invite code or an access code, not both")
	case req.InviteCode == "" && req.AccessCode == "":
		add("inviteCode", "an invite code or an access code is required")
	}
	if req.Password != "" {
		if msg := passwordProblem(req.Password); msg != "" {
			add("password", msg)
		}
	} else if req.InviteCode != "" {
		add("password", "is required")
	}
	if req.Email != "" {
		if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
			add("email", "is not a valid address")
		}
	}

	if invalid {
		return verr
	}
	return nil
}

func passwordProblem(p string) string {
	switch {
	case utf8.RuneCountInString(p) < minPasswordLen:
		return "must be at least 8 characters"
	case len(p) > maxPasswordBytes:
		return "must be at most 72 bytes"
	default:
		return ""
	}
}

func (s *Service) checkAvailable(ctx context.Context, username, email string) error {
	_, err := s.db.GetUserByUsername(ctx, username)
	switch {
	case err == nil:
		return errorx.Conflict("username already taken").WithField("username", "already taken")
	case !errors.Is(err, database.ErrNotFound):
		return errorx.Database(err)
	}
	if email == "" {
		return nil
	}
	_, err = s.db.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return errorx.Conflict("email already registered").WithField("email", "already registered")
	case !errors.Is(err, database.ErrNotFound):
		return errorx.Database(err)
	}
	return nil
}

// precheckCode gives a friendly reason before the transaction. Redemption
// still decides.
func (s *Service) precheckCode(ctx context.Context, code, field string, want codes.Kind) error {
	v, err := s.codes.ValidateKind(ctx, code, want)
	if err != nil {
		return err
	}
	switch v.Reason {
	case codes.ReasonNotFound:
		return errorx.Validation("invalid code").WithField(field, "code not found")
	case codes.ReasonExpired:
		return errorx.Validation("invalid code").WithField(field, "code expired")
	case codes.ReasonExhausted:
		return errorx.Conflict("code exhausted").WithField(field, "code exhausted")
	}
	return nil
}

func redeemError(err error, field string) error {
	if errors.Is(err, database.ErrCodeExhausted) {
		return errorx.Conflict("code exhausted").WithField(field, "code exhausted")
	}
	return errorx.Database(err)
}
