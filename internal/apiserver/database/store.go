package database

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// store holds the gorm implementation shared by every dialect
type store struct {
	db *gorm.DB
}

// newGormConfig routes gorm's own logging into the global zap logger.
// Lookup misses are expected and stay quiet.
func newGormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(zap.L().Named("gorm")), gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels()...)
}

// Close closes the database connection
func (s *store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn within a transaction stored in ctx
func (s *store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return getDBFromContext(ctx, s.db).Transaction(func(tx *gorm.DB) error {
		return fn(ContextWithTransaction(ctx, tx))
	})
}

// createKeepingFalse inserts row and then writes a false flag that gorm left
// out of the INSERT in favour of the column's true default.
func createKeepingFalse(db *gorm.DB, row any, column string, flag *bool) error {
	want := *flag
	if err := db.Create(row).Error; err != nil {
		return translateError(err)
	}
	if want {
		return nil
	}
	if err := db.Model(row).Update(column, false).Error; err != nil {
		return translateError(err)
	}
	*flag = false
	return nil
}

func (s *store) CreateUser(ctx context.Context, user *User) error {
	return createKeepingFalse(getDBFromContext(ctx, s.db), user, "is_active", &user.IsActive)
}

func (s *store) GetUserByID(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := getDBFromContext(ctx, s.db).First(&user, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (s *store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := getDBFromContext(ctx, s.db).
		Where("username_key = ?", FoldUsername(username)).
		First(&user).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (s *store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := getDBFromContext(ctx, s.db).
		Where("email = ?", email).
		First(&user).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (s *store) UpdateUser(ctx context.Context, user *User) error {
	user.UsernameKey = FoldUsername(user.Username)
	return translateError(getDBFromContext(ctx, s.db).Save(user).Error)
}

func (s *store) DeleteUser(ctx context.Context, id uint) error {
	return withTx(ctx, s.db, func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&UserPermission{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&User{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *store) ListUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	err := getDBFromContext(ctx, s.db).
		Order("created_at desc").
		Find(&users).Error
	return users, err
}

func (s *store) CountUsersByRole(ctx context.Context, role UserRole) (int64, error) {
	var count int64
	err := getDBFromContext(ctx, s.db).
		Model(&User{}).
		Where("role = ?", role).
		Count(&count).Error
	return count, err
}

func (s *store) CreateInviteCode(ctx context.Context, code *InviteCode) error {
	code.ExpiresAt = utcPtr(code.ExpiresAt)
	return translateError(getDBFromContext(ctx, s.db).Create(code).Error)
}

func (s *store) GetInviteCode(ctx context.Context, code string) (*InviteCode, error) {
	var ic InviteCode
	if err := getDBFromContext(ctx, s.db).Where("code = ?", code).First(&ic).Error; err != nil {
		return nil, translateError(err)
	}
	return &ic, nil
}

func (s *store) ListInviteCodes(ctx context.Context, createdBy *uint) ([]*InviteCode, error) {
	var codes []*InviteCode
	q := getDBFromContext(ctx, s.db).Order("created_at desc")
	if createdBy != nil {
		q = q.Where("created_by = ?", *createdBy)
	}
	err := q.Find(&codes).Error
	return codes, err
}

func (s *store) RedeemInviteCode(ctx context.Context, code string, now time.Time) (*InviteCode, error) {
	var ic InviteCode
	if err := s.redeem(ctx, &ic, code, now); err != nil {
		return nil, err
	}
	return &ic, nil
}

func (s *store) CreateAccessCode(ctx context.Context, code *AccessCode) error {
	code.ExpiresAt = utcPtr(code.ExpiresAt)
	return translateError(getDBFromContext(ctx, s.db).Create(code).Error)
}

func (s *store) GetAccessCode(ctx context.Context, code string) (*AccessCode, error) {
	var ac AccessCode
	if err := getDBFromContext(ctx, s.db).Where("code = ?", code).First(&ac).Error; err != nil {
		return nil, translateError(err)
	}
	return &ac, nil
}

func (s *store) ListAccessCodes(ctx context.Context, createdBy *uint) ([]*AccessCode, error) {
	var codes []*AccessCode
	q := getDBFromContext(ctx, s.db).Order("created_at desc")
	if createdBy != nil {
		q = q.Where("created_by = ?", *createdBy)
	}
	err := q.Find(&codes).Error
	return codes, err
}

func (s *store) RedeemAccessCode(ctx context.Context, code string, now time.Time) (*AccessCode, error) {
	var ac AccessCode
	if err := s.redeem(ctx, &ac, code, now); err != nil {
		return nil, err
	}
	return &ac, nil
}

// redeem increments current_uses only while uses remain and the code is
// unexpired, then recomputes is_used. The flag is a second statement because
// MySQL evaluates SET assignments left to right.
func (s *store) redeem(ctx context.Context, dest any, code string, now time.Time) error {
	now = now.UTC()
	return withTx(ctx, s.db, func(tx *gorm.DB) error {
		res := tx.Model(dest).
			Where("code = ? AND current_uses < max_uses AND (expires_at IS NULL OR expires_at > ?)", code, now).
			Updates(map[string]any{
				"current_uses": gorm.Expr("current_uses + 1"),
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCodeExhausted
		}

		err := tx.Model(dest).
			Where("code = ?", code).
			UpdateColumn("is_used", gorm.Expr("current_uses >= max_uses")).Error
		if err != nil {
			return err
		}
		return tx.Where("code = ?", code).First(dest).Error
	})
}

func (s *store) CreatePermission(ctx context.Context, perm *UserPermission) error {
	perm.LastResetAt = utcPtr(perm.LastResetAt)
	return createKeepingFalse(getDBFromContext(ctx, s.db), perm, "is_active", &perm.IsActive)
}

func (s *store) GetPermission(ctx context.Context, userID uint) (*UserPermission, error) {
	var perm UserPermission
	if err := getDBFromContext(ctx, s.db).Where("user_id = ?", userID).First(&perm).Error; err != nil {
		return nil, translateError(err)
	}
	return &perm, nil
}

func (s *store) UpdatePermission(ctx context.Context, perm *UserPermission) error {
	res := getDBFromContext(ctx, s.db).
		Model(&UserPermission{}).
		Where("user_id = ?", perm.UserID).
		Updates(map[string]any{
			"allowed_model_ids": perm.AllowedModelIDs,
			"limit_type":        perm.LimitType,
			"limit_period":      perm.LimitPeriod,
			"token_limit":       perm.TokenLimit,
			"cost_limit":        perm.CostLimit,
			"is_active":         perm.IsActive,
			"can_share_access":  perm.CanShareAccess,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *store) ResetUsageIfBefore(ctx context.Context, userID uint, boundary time.Time, inclusive bool, now time.Time) (bool, error) {
	cond := "user_id = ? AND (last_reset_at IS NULL OR last_reset_at < ?)"
	if inclusive {
		cond = "user_id = ? AND (last_reset_at IS NULL OR last_reset_at <= ?)"
	}
	res := getDBFromContext(ctx, s.db).
		Model(&UserPermission{}).
		Where(cond, userID, boundary.UTC()).
		Updates(map[string]any{
			"token_used":    0,
			"cost_used":     0,
			"last_reset_at": now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *store) AddUsage(ctx context.Context, userID uint, tokens int64, cost float64) error {
	res := getDBFromContext(ctx, s.db).
		Model(&UserPermission{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"token_used": gorm.Expr("token_used + ?", tokens),
			"cost_used":  gorm.Expr("cost_used + ?", cost),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *store) CreateProvider(ctx context.Context, provider *Provider) error {
	return createKeepingFalse(getDBFromContext(ctx, s.db), provider, "is_enabled", &provider.IsEnabled)
}

func (s *store) GetProvider(ctx context.Context, id uint) (*Provider, error) {
	var p Provider
	if err := getDBFromContext(ctx, s.db).First(&p, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &p, nil
}

func (s *store) ListProviders(ctx context.Context) ([]*Provider, error) {
	var providers []*Provider
	err := getDBFromContext(ctx, s.db).Order("id asc").Find(&providers).Error
	return providers, err
}

func (s *store) UpdateProvider(ctx context.Context, provider *Provider) error {
	return translateError(getDBFromContext(ctx, s.db).Save(provider).Error)
}

func (s *store) CreateModel(ctx context.Context, model *Model) error {
	return createKeepingFalse(getDBFromContext(ctx, s.db), model, "is_enabled", &model.IsEnabled)
}

func (s *store) GetModel(ctx context.Context, id uint) (*Model, error) {
	var m Model
	if err := getDBFromContext(ctx, s.db).First(&m, id).Error; err != nil {
		return nil, translateError(err)
	}
	return &m, nil
}

func (s *store) GetModelByName(ctx context.Context, name string) (*Model, error) {
	var m Model
	if err := getDBFromContext(ctx, s.db).Where("name = ?", name).First(&m).Error; err != nil {
		return nil, translateError(err)
	}
	return &m, nil
}

func (s *store) ListModels(ctx context.Context, enabledOnly bool) ([]*Model, error) {
	var models []*Model
	q := getDBFromContext(ctx, s.db).Order("sort_order asc").Order("id asc")
	if enabledOnly {
		q = q.Where("is_enabled = ?", true)
	}
	err := q.Find(&models).Error
	return models, err
}

func (s *store) UpdateModel(ctx context.Context, model *Model) error {
	return translateError(getDBFromContext(ctx, s.db).Save(model).Error)
}

func (s *store) CreateSession(ctx context.Context, session *Session) error {
	return translateError(getDBFromContext(ctx, s.db).Create(session).Error)
}

func (s *store) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := getDBFromContext(ctx, s.db).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, translateError(err)
	}
	return &session, nil
}

func (s *store) GetSessions(ctx context.Context, userID uint) ([]*Session, error) {
	var sessions []*Session
	err := getDBFromContext(ctx, s.db).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&sessions).Error
	return sessions, err
}

func (s *store) SaveMessage(ctx context.Context, message *Message) error {
	return getDBFromContext(ctx, s.db).Create(message).Error
}

func (s *store) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	var messages []*Message
	err := getDBFromContext(ctx, s.db).
		Where("session_id = ?", sessionID).
		Order("timestamp asc").
		Find(&messages).Error
	return messages, err
}

func (s *store) GetMessagesWithPagination(ctx context.Context, sessionID string, page, pageSize int) ([]*Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return nil, errors.New("page size must be positive")
	}
	var messages []*Message
	err := getDBFromContext(ctx, s.db).
		Where("session_id = ?", sessionID).
		Order("timestamp asc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&messages).Error
	return messages, err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
