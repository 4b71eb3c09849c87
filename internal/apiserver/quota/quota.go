// Package quota enforces per-user model scope and usage limits.
//
// Counters are reset lazily: the first check after a period boundary zeroes
// them with a conditional update, so no scheduler is needed and concurrent
// checks reset at most once. Admission reserves nothing; RecordUsage charges
// the actual usage after the upstream call completes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/pkg/metrics"
	"go.uber.org/zap"
)

// Denial reasons
const (
	ReasonDisabled      = "permission disabled"
	ReasonTokenExceeded = "token limit exceeded"
	ReasonCostExceeded  = "cost limit exceeded"
)

// Decision is the outcome of an admission check. Remaining fields are only
// meaningful for the matching limit type.
type Decision struct {
	Allowed       bool               `json:"allowed"`
	LimitType     database.LimitType `json:"limitType"`
	Remaining     int64              `json:"remaining,omitempty"`
	RemainingCost float64            `json:"remainingCost,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

// Snapshot describes a user's current window
type Snapshot struct {
	LimitType   database.LimitType   `json:"limitType"`
	LimitPeriod database.LimitPeriod `json:"limitPeriod,omitempty"`
	TokenLimit  int64                `json:"tokenLimit"`
	TokenUsed   int64                `json:"tokenUsed"`
	CostLimit   float64              `json:"costLimit"`
	CostUsed    float64              `json:"costUsed"`
	IsActive    bool                 `json:"isActive"`
	PeriodStart *time.Time           `json:"periodStart,omitempty"`
	LastResetAt *time.Time           `json:"lastResetAt,omitempty"`
}

// Manager is the quota manager
type Manager struct {
	db       database.Database
	defaults config.QuotaConfig
	loc      *time.Location
	logger   *zap.Logger
	metrics  *metrics.Metrics
	nowFn    func() time.Time
}

// NewManager creates a quota manager. cfg supplies the defaults for new
// permissions and the calendar time zone.
func NewManager(db database.Database, cfg config.QuotaConfig, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tz := cfg.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("quota: invalid time zone %q: %w", tz, err)
	}
	return &Manager{
		db:       db,
		defaults: cfg,
		loc:      loc,
		logger:   logger.Named("quota"),
		metrics:  m,
		nowFn:    time.Now,
	}, nil
}

// NewPermission returns the default permission for a freshly registered user
func (m *Manager) NewPermission(userID uint) *database.UserPermission {
	now := m.nowFn()
	limitType := database.LimitType(m.defaults.DefaultLimitType)
	if limitType == "" {
		limitType = database.LimitNone
	}
	period := database.LimitPeriod(m.defaults.DefaultLimitPeriod)
	if period == "" {
		period = database.PeriodMonthly
	}
	return &database.UserPermission{
		UserID:      userID,
		LimitType:   limitType,
		LimitPeriod: period,
		TokenLimit:  m.defaults.DefaultTokenLimit,
		CostLimit:   m.defaults.DefaultCostLimit,
		LastResetAt: &now,
		IsActive:    true,
	}
}

// CheckTokenLimit decides whether userID may spend estimated tokens
func (m *Manager) CheckTokenLimit(ctx context.Context, userID uint, estimated int64) (Decision, error) {
	perm, err := m.load(ctx, userID)
	if err != nil || perm == nil || perm.LimitType != database.LimitToken {
		return Decision{Allowed: err == nil, LimitType: limitTypeOf(perm)}, err
	}
	if !perm.IsActive {
		return m.decide(perm, Decision{LimitType: database.LimitToken, Reason: ReasonDisabled}), nil
	}
	if perm, err = m.applyReset(ctx, perm); err != nil {
		return Decision{}, err
	}

	remaining := perm.TokenLimit - perm.TokenUsed
	if remaining < estimated {
		return m.decide(perm, Decision{
			LimitType: database.LimitToken,
			Remaining: max(remaining, 0),
			Reason:    ReasonTokenExceeded,
		}), nil
	}
	return m.decide(perm, Decision{Allowed: true, LimitType: database.LimitToken, Remaining: remaining}), nil
}

// CheckCostLimit decides whether userID may spend an estimated cost
func (m *Manager) CheckCostLimit(ctx context.Context, userID uint, estimated float64) (Decision, error) {
	perm, err := m.load(ctx, userID)
	if err != nil || perm == nil || perm.LimitType != database.LimitCost {
		return Decision{Allowed: err == nil, LimitType: limitTypeOf(perm)}, err
	}
	if !perm.IsActive {
		return m.decide(perm, Decision{LimitType: database.LimitCost, Reason: ReasonDisabled}), nil
	}
	if perm, err = m.applyReset(ctx, perm); err != nil {
		return Decision{}, err
	}

	remaining := perm.CostLimit - perm.CostUsed
	if remaining < estimated {
		return m.decide(perm, Decision{
			LimitType:     database.LimitCost,
			RemainingCost: max(remaining, 0),
			Reason:        ReasonCostExceeded,
		}), nil
	}
	return m.decide(perm, Decision{Allowed: true, LimitType: database.LimitCost, RemainingCost: remaining}), nil
}

// Admit runs the check matching the user's limit type. Administrators and
// guests carry no permission record and are never limited.
func (m *Manager) Admit(ctx context.Context, user *database.User, model *database.Model, estimatedTokens int64) (Decision, error) {
	if user.Role == database.RoleAdmin {
		return Decision{Allowed: true, LimitType: database.LimitNone}, nil
	}
	perm, err := m.load(ctx, user.ID)
	if err != nil {
		return Decision{}, err
	}
	switch limitTypeOf(perm) {
	case database.LimitToken:
		return m.CheckTokenLimit(ctx, user.ID, estimatedTokens)
	case database.LimitCost:
		return m.CheckCostLimit(ctx, user.ID, EstimateCost(model, estimatedTokens, 0))
	default:
		return Decision{Allowed: true, LimitType: database.LimitNone}, nil
	}
}

// RecordUsage charges actual usage after an operation completes. The
// counters are reset first if the period rolled over during the call.
func (m *Manager) RecordUsage(ctx context.Context, userID uint, tokens int64, cost float64) error {
	perm, err := m.load(ctx, userID)
	if err != nil || perm == nil {
		return err
	}
	if _, err := m.applyReset(ctx, perm); err != nil {
		return err
	}
	if err := m.db.AddUsage(ctx, userID, tokens, cost); err != nil {
		return errorx.Database(err)
	}
	m.logger.Debug("usage recorded",
		zap.Uint("user_id", userID),
		zap.Int64("tokens", tokens),
		zap.Float64("cost", cost))
	return nil
}

// Snapshot returns the current window after applying a pending reset
func (m *Manager) Snapshot(ctx context.Context, userID uint) (*Snapshot, error) {
	perm, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if perm == nil {
		return &Snapshot{LimitType: database.LimitNone, IsActive: true}, nil
	}
	if perm.LimitType != database.LimitNone {
		if perm, err = m.applyReset(ctx, perm); err != nil {
			return nil, err
		}
	}
	start := PeriodStart(perm.LimitPeriod, m.nowFn(), m.loc)
	return &Snapshot{
		LimitType:   perm.LimitType,
		LimitPeriod: perm.LimitPeriod,
		TokenLimit:  perm.TokenLimit,
		TokenUsed:   perm.TokenUsed,
		CostLimit:   perm.CostLimit,
		CostUsed:    perm.CostUsed,
		IsActive:    perm.IsActive,
		PeriodStart: &start,
		LastResetAt: perm.LastResetAt,
	}, nil
}

// CanAccessModel reports whether user may use modelID
func (m *Manager) CanAccessModel(ctx context.Context, user *database.User, modelID uint) (bool, error) {
	if user != nil && user.Role == database.RoleAdmin {
		return true, nil
	}
	model, err := m.db.GetModel(ctx, modelID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errorx.Database(err)
	}
	if !model.IsEnabled {
		return false, nil
	}
	if user == nil {
		return true, nil
	}

	perm, err := m.load(ctx, user.ID)
	if err != nil {
		return false, err
	}
	if perm != nil && perm.IsActive && len(perm.AllowedModelIDs) > 0 {
		return slices.Contains(perm.AllowedModelIDs, modelID), nil
	}

	if user.Role == database.RoleGuest {
		allowed, err := m.guestScope(ctx, user)
		if err != nil {
			return false, err
		}
		return len(allowed) == 0 || slices.Contains(allowed, modelID), nil
	}
	return true, nil
}

// AccessibleModels lists the enabled catalog entries user may use
func (m *Manager) AccessibleModels(ctx context.Context, user *database.User) ([]*database.Model, error) {
	models, err := m.db.ListModels(ctx, true)
	if err != nil {
		return nil, errorx.Database(err)
	}
	out := make([]*database.Model, 0, len(models))
	for _, model := range models {
		ok, err := m.CanAccessModel(ctx, user, model.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, model)
		}
	}
	return out, nil
}

// EstimateCost prices a token count at the model's per-million rates
func EstimateCost(model *database.Model, inputTokens, outputTokens int64) float64 {
	if model == nil {
		return 0
	}
	return (float64(inputTokens)*model.InputPrice + float64(outputTokens)*model.OutputPrice) / 1_000_000
}

// guestScope returns the model list of the access code a guest registered with
func (m *Manager) guestScope(ctx context.Context, user *database.User) ([]uint, error) {
	if user.UsedAccessCode == nil {
		return nil, nil
	}
	code, err := m.db.GetAccessCode(ctx, *user.UsedAccessCode)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errorx.Database(err)
	}
	return code.AllowedModelIDs, nil
}

func (m *Manager) load(ctx context.Context, userID uint) (*database.UserPermission, error) {
	perm, err := m.db.GetPermission(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errorx.Database(err)
	}
	return perm, nil
}

// applyReset zeroes the counters if the period boundary has been crossed.
// Only one concurrent caller wins the conditional update; the others reload.
func (m *Manager) applyReset(ctx context.Context, perm *database.UserPermission) (*database.UserPermission, error) {
	now := m.nowFn()
	if !Crossed(perm.LimitPeriod, perm.LastResetAt, now, m.loc) {
		return perm, nil
	}

	boundary := PeriodStart(perm.LimitPeriod, now, m.loc)
	reset, err := m.db.ResetUsageIfBefore(ctx, perm.UserID, boundary, inclusiveStart(perm.LimitPeriod), now)
	if err != nil {
		return nil, errorx.Database(err)
	}
	if reset {
		m.metrics.QuotaReset()
		m.logger.Info("quota period reset",
			zap.Uint("user_id", perm.UserID),
			zap.String("period", string(perm.LimitPeriod)),
			zap.Int64("token_used", perm.TokenUsed),
			zap.Float64("cost_used", perm.CostUsed))
	}

	fresh, err := m.db.GetPermission(ctx, perm.UserID)
	if err != nil {
		return nil, errorx.Database(err)
	}
	return fresh, nil
}

func (m *Manager) decide(perm *database.UserPermission, d Decision) Decision {
	m.metrics.QuotaDecision(string(d.LimitType), d.Allowed)
	if !d.Allowed {
		m.logger.Info("quota denied",
			zap.Uint("user_id", perm.UserID),
			zap.String("limit_type", string(d.LimitType)),
			zap.String("reason", d.Reason))
	}
	return d
}

func limitTypeOf(perm *database.UserPermission) database.LimitType {
	if perm == nil || perm.LimitType == "" {
		return database.LimitNone
	}
	return perm.LimitType
}
