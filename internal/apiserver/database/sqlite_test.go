package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	cfg := &config.DatabaseConfig{Type: "sqlite", DBName: ":memory:"}
	dbi, err := NewSQLite(cfg)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = dbi.Close() })
	return dbi.(*SQLite)
}

func TestSQLite_GormLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	db := newTestSQLite(t)
	logs.TakeAll()
	_, err := db.GetUserByUsername(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, logs.Len())

	require.Error(t, db.db.Exec("SELECT * FROM missing_table").Error)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "gorm", logs.All()[0].LoggerName)
	assert.Contains(t, logs.All()[0].Message, "missing_table")
}

func TestSQLite_Users(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	email := "alice@example.com"
	u1 := &User{Username: "Alice", Password: "p", Role: RoleAdmin, IsActive: true, Email: &email}
	u2 := &User{Username: "bob", Role: RoleUser, IsActive: true}
	require.NoError(t, db.CreateUser(ctx, u1))
	require.NoError(t, db.CreateUser(ctx, u2))

	got, err := db.GetUserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, got.ID)
	assert.Equal(t, "Alice", got.Username)

	got, err = db.GetUserByEmail(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, got.ID)

	err = db.CreateUser(ctx, &User{Username: "alice", Role: RoleUser})
	assert.ErrorIs(t, err, ErrDuplicate)
	err = db.CreateUser(ctx, &User{Username: "carol", Role: RoleUser, Email: &email})
	assert.ErrorIs(t, err, ErrDuplicate)

	got.Role = RoleUser
	got.IsActive = false
	require.NoError(t, db.UpdateUser(ctx, got))
	reloaded, err := db.GetUserByID(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, reloaded.Role)
	assert.False(t, reloaded.IsActive)

	n, err := db.CountUsersByRole(ctx, RoleUser)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	users, err := db.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	require.NoError(t, db.DeleteUser(ctx, u2.ID))
	_, err = db.GetUserByID(ctx, u2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteUser(ctx, u2.ID), ErrNotFound)
}

func TestSQLite_RedeemRespectsUsesAndExpiry(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.CreateInviteCode(ctx, &InviteCode{Code: "TWO", Tier: TierUser, MaxUses: 2}))
	ic, err := db.RedeemInviteCode(ctx, "TWO", now)
	require.NoError(t, err)
	assert.Equal(t, 1, ic.CurrentUses)
	assert.False(t, ic.IsUsed)

	ic, err = db.RedeemInviteCode(ctx, "TWO", now)
	require.NoError(t, err)
	assert.Equal(t, 2, ic.CurrentUses)
	assert.True(t, ic.IsUsed)

	_, err = db.RedeemInviteCode(ctx, "TWO", now)
	assert.ErrorIs(t, err, ErrCodeExhausted)

	_, err = db.RedeemInviteCode(ctx, "MISSING", now)
	assert.ErrorIs(t, err, ErrCodeExhausted)

	past := now.Add(-time.Minute)
	require.NoError(t, db.CreateAccessCode(ctx, &AccessCode{Code: "OLD", MaxUses: 5, ExpiresAt: &past}))
	_, err = db.RedeemAccessCode(ctx, "OLD", now)
	assert.ErrorIs(t, err, ErrCodeExhausted)

	future := now.Add(time.Hour)
	require.NoError(t, db.CreateAccessCode(ctx, &AccessCode{
		Code: "GUEST", MaxUses: 1, ExpiresAt: &future, AllowedModelIDs: ModelIDs{1, 2},
	}))
	ac, err := db.RedeemAccessCode(ctx, "GUEST", now)
	require.NoError(t, err)
	assert.True(t, ac.IsUsed)
	assert.Equal(t, ModelIDs{1, 2}, ac.AllowedModelIDs)
}

func TestSQLite_ConcurrentRedeemExactlyMaxUses(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	const maxUses, prior, attempts = 5, 1, 20

	require.NoError(t, db.CreateInviteCode(ctx, &InviteCode{Code: "RACE", Tier: TierUser, MaxUses: maxUses}))
	_, err := db.RedeemInviteCode(ctx, "RACE", time.Now())
	require.NoError(t, err)

	var ok, exhausted int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.RedeemInviteCode(ctx, "RACE", time.Now())
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrCodeExhausted):
				atomic.AddInt32(&exhausted, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, maxUses-prior, ok)
	assert.EqualValues(t, attempts-(maxUses-prior), exhausted)

	ic, err := db.GetInviteCode(ctx, "RACE")
	require.NoError(t, err)
	assert.Equal(t, maxUses, ic.CurrentUses)
	assert.True(t, ic.IsUsed)
}

func TestSQLite_TransactionRollsBackRedemption(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.CreateInviteCode(ctx, &InviteCode{Code: "ONCE", Tier: TierUser, MaxUses: 1}))

	boom := errors.New("user insert failed")
	err := db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := db.RedeemInviteCode(ctx, "ONCE", time.Now()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ic, err := db.GetInviteCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 0, ic.CurrentUses)
	assert.False(t, ic.IsUsed)
}

func TestSQLite_ListCodesByCreator(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.CreateInviteCode(ctx, &InviteCode{Code: "A", MaxUses: 1, CreatedBy: 1}))
	require.NoError(t, db.CreateInviteCode(ctx, &InviteCode{Code: "B", MaxUses: 1, CreatedBy: 2}))
	require.NoError(t, db.CreateAccessCode(ctx, &AccessCode{Code: "C", MaxUses: 1, CreatedBy: 2}))

	all, err := db.ListInviteCodes(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	creator := uint(2)
	mine, err := db.ListInviteCodes(ctx, &creator)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "B", mine[0].Code)

	access, err := db.ListAccessCodes(ctx, &creator)
	require.NoError(t, err)
	assert.Len(t, access, 1)

	assert.ErrorIs(t, db.CreateInviteCode(ctx, &InviteCode{Code: "A", MaxUses: 1}), ErrDuplicate)
}

func TestSQLite_PermissionCounters(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	perm := &UserPermission{UserID: 9, LimitType: LimitToken, LimitPeriod: PeriodDaily, TokenLimit: 1000, IsActive: true, LastResetAt: &start}
	require.NoError(t, db.CreatePermission(ctx, perm))

	require.NoError(t, db.AddUsage(ctx, 9, 300, 0.5))
	require.NoError(t, db.AddUsage(ctx, 9, 200, 0.25))
	got, err := db.GetPermission(ctx, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 500, got.TokenUsed)
	assert.InDelta(t, 0.75, got.CostUsed, 1e-9)

	// boundary not crossed
	reset, err := db.ResetUsageIfBefore(ctx, 9, start, false, start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, reset)
	reset, err = db.ResetUsageIfBefore(ctx, 9, start.Add(-time.Second), true, start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, reset)

	next := start.Add(24 * time.Hour)
	reset, err = db.ResetUsageIfBefore(ctx, 9, next, false, next.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, reset)
	reset, err = db.ResetUsageIfBefore(ctx, 9, next, false, next.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, reset)

	got, err = db.GetPermission(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, got.TokenUsed)
	assert.Zero(t, got.CostUsed)

	got.TokenLimit = 5000
	got.AllowedModelIDs = ModelIDs{3}
	got.CanShareAccess = true
	got.TokenUsed = 999999
	require.NoError(t, db.UpdatePermission(ctx, got))
	got, err = db.GetPermission(ctx, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, got.TokenLimit)
	assert.Equal(t, ModelIDs{3}, got.AllowedModelIDs)
	assert.True(t, got.CanShareAccess)
	assert.Zero(t, got.TokenUsed)

	_, err = db.GetPermission(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.AddUsage(ctx, 404, 1, 0), ErrNotFound)
}

func TestSQLite_ConcurrentResetHappensOnce(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, db.CreatePermission(ctx, &UserPermission{UserID: 1, LimitType: LimitToken, TokenUsed: 10, LastResetAt: &old, IsActive: true}))

	boundary := time.Now().Add(-time.Hour)
	var resets int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.ResetUsageIfBefore(ctx, 1, boundary, false, time.Now())
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&resets, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, resets)
}

func TestSQLite_ProvidersAndModels(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	p := &Provider{Name: "openai", BaseURL: "https://api.openai.com/v1", APIKey: "enc", IsEnabled: true}
	require.NoError(t, db.CreateProvider(ctx, p))
	p.BaseURL = "http://localhost"
	require.NoError(t, db.UpdateProvider(ctx, p))
	gotP, err := db.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost", gotP.BaseURL)
	providers, err := db.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 1)

	m1 := &Model{Name: "gpt-b", ProviderID: p.ID, IsEnabled: true, SortOrder: 2}
	m2 := &Model{Name: "gpt-a", ProviderID: p.ID, IsEnabled: true, SortOrder: 1}
	m3 := &Model{Name: "gpt-off", ProviderID: p.ID, IsEnabled: false, SortOrder: 0}
	require.NoError(t, db.CreateModel(ctx, m1))
	require.NoError(t, db.CreateModel(ctx, m2))
	require.NoError(t, db.CreateModel(ctx, m3))
	assert.False(t, m3.IsEnabled)

	enabled, err := db.ListModels(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "gpt-a", enabled[0].Name)

	all, err := db.ListModels(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	off, err := db.GetModelByName(ctx, "gpt-off")
	require.NoError(t, err)
	assert.False(t, off.IsEnabled)

	byName, err := db.GetModelByName(ctx, "gpt-b")
	require.NoError(t, err)
	assert.Equal(t, m1.ID, byName.ID)
	_, err = db.GetModel(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CreateKeepsFalseFlags(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	p := &Provider{Name: "paused", BaseURL: "http://localhost", IsEnabled: false}
	require.NoError(t, db.CreateProvider(ctx, p))
	gotP, err := db.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, gotP.IsEnabled)

	u := &User{Username: "dormant", UsernameKey: FoldUsername("dormant"), Role: RoleUser, IsActive: false}
	require.NoError(t, db.CreateUser(ctx, u))
	gotU, err := db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, gotU.IsActive)

	require.NoError(t, db.CreatePermission(ctx, &UserPermission{UserID: u.ID, LimitType: LimitToken, IsActive: false}))
	perm, err := db.GetPermission(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, perm.IsActive)
}

func TestSQLite_SessionsAndMessages(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, db.CreateSession(ctx, &Session{ID: "s1", UserID: 1, Title: "one"}))
	require.NoError(t, db.CreateSession(ctx, &Session{ID: "s2", UserID: 2, Title: "two"}))

	sessions, err := db.GetSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)

	s, err := db.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.UserID)
	_, err = db.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now()
	require.NoError(t, db.SaveMessage(ctx, &Message{ID: "m1", SessionID: "s1", Content: "hi", Sender: "user", Timestamp: now}))
	require.NoError(t, db.SaveMessage(ctx, &Message{ID: "m2", SessionID: "s1", Content: "there", Sender: "assistant", Timestamp: now.Add(time.Millisecond), CompletionTokens: 3}))

	got, err := db.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)

	page, err := db.GetMessagesWithPagination(ctx, "s1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m2", page[0].ID)
}
