package database

import (
	"context"
	"time"
)

// Database defines the methods for database operations.
// Every method joins the transaction carried by ctx, if any.
type Database interface {
	// Close closes the database connection.
	Close() error

	// Transaction runs fn in a transaction. Calls made with the ctx passed to
	// fn join it; an error from fn rolls everything back.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id uint) (*User, error)
	// GetUserByUsername matches case-insensitively.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, id uint) error
	ListUsers(ctx context.Context) ([]*User, error)
	CountUsersByRole(ctx context.Context, role UserRole) (int64, error)

	CreateInviteCode(ctx context.Context, code *InviteCode) error
	GetInviteCode(ctx context.Context, code string) (*InviteCode, error)
	// ListInviteCodes returns all codes when createdBy is nil.
	ListInviteCodes(ctx context.Context, createdBy *uint) ([]*InviteCode, error)
	// RedeemInviteCode consumes one use if the code is unexpired and has uses
	// left at now, returning ErrCodeExhausted otherwise.
	RedeemInviteCode(ctx context.Context, code string, now time.Time) (*InviteCode, error)

	CreateAccessCode(ctx context.Context, code *AccessCode) error
	GetAccessCode(ctx context.Context, code string) (*AccessCode, error)
	ListAccessCodes(ctx context.Context, createdBy *uint) ([]*AccessCode, error)
	RedeemAccessCode(ctx context.Context, code string, now time.Time) (*AccessCode, error)

	CreatePermission(ctx context.Context, perm *UserPermission) error
	GetPermission(ctx context.Context, userID uint) (*UserPermission, error)
	// UpdatePermission writes the administrator-editable columns only.
	UpdatePermission(ctx context.Context, perm *UserPermission) error
	// ResetUsageIfBefore zeroes the counters when LastResetAt is unset or
	// before boundary, or equal to it when inclusive is set, and reports
	// whether this call performed the reset.
	ResetUsageIfBefore(ctx context.Context, userID uint, boundary time.Time, inclusive bool, now time.Time) (bool, error)
	// AddUsage increments the counters atomically.
	AddUsage(ctx context.Context, userID uint, tokens int64, cost float64) error

	CreateProvider(ctx context.Context, provider *Provider) error
	GetProvider(ctx context.Context, id uint) (*Provider, error)
	ListProviders(ctx context.Context) ([]*Provider, error)
	UpdateProvider(ctx context.Context, provider *Provider) error

	CreateModel(ctx context.Context, model *Model) error
	GetModel(ctx context.Context, id uint) (*Model, error)
	GetModelByName(ctx context.Context, name string) (*Model, error)
	ListModels(ctx context.Context, enabledOnly bool) ([]*Model, error)
	UpdateModel(ctx context.Context, model *Model) error

	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// GetSessions lists the sessions of a user, newest first.
	GetSessions(ctx context.Context, userID uint) ([]*Session, error)
	SaveMessage(ctx context.Context, message *Message) error
	GetMessages(ctx context.Context, sessionID string) ([]*Message, error)
	GetMessagesWithPagination(ctx context.Context, sessionID string, page, pageSize int) ([]*Message, error)
}
