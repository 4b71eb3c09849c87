package database

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserRole represents the role of a user
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
	RoleGuest UserRole = "guest"
)

// Valid reports whether r is a known role
func (r UserRole) Valid() bool {
	return r == RoleAdmin || r == RoleUser || r == RoleGuest
}

// InviteTier decides the role granted by an invite code
type InviteTier string

const (
	TierAdmin InviteTier = "admin"
	TierUser  InviteTier = "user"
)

// Role returns the role an account registered with this tier receives
func (t InviteTier) Role() UserRole {
	if t == TierAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// LimitType selects which counter a permission enforces
type LimitType string

const (
	LimitNone  LimitType = "none"
	LimitToken LimitType = "token"
	LimitCost  LimitType = "cost"
)

// LimitPeriod is the quota window
type LimitPeriod string

const (
	PeriodDaily     LimitPeriod = "daily"
	PeriodWeekly    LimitPeriod = "weekly"
	PeriodMonthly   LimitPeriod = "monthly"
	PeriodQuarterly LimitPeriod = "quarterly"
	PeriodYearly    LimitPeriod = "yearly"
)

// ModelIDs is a JSON list of model ids. Empty means no restriction.
type ModelIDs = datatypes.JSONSlice[uint]

var folder = cases.Fold()

// FoldUsername returns the case-insensitive key for a username
func FoldUsername(username string) string {
	return folder.String(strings.TrimSpace(username))
}

// User is an account of any role
type User struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Username       string    `json:"username" gorm:"type:varchar(32);not null"`
	UsernameKey    string    `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	Email          *string   `json:"email,omitempty" gorm:"type:varchar(255);uniqueIndex"`
	Password       string    `json:"-"` // empty disables password login
	Role           UserRole  `json:"role" gorm:"type:varchar(16);not null;default:'user'"`
	IsActive       bool      `json:"isActive" gorm:"not null;default:true"`
	UsedInviteCode *string   `json:"usedInviteCode,omitempty" gorm:"type:varchar(64)"`
	UsedAccessCode *string   `json:"usedAccessCode,omitempty" gorm:"type:varchar(64)"`
	HostUserID     *uint     `json:"hostUserId,omitempty" gorm:"index"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// BeforeSave keeps UsernameKey in step with Username
func (u *User) BeforeSave(*gorm.DB) error {
	u.UsernameKey = FoldUsername(u.Username)
	return nil
}

// InviteCode grants a registered account of the code's tier
type InviteCode struct {
	ID          uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Code        string     `json:"code" gorm:"type:varchar(64);uniqueIndex;not null"`
	Tier        InviteTier `json:"tier" gorm:"type:varchar(16);not null;default:'user'"`
	MaxUses     int        `json:"maxUses" gorm:"not null;default:1"`
	CurrentUses int        `json:"currentUses" gorm:"not null;default:0"`
	IsUsed      bool       `json:"isUsed" gorm:"not null;default:false"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedBy   uint       `json:"createdBy" gorm:"index"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AccessCode grants a guest account scoped to a model list
type AccessCode struct {
	ID              uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Code            string     `json:"code" gorm:"type:varchar(64);uniqueIndex;not null"`
	MaxUses         int        `json:"maxUses" gorm:"not null;default:1"`
	CurrentUses     int        `json:"currentUses" gorm:"not null;default:0"`
	IsUsed          bool       `json:"isUsed" gorm:"not null;default:false"`
	AllowedModelIDs ModelIDs   `json:"allowedModelIds"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	CreatedBy       uint       `json:"createdBy" gorm:"index"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// UserPermission holds the model scope and quota of a registered user
type UserPermission struct {
	ID              uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID          uint        `json:"userId" gorm:"uniqueIndex;not null"`
	AllowedModelIDs ModelIDs    `json:"allowedModelIds"`
	LimitType       LimitType   `json:"limitType" gorm:"type:varchar(16);not null;default:'none'"`
	LimitPeriod     LimitPeriod `json:"limitPeriod" gorm:"type:varchar(16);not null;default:'monthly'"`
	TokenLimit      int64       `json:"tokenLimit" gorm:"not null;default:0"`
	CostLimit       float64     `json:"costLimit" gorm:"not null;default:0"`
	TokenUsed       int64       `json:"tokenUsed" gorm:"not null;default:0"`
	CostUsed        float64     `json:"costUsed" gorm:"not null;default:0"`
	LastResetAt     *time.Time  `json:"lastResetAt,omitempty"`
	IsActive        bool        `json:"isActive" gorm:"not null;default:true"`
	CanShareAccess  bool        `json:"canShareAccess" gorm:"not null;default:false"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Provider is an upstream API endpoint. APIKey holds vault output.
type Provider struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string    `json:"name" gorm:"type:varchar(100);uniqueIndex;not null"`
	BaseURL   string    `json:"baseUrl" gorm:"type:varchar(512);not null"`
	APIKey    string    `json:"-" gorm:"type:text"`
	IsEnabled bool      `json:"isEnabled" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Model is an entry in the global model catalog. Prices are per million tokens.
type Model struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string    `json:"name" gorm:"type:varchar(128);uniqueIndex;not null"`
	DisplayName string    `json:"displayName" gorm:"type:varchar(128)"`
	ProviderID  uint      `json:"providerId" gorm:"index;not null"`
	IsEnabled   bool      `json:"isEnabled" gorm:"not null;default:true"`
	SortOrder   int       `json:"sortOrder" gorm:"not null;default:0"`
	InputPrice  float64   `json:"inputPrice" gorm:"not null;default:0"`
	OutputPrice float64   `json:"outputPrice" gorm:"not null;default:0"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Session represents a chat session
type Session struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    uint      `json:"userId" gorm:"index;not null"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message represents a chat message
type Message struct {
	ID               string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SessionID        string    `json:"sessionId" gorm:"type:varchar(36);index;not null"`
	Content          string    `json:"content" gorm:"type:text"`
	Sender           string    `json:"sender" gorm:"type:varchar(16)"`
	Timestamp        time.Time `json:"timestamp"`
	ModelName        string    `json:"modelName,omitempty" gorm:"type:varchar(128)"`
	PromptTokens     int64     `json:"promptTokens,omitempty"`
	CompletionTokens int64     `json:"completionTokens,omitempty"`
}

func allModels() []any {
	return []any{
		&User{}, &InviteCode{}, &AccessCode{}, &UserPermission{},
		&Provider{}, &Model{}, &Session{}, &Message{},
	}
}
