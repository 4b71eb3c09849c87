package dto

import "time"

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse is returned by login and registration
type AuthResponse struct {
	Token string    `json:"token"`
	User  *UserInfo `json:"user"`
}

// RegisterRequest carries exactly one of InviteCode or AccessCode
type RegisterRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	Email      string `json:"email,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
	AccessCode string `json:"accessCode,omitempty"`
}

// ChangePasswordRequest represents a request to change password
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required,min=8"`
}

// ChangePasswordResponse represents a response to change password
type ChangePasswordResponse struct {
	Success bool `json:"success"`
}

// UpdateUserRequest represents an administrator's change to a user
type UpdateUserRequest struct {
	Role     *string `json:"role,omitempty" binding:"omitempty,oneof=admin user guest"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// UserInfo is the public view of a user
type UserInfo struct {
	ID         uint      `json:"id"`
	Username   string    `json:"username"`
	Email      *string   `json:"email,omitempty"`
	Role       string    `json:"role"`
	IsActive   bool      `json:"isActive"`
	HostUserID *uint     `json:"hostUserId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
