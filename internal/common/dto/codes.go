package dto

import "time"

// CreateInviteCodeRequest mints an invite code. ExpiresAt wins over ExpiresIn.
type CreateInviteCodeRequest struct {
	Tier      string     `json:"tier,omitempty" binding:"omitempty,oneof=admin user"`
	MaxUses   int        `json:"maxUses,omitempty" binding:"gte=0"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	ExpiresIn string     `json:"expiresIn,omitempty"` // Go duration, e.g. "72h"
	Code      string     `json:"code,omitempty"`
}

// CreateAccessCodeRequest mints a guest access code
type CreateAccessCodeRequest struct {
	MaxUses         int        `json:"maxUses,omitempty" binding:"gte=0"`
	AllowedModelIDs []uint     `json:"allowedModelIds,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	ExpiresIn       string     `json:"expiresIn,omitempty"`
	Code            string     `json:"code,omitempty"`
}

// ValidateCodeRequest checks a code before registration
type ValidateCodeRequest struct {
	Code string `json:"code" binding:"required"`
}
