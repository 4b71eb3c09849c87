package dto

// UpdatePermissionRequest changes a user's scope and quota. Nil fields are left alone.
type UpdatePermissionRequest struct {
	AllowedModelIDs *[]uint  `json:"allowedModelIds,omitempty"`
	LimitType       *string  `json:"limitType,omitempty" binding:"omitempty,oneof=none token cost"`
	LimitPeriod     *string  `json:"limitPeriod,omitempty" binding:"omitempty,oneof=daily weekly monthly quarterly yearly"`
	TokenLimit      *int64   `json:"tokenLimit,omitempty" binding:"omitempty,gte=0"`
	CostLimit       *float64 `json:"costLimit,omitempty" binding:"omitempty,gte=0"`
	IsActive        *bool    `json:"isActive,omitempty"`
	CanShareAccess  *bool    `json:"canShareAccess,omitempty"`
	ResetUsage      bool     `json:"resetUsage,omitempty"`
}

// ProviderRequest creates or updates a provider. An empty APIKey on update keeps the stored key.
type ProviderRequest struct {
	Name      string `json:"name" binding:"required"`
	BaseURL   string `json:"baseUrl" binding:"required,url"`
	APIKey    string `json:"apiKey,omitempty"`
	IsEnabled *bool  `json:"isEnabled,omitempty"`
}

// ProviderInfo is the public view of a provider; the key is never returned
type ProviderInfo struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	BaseURL   string `json:"baseUrl"`
	IsEnabled bool   `json:"isEnabled"`
	HasAPIKey bool   `json:"hasApiKey"`
	Encrypted bool   `json:"encrypted"`
}

// ModelRequest creates or updates a catalog model
type ModelRequest struct {
	Name        string   `json:"name" binding:"required"`
	DisplayName string   `json:"displayName,omitempty"`
	ProviderID  uint     `json:"providerId" binding:"required"`
	IsEnabled   *bool    `json:"isEnabled,omitempty"`
	SortOrder   *int     `json:"sortOrder,omitempty"`
	InputPrice  *float64 `json:"inputPrice,omitempty" binding:"omitempty,gte=0"`
	OutputPrice *float64 `json:"outputPrice,omitempty" binding:"omitempty,gte=0"`
}
