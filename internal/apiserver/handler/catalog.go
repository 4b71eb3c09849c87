package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/quota"
	"github.com/amoylab/chatgate/internal/auth/vault"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Catalog manages upstream providers and the model catalog
type Catalog struct {
	db     database.Database
	quota  *quota.Manager
	vault  *vault.Vault
	logger *zap.Logger
}

func NewCatalog(db database.Database, quotaMgr *quota.Manager, v *vault.Vault, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{db: db, quota: quotaMgr, vault: v, logger: logger.Named("catalog")}
}

func (h *Catalog) CreateProvider(c *gin.Context, _ *database.User) error {
	var req dto.ProviderRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	key, err := h.sealKey(req.APIKey)
	if err != nil {
		return err
	}

	ctx := c.Request.Context()
	p := &database.Provider{
		Name:      strings.TrimSpace(req.Name),
		BaseURL:   strings.TrimSpace(req.BaseURL),
		APIKey:    key,
		IsEnabled: req.IsEnabled == nil || *req.IsEnabled,
	}
	if err := h.db.CreateProvider(ctx, p); err != nil {
		return storeError(err, "provider")
	}

	h.logger.Info("provider created",
		zap.Uint("provider_id", p.ID),
		zap.String("name", p.Name),
		zap.Bool("encrypted", vault.IsEncrypted(p.APIKey)))
	c.JSON(http.StatusCreated, providerInfo(p))
	return nil
}

func (h *Catalog) ListProviders(c *gin.Context, _ *database.User) error {
	providers, err := h.db.ListProviders(c.Request.Context())
	if err != nil {
		return errorx.Database(err)
	}
	out := make([]*dto.ProviderInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, providerInfo(p))
	}
	c.JSON(http.StatusOK, out)
	return nil
}

// UpdateProvider replaces a provider's settings. An empty key keeps the stored one.
func (h *Catalog) UpdateProvider(c *gin.Context, _ *database.User) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req dto.ProviderRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	ctx := c.Request.Context()
	p, err := h.db.GetProvider(ctx, id)
	if err != nil {
		return storeError(err, "provider")
	}
	p.Name = strings.TrimSpace(req.Name)
	p.BaseURL = strings.TrimSpace(req.BaseURL)
	if req.APIKey != "" {
		if p.APIKey, err = h.sealKey(req.APIKey); err != nil {
			return err
		}
	}
	if req.IsEnabled != nil {
		p.IsEnabled = *req.IsEnabled
	}
	if err := h.db.UpdateProvider(ctx, p); err != nil {
		return storeError(err, "provider")
	}
	h.logger.Info("provider updated", zap.Uint("provider_id", p.ID), zap.Bool("key_changed", req.APIKey != ""))
	c.JSON(http.StatusOK, providerInfo(p))
	return nil
}

func (h *Catalog) CreateModel(c *gin.Context, _ *database.User) error {
	var req dto.ModelRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request.Context()
	if err := h.checkProvider(c, req.ProviderID); err != nil {
		return err
	}

	m := &database.Model{IsEnabled: true}
	applyModel(m, req)
	if err := h.db.CreateModel(ctx, m); err != nil {
		return storeError(err, "model")
	}
	h.logger.Info("model created", zap.Uint("model_id", m.ID), zap.String("name", m.Name))
	c.JSON(http.StatusCreated, m)
	return nil
}

// ListModels returns the whole catalog to administrators
func (h *Catalog) ListModels(c *gin.Context, _ *database.User) error {
	models, err := h.db.ListModels(c.Request.Context(), false)
	if err != nil {
		return errorx.Database(err)
	}
	c.JSON(http.StatusOK, models)
	return nil
}

// AvailableModels lists what the caller may chat with. Anonymous callers
// see the enabled catalog.
func (h *Catalog) AvailableModels(c *gin.Context, user *database.User) error {
	models, err := h.quota.AccessibleModels(c.Request.Context(), user)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, models)
	return nil
}

func (h *Catalog) UpdateModel(c *gin.Context, _ *database.User) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req dto.ModelRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request.Context()
	m, err := h.db.GetModel(ctx, id)
	if err != nil {
		return storeError(err, "model")
	}
	if err := h.checkProvider(c, req.ProviderID); err != nil {
		return err
	}
	applyModel(m, req)
	if err := h.db.UpdateModel(ctx, m); err != nil {
		return storeError(err, "model")
	}
	h.logger.Info("model updated", zap.Uint("model_id", m.ID), zap.Bool("enabled", m.IsEnabled))
	c.JSON(http.StatusOK, m)
	return nil
}

func (h *Catalog) checkProvider(c *gin.Context, id uint) error {
	_, err := h.db.GetProvider(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return errorx.Validation("invalid model").WithField("providerId", "unknown provider")
	}
	if err != nil {
		return errorx.Database(err)
	}
	return nil
}

// sealKey encrypts a provider key when the vault is configured
func (h *Catalog) sealKey(key string) (string, error) {
	if key == "" {
		return "", nil
	}
	sealed, err := h.vault.SafeEncrypt(key)
	if err != nil {
		return "", errorx.Internal(err)
	}
	return sealed, nil
}

func applyModel(m *database.Model, req dto.ModelRequest) {
	m.Name = strings.TrimSpace(req.Name)
	m.DisplayName = strings.TrimSpace(req.DisplayName)
	if m.DisplayName == "" {
		m.DisplayName = m.Name
	}
	m.ProviderID = req.ProviderID
	if req.IsEnabled != nil {
		m.IsEnabled = *req.IsEnabled
	}
	if req.SortOrder != nil {
		m.SortOrder = *req.SortOrder
	}
	if req.InputPrice != nil {
		m.InputPrice = *req.InputPrice
	}
	if req.OutputPrice != nil {
		m.OutputPrice = *req.OutputPrice
	}
}

func providerInfo(p *database.Provider) *dto.ProviderInfo {
	return &dto.ProviderInfo{
		ID:        p.ID,
		Name:      p.Name,
		BaseURL:   p.BaseURL,
		IsEnabled: p.IsEnabled,
		HasAPIKey: p.APIKey != "",
		Encrypted: vault.IsEncrypted(p.APIKey),
	}
}
