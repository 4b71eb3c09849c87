package handler

import (
	"net/http"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/codes"
	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/gin-gonic/gin"
)

// Codes exposes the invite and access code registry
type Codes struct {
	codes *codes.Service
}

func NewCodes(svc *codes.Service) *Codes {
	return &Codes{codes: svc}
}

func (h *Codes) CreateInviteCode(c *gin.Context, user *database.User) error {
	var req dto.CreateInviteCodeRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	expiresAt, err := expiry(req.ExpiresAt, req.ExpiresIn, time.Now())
	if err != nil {
		return err
	}
	ic, err := h.codes.CreateInviteCode(c.Request.Context(), user, codes.CreateInviteParams{
		Tier:      database.InviteTier(req.Tier),
		MaxUses:   req.MaxUses,
		ExpiresAt: expiresAt,
		Code:      req.Code,
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, ic)
	return nil
}

func (h *Codes) ListInviteCodes(c *gin.Context, user *database.User) error {
	list, err := h.codes.ListInviteCodes(c.Request.Context(), user)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, list)
	return nil
}

func (h *Codes) CreateAccessCode(c *gin.Context, user *database.User) error {
	var req dto.CreateAccessCodeRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	expiresAt, err := expiry(req.ExpiresAt, req.ExpiresIn, time.Now())
	if err != nil {
		return err
	}
	ac, err := h.codes.CreateAccessCode(c.Request.Context(), user, codes.CreateAccessParams{
		MaxUses:         req.MaxUses,
		AllowedModelIDs: req.AllowedModelIDs,
		ExpiresAt:       expiresAt,
		Code:            req.Code,
	})
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, ac)
	return nil
}

func (h *Codes) ListAccessCodes(c *gin.Context, user *database.User) error {
	list, err := h.codes.ListAccessCodes(c.Request.Context(), user)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, list)
	return nil
}

// Validate answers whether a code can be used for registration right now
func (h *Codes) Validate(c *gin.Context, _ *database.User) error {
	var req dto.ValidateCodeRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	v, err := h.codes.Validate(c.Request.Context(), req.Code)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, v)
	return nil
}
