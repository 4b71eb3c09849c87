package handler

import (
	"net/http"

	"github.com/amoylab/chatgate/internal/apiserver/account"
	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/gin-gonic/gin"
)

// Auth handles registration, login and the caller's own account
type Auth struct {
	accounts *account.Service
}

func NewAuth(accounts *account.Service) *Auth {
	return &Auth{accounts: accounts}
}

// Register creates an account from an invite or access code
func (h *Auth) Register(c *gin.Context, _ *database.User) error {
	var req dto.RegisterRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	user, token, err := h.accounts.Register(c.Request.Context(), req)
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, dto.AuthResponse{Token: token, User: userInfo(user)})
	return nil
}

// Login exchanges credentials for a token
func (h *Auth) Login(c *gin.Context, _ *database.User) error {
	var req dto.LoginRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	user, token, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, dto.AuthResponse{Token: token, User: userInfo(user)})
	return nil
}

// Me returns the authenticated user
func (h *Auth) Me(c *gin.Context, user *database.User) error {
	c.JSON(http.StatusOK, userInfo(user))
	return nil
}

// ChangePassword handles password change requests
func (h *Auth) ChangePassword(c *gin.Context, user *database.User) error {
	var req dto.ChangePasswordRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if err := h.accounts.ChangePassword(c.Request.Context(), user, req.OldPassword, req.NewPassword); err != nil {
		return err
	}
	c.JSON(http.StatusOK, dto.ChangePasswordResponse{Success: true})
	return nil
}
