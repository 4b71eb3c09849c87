package handler

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// bindJSON decodes the body into obj, reporting binding failures per field
func bindJSON(c *gin.Context, obj any) error {
	err := c.ShouldBindJSON(obj)
	if err == nil {
		return nil
	}
	verr := errorx.Validation("invalid request body")
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		for _, f := range fields {
			verr = verr.WithField(lowerFirst(f.Field()), f.Tag())
		}
		return verr
	}
	return verr.WithCause(err)
}

// pathID parses a numeric path parameter
func pathID(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, errorx.BadRequest("invalid %s", name)
	}
	return uint(id), nil
}

// expiry resolves an absolute expiry or a duration relative to now
func expiry(at *time.Time, in string, now time.Time) (*time.Time, error) {
	if at != nil {
		return at, nil
	}
	if in == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(in)
	if err != nil || d <= 0 {
		return nil, errorx.Validation("invalid expiry").WithField("expiresIn", "must be a positive duration such as 72h")
	}
	t := now.Add(d)
	return &t, nil
}

// storeError maps store sentinels to API errors
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return errorx.NotFound("%s not found", what)
	case errors.Is(err, database.ErrDuplicate):
		return errorx.Conflict("%s already exists", what)
	default:
		return errorx.Database(err)
	}
}

func userInfo(u *database.User) *dto.UserInfo {
	return &dto.UserInfo{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		Role:       string(u.Role),
		IsActive:   u.IsActive,
		HostUserID: u.HostUserID,
		CreatedAt:  u.CreatedAt,
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
