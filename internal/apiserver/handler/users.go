package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/quota"
	"github.com/amoylab/chatgate/internal/common/dto"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Users covers administrator user management and quota inspection
type Users struct {
	db     database.Database
	quota  *quota.Manager
	logger *zap.Logger
}

func NewUsers(db database.Database, quotaMgr *quota.Manager, logger *zap.Logger) *Users {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Users{db: db, quota: quotaMgr, logger: logger.Named("users")}
}

// Quota returns the caller's own quota window
func (h *Users) Quota(c *gin.Context, user *database.User) error {
	snap, err := h.quota.Snapshot(c.Request.Context(), user.ID)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, snap)
	return nil
}

func (h *Users) List(c *gin.Context, _ *database.User) error {
	users, err := h.db.ListUsers(c.Request.Context())
	if err != nil {
		return errorx.Database(err)
	}
	out := make([]*dto.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, userInfo(u))
	}
	c.JSON(http.StatusOK, out)
	return nil
}

// Update changes a user's role or active flag. A user moved into the user
// role gets a default permission record if it has none.
func (h *Users) Update(c *gin.Context, admin *database.User) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req dto.UpdateUserRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if id == admin.ID && ((req.Role != nil && *req.Role != string(database.RoleAdmin)) || (req.IsActive != nil && !*req.IsActive)) {
		return errorx.Forbidden("administrators cannot demote or disable themselves")
	}

	ctx := c.Request.Context()
	var updated *database.User
	err = h.db.Transaction(ctx, func(ctx context.Context) error {
		u, err := h.db.GetUserByID(ctx, id)
		if err != nil {
			return storeError(err, "user")
		}
		if req.Role != nil {
			u.Role = database.UserRole(*req.Role)
		}
		if req.IsActive != nil {
			u.IsActive = *req.IsActive
		}
		if err := h.db.UpdateUser(ctx, u); err != nil {
			return storeError(err, "user")
		}
		if u.Role == database.RoleUser {
			if err := h.ensurePermission(ctx, u.ID); err != nil {
				return err
			}
		}
		updated = u
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Info("user updated",
		zap.Uint("user_id", updated.ID),
		zap.String("role", string(updated.Role)),
		zap.Bool("is_active", updated.IsActive),
		zap.Uint("by", admin.ID))
	c.JSON(http.StatusOK, userInfo(updated))
	return nil
}

func (h *Users) Delete(c *gin.Context, admin *database.User) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if id == admin.ID {
		return errorx.Forbidden("administrators cannot delete themselves")
	}
	if err := h.db.DeleteUser(c.Request.Context(), id); err != nil {
		return storeError(err, "user")
	}
	h.logger.Info("user deleted", zap.Uint("user_id", id), zap.Uint("by", admin.ID))
	c.Status(http.StatusNoContent)
	return nil
}

func (h *Users) GetPermission(c *gin.Context, _ *database.User) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	perm, err := h.db.GetPermission(c.Request.Context(), id)
	if err != nil {
		return storeError(err, "permission")
	}
	c.JSON(http.StatusOK, perm)
	return nil
}

// UpdatePermission edits scope and limits. Usage counters are only touched
// through ResetUsage.
func (h *Users) UpdatePermission(c *gin.Context, admin *database.User) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req dto.UpdatePermissionRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	var perm *database.UserPermission
	err = h.db.Transaction(c.Request.Context(), func(ctx context.Context) error {
		u, err := h.db.GetUserByID(ctx, id)
		if err != nil {
			return storeError(err, "user")
		}
		if u.Role == database.RoleAdmin {
			return errorx.BadRequest("administrators have no quota")
		}
		if err := h.ensurePermission(ctx, id); err != nil {
			return err
		}
		if perm, err = h.db.GetPermission(ctx, id); err != nil {
			return storeError(err, "permission")
		}

		if req.AllowedModelIDs != nil {
			perm.AllowedModelIDs = database.ModelIDs(*req.AllowedModelIDs)
		}
		if req.LimitType != nil {
			perm.LimitType = database.LimitType(*req.LimitType)
		}
		if req.LimitPeriod != nil {
			perm.LimitPeriod = database.LimitPeriod(*req.LimitPeriod)
		}
		if req.TokenLimit != nil {
			perm.TokenLimit = *req.TokenLimit
		}
		if req.CostLimit != nil {
			perm.CostLimit = *req.CostLimit
		}
		if req.IsActive != nil {
			perm.IsActive = *req.IsActive
		}
		if req.CanShareAccess != nil {
			perm.CanShareAccess = *req.CanShareAccess
		}
		if err := h.db.UpdatePermission(ctx, perm); err != nil {
			return storeError(err, "permission")
		}
		if req.ResetUsage {
			now := time.Now()
			if _, err := h.db.ResetUsageIfBefore(ctx, id, now.Add(time.Second), false, now); err != nil {
				return errorx.Database(err)
			}
		}
		perm, err = h.db.GetPermission(ctx, id)
		if err != nil {
			return storeError(err, "permission")
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Info("permission updated",
		zap.Uint("user_id", id),
		zap.String("limit_type", string(perm.LimitType)),
		zap.Bool("reset_usage", req.ResetUsage),
		zap.Uint("by", admin.ID))
	c.JSON(http.StatusOK, perm)
	return nil
}

func (h *Users) ensurePermission(ctx context.Context, userID uint) error {
	_, err := h.db.GetPermission(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return errorx.Database(err)
	}
	if err := h.db.CreatePermission(ctx, h.quota.NewPermission(userID)); err != nil {
		return errorx.Database(err)
	}
	return nil
}
