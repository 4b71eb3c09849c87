package ratelimit

import (
	"math"
	"strconv"

	"github.com/amoylab/chatgate/internal/apiserver/database"
	"github.com/amoylab/chatgate/internal/apiserver/middleware"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware limits authenticated non-admin callers. It must run after the
// authenticator has stored the current user; anonymous requests pass.
// A limiter failure lets the request through.
func (m *Manager) Middleware(errs *errorx.ErrorHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if !m.Enabled() || user == nil || user.Role == database.RoleAdmin {
			c.Next()
			return
		}

		res, err := m.Check(c.Request.Context(), strconv.FormatUint(uint64(user.ID), 10))
		if err != nil {
			m.logger.Error("rate limit check failed", zap.Uint("user_id", user.ID), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if res.Reached {
			retry := int(math.Ceil(res.Reset.Sub(m.nowFn()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			m.metrics.RateLimited()
			c.Header("Retry-After", strconv.Itoa(retry))
			errs.HandleError(c, errorx.RateLimited("too many requests").WithDetail("retryAfter", retry))
			return
		}
		c.Next()
	}
}
