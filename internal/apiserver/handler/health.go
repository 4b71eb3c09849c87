package handler

import (
	"net/http"

	"github.com/amoylab/chatgate/pkg/version"
	"github.com/gin-gonic/gin"
)

// Health reports liveness and the running build
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Get(),
	})
}
