package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler is the service-wide liveness check, grounded on the
// teacher's handlers.HealthHandler.
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler { return &HealthHandler{} }

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
