package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/matchsync/backend"
)

// HealthReporter is the upstream health checker as seen by the probes.
type HealthReporter interface {
	IsAvailable() bool
	Status() backend.HealthStatus
}

type SystemHandler struct {
	health HealthReporter
}

// NewSystemHandler creates the probe handler. A nil reporter makes the
// readiness probe always succeed.
func NewSystemHandler(health HealthReporter) *SystemHandler {
	return &SystemHandler{health: health}
}

// HealthLive handles GET /health. It always returns 200.
// Used as a liveness probe by container orchestrators.
func (h *SystemHandler) HealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HealthReady handles GET /ready: 503 while the upstream is unavailable.
func (h *SystemHandler) HealthReady(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	st := h.health.Status()
	if !h.health.IsAvailable() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "upstream unreachable", "upstream": st})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "upstream": st})
}
