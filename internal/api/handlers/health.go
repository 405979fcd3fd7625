package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"api":   "healthy",
		"store": "unknown",
		"redis": "disabled",
	}

	if err := h.store.Ping(ctx); err != nil {
		services["store"] = "unhealthy"
	} else {
		services["store"] = "healthy"
	}

	if h.redisClient != nil {
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			services["redis"] = "unhealthy"
		} else {
			services["redis"] = "healthy"
		}
	}

	if h.cfg.EscalationEnabled() {
		services["escalation"] = "enabled"
	} else {
		services["escalation"] = "disabled"
	}

	overallStatus := "healthy"
	status := http.StatusOK
	if services["store"] == "unhealthy" {
		overallStatus = "unhealthy"
		status = http.StatusServiceUnavailable
	} else if services["redis"] == "unhealthy" {
		overallStatus = "degraded"
	}

	c.JSON(status, HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().Format(time.RFC3339),
		Services:  services,
	})
}
