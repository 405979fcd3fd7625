package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/call-escalation/pkg/metrics"
)

func (h *Handler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.GetMetrics())
}

func (h *Handler) GetPrometheusMetrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(metrics.GetPrometheusMetrics()))
}
