// Package api assembles the HTTP router shared by the server binary and the
// route tests.
package api

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/api/handlers"
	"github.com/troikatech/call-escalation/pkg/env"
	"github.com/troikatech/call-escalation/pkg/middleware"
	"github.com/troikatech/call-escalation/pkg/otel"
)

const maxBodyBytes = 1 << 20

// NewRouter registers every route. redisClient may be nil; rate limiting and
// idempotency replay are then skipped.
func NewRouter(cfg *env.Config, h *handlers.Handler, redisClient *redis.Client, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(maxBodyBytes))
	if cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}
	router.Use(middleware.RequestLogger(log))
	router.Use(cors.New(corsConfig(cfg.CORSAllowedOrigins)))

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", h.GetMetrics)
	router.GET("/metrics/prometheus", h.GetPrometheusMetrics)

	// Provider webhooks authenticate by signature and are never rate limited.
	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/vapi", h.VapiWebhook)
		webhooks.POST("/telnyx", h.TelnyxWebhook)
	}

	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.APIRateLimitRPM, log)

	api := router.Group("/api")
	api.Use(rateLimiter.Middleware())
	{
		api.POST("/tools/escalate", middleware.IdempotencyMiddleware(redisClient), h.Escalate)

		calls := api.Group("/calls")
		{
			calls.GET("/:key", middleware.ValidateUUIDParam("key"), h.GetCall)
			calls.GET("/:key/transcript", middleware.ValidateUUIDParam("key"), h.GetTranscript)
		}

		escalations := api.Group("/escalations")
		{
			escalations.GET("", h.ListEscalations)
			escalations.GET("/:id", middleware.ValidateULIDParam("id"), h.GetEscalation)
		}
	}

	router.GET("/ws/escalations", h.EscalationEvents)

	return router
}

func corsConfig(origins string) cors.Config {
	c := cors.DefaultConfig()
	if origins == "" || origins == "*" {
		c.AllowAllOrigins = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowOrigins = append(c.AllowOrigins, o)
			}
		}
		c.AllowCredentials = true
	}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Idempotency-Key", "X-Trace-ID"}
	return c
}
