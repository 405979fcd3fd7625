package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const problemBaseURL = "https://api.troikatech.in/problems"

// ProblemDetail represents an RFC 7807 Problem Details response
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ErrorResponse writes a problem+json body and aborts the chain.
func ErrorResponse(c *gin.Context, status int, title, detail string) {
	traceID := c.GetString("trace_id")
	if traceID == "" {
		traceID = c.GetString("request_id")
	}

	problem := ProblemDetail{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		TraceID:  traceID,
		Instance: c.Request.URL.Path,
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(status, problem)
}

// InternalError logs and sends a 500. Providers treat 5xx as retryable, so
// webhook handlers use this for store failures.
func InternalError(c *gin.Context, err error, logger *zap.Logger) {
	logger.Error("Internal server error",
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	)

	ErrorResponse(c, http.StatusInternalServerError,
		"Internal Server Error",
		"An unexpected error occurred. Please try again later.",
	)
}

func BadRequest(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusBadRequest, "Bad Request", detail)
}

func Unauthorized(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusUnauthorized, "Unauthorized", detail)
}

func NotFound(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusNotFound, "Not Found", detail)
}

func TooManyRequests(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusTooManyRequests, "Too Many Requests", detail)
}

// ServiceUnavailable sends a 503, used when a dependency is disabled by configuration.
func ServiceUnavailable(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

func problemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return problemBaseURL + "/bad-request"
	case http.StatusUnauthorized:
		return problemBaseURL + "/unauthorized"
	case http.StatusNotFound:
		return problemBaseURL + "/not-found"
	case http.StatusTooManyRequests:
		return problemBaseURL + "/rate-limit-exceeded"
	case http.StatusInternalServerError:
		return problemBaseURL + "/internal-error"
	case http.StatusServiceUnavailable:
		return problemBaseURL + "/service-unavailable"
	default:
		return problemBaseURL + "/error"
	}
}
