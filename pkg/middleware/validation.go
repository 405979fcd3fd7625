package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/troikatech/call-escalation/pkg/errors"
)

// ValidateUUIDParam rejects path params that are not canonical hyphenated UUIDs.
func ValidateUUIDParam(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param(paramName)
		if raw == "" {
			errors.BadRequest(c, paramName+" parameter is required")
			return
		}
		if len(raw) != 36 {
			errors.BadRequest(c, "invalid "+paramName+": must be a canonical UUID")
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			errors.BadRequest(c, "invalid "+paramName+": must be a canonical UUID")
			return
		}
		c.Set(paramName, id.String())
		c.Next()
	}
}

// ValidateULIDParam rejects path params that are not ULIDs.
func ValidateULIDParam(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param(paramName)
		if raw == "" {
			errors.BadRequest(c, paramName+" parameter is required")
			return
		}
		id, err := ulid.ParseStrict(strings.ToUpper(raw))
		if err != nil {
			errors.BadRequest(c, "invalid "+paramName+": must be a ULID")
			return
		}
		c.Set(paramName, id.String())
		c.Next()
	}
}

// SanitizeString removes null bytes and surrounding whitespace.
func SanitizeString(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}
