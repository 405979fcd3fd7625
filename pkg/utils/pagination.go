package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type ListResponse struct {
	Data  interface{} `json:"data"`
	Count int         `json:"count"`
	Limit int         `json:"limit"`
}

// ParseLimit reads ?limit=, clamped to [1, 100] with a default of 20.
func ParseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 1 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
