package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/call-escalation/pkg/errors"
)

const readTimeout = 5 * time.Second

func (h *Handler) GetCall(c *gin.Context) {
	key := c.GetString("key")

	ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
	defer cancel()

	rec, err := h.store.GetCallRecord(ctx, key)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if rec == nil {
		errors.NotFound(c, "call not found")
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetTranscript(c *gin.Context) {
	key := c.GetString("key")

	ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
	defer cancel()

	tr, err := h.store.GetTranscript(ctx, key)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if tr == nil {
		errors.NotFound(c, "transcript not found")
		return
	}

	c.JSON(http.StatusOK, tr)
}
