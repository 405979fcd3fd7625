package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/call-escalation/internal/escalation"
	"github.com/troikatech/call-escalation/pkg/errors"
	"github.com/troikatech/call-escalation/pkg/middleware"
	"github.com/troikatech/call-escalation/pkg/validation"
)

type EscalateRequest struct {
	ItemRequested string                 `json:"item_requested" validate:"max=2000"`
	CallerContext string                 `json:"caller_context" validate:"max=2000"`
	Call          escalation.PrimaryCall `json:"call"`
}

// Escalate is the provider-neutral tool endpoint. It always answers 200 with
// a sentence for the assistant to speak; only an unreadable body is a 400.
func (h *Handler) Escalate(c *gin.Context) {
	var req EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.BadRequest(c, "invalid JSON body")
		return
	}
	if err := validation.Struct(req); err != nil {
		errors.BadRequest(c, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), toolCallTimeout)
	defer cancel()

	res := h.orchestrator.Trigger(ctx, escalation.TriggerRequest{
		ItemRequested: middleware.SanitizeString(req.ItemRequested),
		CallerContext: middleware.SanitizeString(req.CallerContext),
		PrimaryCall:   req.Call,
		RequestID:     c.GetHeader("Idempotency-Key"),
	})
	c.JSON(http.StatusOK, res)
}
