package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/call-escalation/internal/reconcile"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/errors"
	"github.com/troikatech/call-escalation/pkg/utils"
)

// escalationView adds the derived control-reference flag; the reference
// itself never leaves the service.
type escalationView struct {
	session.EscalationRequest
	HasControlReference bool `json:"has_control_reference"`
}

func toView(e session.EscalationRequest) escalationView {
	return escalationView{EscalationRequest: e, HasControlReference: e.HasControlReference()}
}

func (h *Handler) GetEscalation(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
	defer cancel()

	esc, err := h.store.GetEscalation(ctx, c.GetString("id"))
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if esc == nil {
		errors.NotFound(c, "escalation not found")
		return
	}

	c.JSON(http.StatusOK, toView(*esc))
}

// ListEscalations lists a primary call's escalations, newest first.
// parent_key may be a canonical key or, with ?provider=, a provider call id.
func (h *Handler) ListEscalations(c *gin.Context) {
	parent := c.Query("parent_key")
	if parent == "" {
		errors.BadRequest(c, "parent_key is required")
		return
	}
	if provider := c.Query("provider"); provider != "" {
		key, err := reconcile.Reconcile(provider, parent)
		if err != nil {
			errors.BadRequest(c, err.Error())
			return
		}
		parent = key
	} else if !reconcile.IsCanonical(parent) {
		errors.BadRequest(c, "parent_key must be a canonical key; pass provider to look up a provider call id")
		return
	}

	limit := utils.ParseLimit(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), readTimeout)
	defer cancel()

	list, err := h.store.ListEscalationsByParent(ctx, parent, limit)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}

	views := make([]escalationView, 0, len(list))
	for _, e := range list {
		views = append(views, toView(e))
	}
	c.JSON(http.StatusOK, utils.ListResponse{Data: views, Count: len(views), Limit: limit})
}
