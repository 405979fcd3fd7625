package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/escalation"
	"github.com/troikatech/call-escalation/internal/normalize"
	"github.com/troikatech/call-escalation/pkg/errors"
	"github.com/troikatech/call-escalation/pkg/metrics"
	"github.com/troikatech/call-escalation/pkg/webhook"
)

const (
	webhookTimeout  = 15 * time.Second
	toolCallTimeout = 20 * time.Second
)

// Tool names the assistant may call to reach a human.
var escalationTools = map[string]bool{
	"ask_human":        true,
	"check_with_owner": true,
}

type toolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

func (h *Handler) VapiWebhook(c *gin.Context) {
	if err := webhook.VerifyVapiSecret(h.cfg.VapiWebhookSecret, c.GetHeader("X-Vapi-Secret")); err != nil {
		metrics.RecordWebhook(normalize.ProviderVapi, "rejected")
		h.logger.Warn("Rejected vapi webhook", zap.Error(err), zap.String("remote_addr", c.ClientIP()))
		errors.Unauthorized(c, err.Error())
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errors.BadRequest(c, "failed to read body")
		return
	}

	if normalize.VapiMessageType(body) == normalize.VapiToolCalls {
		h.vapiToolCalls(c, body)
		return
	}
	h.applyWebhook(c, normalize.VapiDecoder{}, body)
}

func (h *Handler) TelnyxWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		errors.BadRequest(c, "failed to read body")
		return
	}

	if err := h.telnyx.Verify(body, c.GetHeader("telnyx-signature-ed25519"), c.GetHeader("telnyx-timestamp")); err != nil {
		metrics.RecordWebhook(normalize.ProviderTelnyx, "rejected")
		h.logger.Warn("Rejected telnyx webhook", zap.Error(err), zap.String("remote_addr", c.ClientIP()))
		errors.Unauthorized(c, err.Error())
		return
	}

	h.applyWebhook(c, normalize.TelnyxDecoder{}, body)
}

// applyWebhook acknowledges malformed and unknown payloads with 200 and answers
// store failures with 500 so the provider redelivers.
func (h *Handler) applyWebhook(c *gin.Context, dec normalize.Decoder, body []byte) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), webhookTimeout)
	defer cancel()

	res, err := h.applier.Handle(ctx, dec, body)
	if err != nil {
		metrics.RecordWebhook(dec.Provider(), "error")
		errors.InternalError(c, err, h.logger)
		return
	}

	if res.Dropped {
		metrics.RecordWebhook(dec.Provider(), "dropped")
		h.logger.Warn("Webhook payload dropped",
			zap.String("provider", dec.Provider()),
			zap.String("reason", res.Reason),
		)
	} else {
		metrics.RecordWebhook(dec.Provider(), "applied")
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) vapiToolCalls(c *gin.Context, body []byte) {
	results := make([]toolResult, 0)

	batch, err := normalize.DecodeVapiToolCalls(body)
	if err != nil {
		metrics.RecordWebhook(normalize.ProviderVapi, "dropped")
		h.logger.Warn("Malformed tool-calls message", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"results": results})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), toolCallTimeout)
	defer cancel()

	for _, tc := range batch.Calls {
		if !escalationTools[tc.Name] {
			results = append(results, toolResult{ToolCallID: tc.ID, Result: "This tool is not available."})
			continue
		}

		item := tc.String("item_requested")
		if item == "" {
			item = tc.String("item")
		}
		res := h.orchestrator.Trigger(ctx, escalation.TriggerRequest{
			ItemRequested: item,
			CallerContext: tc.String("caller_context"),
			RequestID:     tc.ID,
			PrimaryCall: escalation.PrimaryCall{
				Provider:         normalize.ProviderVapi,
				ExternalCallID:   batch.CallID,
				ControlReference: batch.ControlURL,
				CustomerNumber:   batch.CustomerNumber,
			},
		})
		results = append(results, toolResult{ToolCallID: tc.ID, Result: res.Message})
	}

	metrics.RecordWebhook(normalize.ProviderVapi, "tool_calls")
	c.JSON(http.StatusOK, gin.H{"results": results})
}
