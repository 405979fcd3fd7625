package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/reconcile"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/logger"
	"github.com/troikatech/call-escalation/pkg/metrics"
)

// PrimaryCall identifies the live call that is waiting for the answer.
type PrimaryCall struct {
	Provider         string `json:"provider"`
	ExternalCallID   string `json:"id"`
	ControlReference string `json:"control_reference"`
	CustomerNumber   string `json:"customer_number"`
}

type TriggerRequest struct {
	ItemRequested string
	CallerContext string
	PrimaryCall   PrimaryCall
	// RequestID is the provider's id for this tool invocation (vapi toolCallId
	// or an Idempotency-Key). Redeliveries with the same id place one call.
	RequestID string
}

type TriggerResult struct {
	Message      string                   `json:"result"`
	EscalationID string                   `json:"escalation_id,omitempty"`
	Status       session.EscalationStatus `json:"status,omitempty"`
}

type Orchestrator struct {
	store     session.Store
	dialer    Dialer
	directory ContactDirectory
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time
}

func NewOrchestrator(store session.Store, dialer Dialer, directory ContactDirectory, notifier Notifier, log *zap.Logger) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Orchestrator{
		store:     store,
		dialer:    dialer,
		directory: directory,
		notifier:  notifier,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Trigger places the secondary call and returns at once. It never fails:
// every outcome is a sentence for the assistant to speak.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) TriggerResult {
	item := truncate(strings.TrimSpace(req.ItemRequested), maxItemLength)
	if item == "" {
		return TriggerResult{Message: MsgNeedItem}
	}

	human := strings.TrimSpace(o.directory.HumanContactNumber(ctx))
	if human == "" {
		metrics.RecordEscalation("disabled")
		o.log.Info("Escalation requested but no human contact is configured")
		return TriggerResult{Message: MsgNoHuman}
	}

	primary := req.PrimaryCall
	parentKey, err := reconcile.Reconcile(primary.Provider, primary.ExternalCallID)
	if err != nil {
		o.log.Warn("Escalation requested without a primary call id", zap.String("provider", primary.Provider))
		return TriggerResult{Message: MsgApology}
	}

	log := o.log.With(zap.String("parent_call_key", parentKey))

	id := session.NewID()
	if requestID := strings.TrimSpace(req.RequestID); requestID != "" {
		id = session.RequestID(parentKey, requestID)
		existing, err := o.store.GetEscalation(ctx, id)
		if err != nil {
			log.Error("Failed to look up escalation for redelivered request", zap.Error(err), zap.String("escalation_id", id))
			return TriggerResult{Message: MsgApology}
		}
		if existing != nil {
			metrics.RecordEscalation("duplicate")
			log.Info("Escalation request redelivered", zap.String("escalation_id", id), zap.String("status", string(existing.Status)))
			return replayResult(existing)
		}
	}

	esc := session.EscalationRequest{
		ID:               id,
		ParentCallKey:    parentKey,
		ControlReference: primary.ControlReference,
		ItemRequested:    item,
		CallerContext:    strings.TrimSpace(req.CallerContext),
		HumanNumber:      human,
	}
	log = log.With(zap.String("escalation_id", esc.ID))

	placed, err := o.dialer.PlaceCall(ctx, SecondaryCall{
		EscalationID:  esc.ID,
		ParentCallKey: parentKey,
		HumanNumber:   human,
		BusinessName:  o.directory.BusinessName(ctx),
		ItemRequested: item,
		CallerContext: esc.CallerContext,
	})
	if err == nil && placed == nil {
		err = errNoPlacement
	}
	var secondaryKey string
	if err == nil {
		secondaryKey, err = reconcile.Reconcile(placed.Provider, placed.ExternalCallID)
	}
	if err != nil {
		log.Error("Failed to place escalation call", zap.Error(err), logger.MaskPhone("human_number", human))
		return o.recordPlacementFailure(ctx, log, esc)
	}

	esc.SecondaryCallKey = secondaryKey
	esc.SecondaryProvider = placed.Provider
	esc.Status = session.EscalationPending

	started := o.now()
	rec := session.CallRecord{
		ConversationKey:    secondaryKey,
		Provider:           placed.Provider,
		Direction:          session.DirectionOutgoing,
		CounterpartyNumber: human,
		Topic:              "Escalation: " + item,
		Status:             session.CallInitiated,
		StartedAt:          &started,
	}
	if _, err := o.store.UpsertCallRecord(ctx, rec); err != nil {
		log.Warn("Failed to pre-create escalation call record", zap.Error(err))
	}

	esc.CreatedAt = started
	if err := o.store.UpsertEscalationRequest(ctx, esc); err != nil {
		log.Error("Failed to persist escalation after placing call", zap.Error(err), zap.String("secondary_call_key", secondaryKey))
		if errors.Is(err, session.ErrConflict) {
			metrics.RecordEscalation("conflict")
		} else {
			metrics.RecordEscalation("persist_failed")
		}
		return TriggerResult{Message: MsgApology}
	}

	metrics.RecordEscalation("created")
	o.notifier.Publish(ctx, Event{
		Type:          "created",
		EscalationID:  esc.ID,
		ParentCallKey: parentKey,
		Status:        string(session.EscalationPending),
		At:            started,
	})
	log.Info("Escalation call placed",
		zap.String("secondary_call_key", secondaryKey),
		zap.Bool("has_control_reference", esc.HasControlReference()),
	)

	msg := fmt.Sprintf(MsgHold, item)
	if !esc.HasControlReference() {
		msg = fmt.Sprintf(MsgDegraded, item)
	}
	return TriggerResult{Message: msg, EscalationID: esc.ID, Status: session.EscalationPending}
}

var errNoPlacement = errors.New("dialer returned no call")

// replayResult answers a redelivered request with what the first delivery said.
func replayResult(esc *session.EscalationRequest) TriggerResult {
	res := TriggerResult{EscalationID: esc.ID, Status: esc.Status}
	switch {
	case esc.Status == session.EscalationFailed && esc.FailureReason == session.ReasonPlacementFailed:
		res.Message = MsgApology
	case !esc.HasControlReference():
		res.Message = fmt.Sprintf(MsgDegraded, esc.ItemRequested)
	default:
		res.Message = fmt.Sprintf(MsgHold, esc.ItemRequested)
	}
	return res
}

func (o *Orchestrator) recordPlacementFailure(ctx context.Context, log *zap.Logger, esc session.EscalationRequest) TriggerResult {
	now := o.now()
	esc.Status = session.EscalationFailed
	esc.FailureReason = session.ReasonPlacementFailed
	esc.CreatedAt = now
	esc.CompletedAt = &now

	metrics.RecordEscalation(string(session.EscalationFailed))
	if err := o.store.UpsertEscalationRequest(ctx, esc); err != nil {
		log.Error("Failed to record escalation placement failure", zap.Error(err))
		return TriggerResult{Message: MsgApology}
	}
	o.notifier.Publish(ctx, Event{
		Type:          "status",
		EscalationID:  esc.ID,
		ParentCallKey: esc.ParentCallKey,
		Status:        string(esc.Status),
		Reason:        esc.FailureReason,
		At:            now,
	})
	return TriggerResult{Message: MsgApology, EscalationID: esc.ID, Status: session.EscalationFailed}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max]))
}
