package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/metrics"
)

// CompletionInput is what the normalizer knows when a call ends.
type CompletionInput struct {
	CallKey string
	Summary string
	Answer  string
}

type Outcome string

const (
	// OutcomeNoop means the ended call is not an open escalation, or another
	// delivery already claimed the relay.
	OutcomeNoop     Outcome = "noop"
	OutcomeResolved Outcome = "resolved"
	OutcomeFailed   Outcome = "failed"
)

// Relay delivers a human's answer back into the primary call. It runs for
// every ended call and does nothing unless the call is a pending escalation.
type Relay struct {
	store      session.Store
	controller Controller
	notifier   Notifier
	log        *zap.Logger
	now        func() time.Time
}

func NewRelay(store session.Store, controller Controller, notifier Notifier, log *zap.Logger) *Relay {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Relay{
		store:      store,
		controller: controller,
		notifier:   notifier,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Complete is safe to call any number of times for the same call: only the
// caller that wins the relay claim sends a command.
func (r *Relay) Complete(ctx context.Context, in CompletionInput) (Outcome, error) {
	esc, err := r.store.FindEscalationBySecondaryKey(ctx, in.CallKey)
	if err != nil {
		return "", err
	}
	if esc == nil || esc.Status != session.EscalationPending {
		return OutcomeNoop, nil
	}

	claimed, err := r.store.ClaimEscalationRelay(ctx, esc.ID, r.now())
	if err != nil {
		return "", err
	}
	if !claimed {
		return OutcomeNoop, nil
	}

	log := r.log.With(zap.String("escalation_id", esc.ID), zap.String("parent_call_key", esc.ParentCallKey))

	answer := strings.TrimSpace(in.Answer)
	if answer == "" {
		var text string
		tr, err := r.store.GetTranscript(ctx, in.CallKey)
		if err != nil {
			log.Warn("Failed to read escalation transcript", zap.Error(err))
		} else if tr != nil {
			text = tr.Text
		}
		answer = ExtractAnswer("", text, in.Summary)
	}

	if !esc.HasControlReference() {
		log.Warn("Escalation answered but primary call has no control reference")
		return r.finish(ctx, log, esc, session.Transition{
			To:            session.EscalationFailed,
			Answer:        answer,
			FailureReason: session.ReasonNoControlReference,
		})
	}

	if answer == "" {
		if err := r.controller.Send(ctx, esc.ControlReference, fmt.Sprintf(ctlNoAnswer, esc.ItemRequested)); err != nil {
			log.Warn("Failed to send no-answer fallback", zap.Error(err))
		}
		return r.finish(ctx, log, esc, session.Transition{
			To:            session.EscalationFailed,
			FailureReason: session.ReasonNoAnswer,
		})
	}

	if err := r.controller.Send(ctx, esc.ControlReference, fmt.Sprintf(ctlAnswer, esc.ItemRequested, answer)); err != nil {
		log.Error("Failed to relay escalation answer", zap.Error(err))
		return r.finish(ctx, log, esc, session.Transition{
			To:            session.EscalationFailed,
			Answer:        answer,
			FailureReason: session.ReasonRelayFailedPrefix + err.Error(),
		})
	}

	return r.finish(ctx, log, esc, session.Transition{
		To:     session.EscalationResolved,
		Answer: answer,
	})
}

func (r *Relay) finish(ctx context.Context, log *zap.Logger, esc *session.EscalationRequest, t session.Transition) (Outcome, error) {
	t.At = r.now()
	ok, err := r.store.TransitionEscalation(ctx, esc.ID, t)
	if err != nil {
		return "", err
	}
	if !ok {
		// The sweeper got there first.
		return OutcomeNoop, nil
	}

	metrics.RecordEscalation(string(t.To))
	r.notifier.Publish(ctx, Event{
		Type:          "status",
		EscalationID:  esc.ID,
		ParentCallKey: esc.ParentCallKey,
		Status:        string(t.To),
		Reason:        t.FailureReason,
		At:            t.At,
	})
	log.Info("Escalation completed", zap.String("status", string(t.To)), zap.String("reason", t.FailureReason))

	if t.To == session.EscalationResolved {
		return OutcomeResolved, nil
	}
	return OutcomeFailed, nil
}
