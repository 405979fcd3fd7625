package escalation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/metrics"
)

const sweepBatch = 100

// SweepStats counts what one sweep changed.
type SweepStats struct {
	TimedOut    int
	Interrupted int
}

// Sweeper closes escalations that never heard back. A pending request older
// than the timeout is timed out and the primary call told so; one that was
// claimed by a relay that never finished is failed after twice the timeout.
type Sweeper struct {
	store      session.Store
	controller Controller
	notifier   Notifier
	timeout    time.Duration
	interval   time.Duration
	log        *zap.Logger
}

func NewSweeper(store session.Store, controller Controller, notifier Notifier, timeout, interval time.Duration, log *zap.Logger) *Sweeper {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Sweeper{
		store:      store,
		controller: controller,
		notifier:   notifier,
		timeout:    timeout,
		interval:   interval,
		log:        log,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Escalation sweeper started", zap.Duration("timeout", s.timeout), zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Escalation sweeper stopped")
			return
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx, time.Now().UTC())
			if err != nil {
				s.log.Error("Escalation sweep failed", zap.Error(err))
				continue
			}
			if stats.TimedOut > 0 || stats.Interrupted > 0 {
				s.log.Info("Escalation sweep closed requests",
					zap.Int("timed_out", stats.TimedOut),
					zap.Int("interrupted", stats.Interrupted),
				)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (SweepStats, error) {
	var stats SweepStats

	stale, err := s.store.ListPendingEscalations(ctx, now.Add(-s.timeout), sweepBatch)
	if err != nil {
		return stats, err
	}

	interruptedBefore := now.Add(-2 * s.timeout)
	for i := range stale {
		esc := stale[i]
		if esc.RelayClaimedAt == nil {
			done, err := s.timeOut(ctx, &esc, now)
			if err != nil {
				return stats, err
			}
			if done {
				stats.TimedOut++
			}
			continue
		}

		if !esc.CreatedAt.Before(interruptedBefore) {
			continue
		}
		ok, err := s.store.TransitionEscalation(ctx, esc.ID, session.Transition{
			To:            session.EscalationFailed,
			FailureReason: session.ReasonRelayInterrupted,
			At:            now,
		})
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Interrupted++
			s.followUp(ctx, &esc)
			s.closed(ctx, &esc, session.EscalationFailed, session.ReasonRelayInterrupted, now)
		}
	}
	return stats, nil
}

// timeOut claims the relay so a late end-of-call webhook cannot also answer.
func (s *Sweeper) timeOut(ctx context.Context, esc *session.EscalationRequest, now time.Time) (bool, error) {
	claimed, err := s.store.ClaimEscalationRelay(ctx, esc.ID, now)
	if err != nil || !claimed {
		return false, err
	}

	s.followUp(ctx, esc)

	ok, err := s.store.TransitionEscalation(ctx, esc.ID, session.Transition{
		To: session.EscalationTimedOut,
		At: now,
	})
	if err != nil || !ok {
		return false, err
	}
	s.closed(ctx, esc, session.EscalationTimedOut, "", now)
	return true, nil
}

// followUp tells the waiting caller the team will get back to them. Best effort.
func (s *Sweeper) followUp(ctx context.Context, esc *session.EscalationRequest) {
	if !esc.HasControlReference() {
		return
	}
	if err := s.controller.Send(ctx, esc.ControlReference, fmt.Sprintf(ctlTimeout, esc.ItemRequested)); err != nil {
		s.log.Warn("Failed to send escalation follow-up message", zap.String("escalation_id", esc.ID), zap.Error(err))
	}
}

func (s *Sweeper) closed(ctx context.Context, esc *session.EscalationRequest, status session.EscalationStatus, reason string, now time.Time) {
	metrics.RecordEscalation(string(status))
	s.notifier.Publish(ctx, Event{
		Type:          "status",
		EscalationID:  esc.ID,
		ParentCallKey: esc.ParentCallKey,
		Status:        string(status),
		Reason:        reason,
		At:            now,
	})
}
