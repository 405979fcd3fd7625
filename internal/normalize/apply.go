package normalize

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/escalation"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/logger"
	"github.com/troikatech/call-escalation/pkg/storage"
)

// Relay is told about every ended call.
type Relay interface {
	Complete(ctx context.Context, in escalation.CompletionInput) (escalation.Outcome, error)
}

// Applier writes decoded events to the store. Every write is an upsert, so
// applying the same delivery twice leaves the store unchanged.
type Applier struct {
	store    session.Store
	relay    Relay
	archiver storage.Archiver
	log      *zap.Logger
}

func NewApplier(store session.Store, relay Relay, archiver storage.Archiver, log *zap.Logger) *Applier {
	if archiver == nil {
		archiver = storage.ProviderURLDriver{}
	}
	return &Applier{store: store, relay: relay, archiver: archiver, log: log}
}

// Handle decodes body and applies the resulting events in order. Store
// failures are returned so the caller can ask for redelivery.
func (a *Applier) Handle(ctx context.Context, dec Decoder, body []byte) (Result, error) {
	events, reason := dec.Decode(body)
	if len(events) == 0 {
		a.log.Debug("Webhook dropped", zap.String("provider", dec.Provider()), zap.String("reason", reason))
		return Result{Dropped: true, Reason: reason}, nil
	}
	return a.Apply(ctx, events)
}

func (a *Applier) Apply(ctx context.Context, events []Event) (Result, error) {
	var res Result
	for _, ev := range events {
		var err error
		switch e := ev.(type) {
		case CallStarted:
			err = a.callStarted(ctx, e)
		case CallEnded:
			err = a.callEnded(ctx, e)
		case TranscriptFragment:
			if e.Text == "" {
				continue
			}
			_, err = a.store.AppendOrCreateTranscript(ctx, e.ConversationKey, session.Fragment{Text: e.Text, At: e.At})
		case RecordingSaved:
			err = a.recordingSaved(ctx, e)
		}
		if err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, ev.Kind())
	}
	return res, nil
}

func (a *Applier) callStarted(ctx context.Context, e CallStarted) error {
	_, err := a.store.UpsertCallRecord(ctx, session.CallRecord{
		ConversationKey:    e.ConversationKey,
		Provider:           e.Provider,
		Direction:          e.Direction,
		CounterpartyNumber: e.CounterpartyNumber,
		Status:             e.Status,
		StartedAt:          e.StartedAt,
	})
	return err
}

func (a *Applier) callEnded(ctx context.Context, e CallEnded) error {
	rec := session.CallRecord{
		ConversationKey:    e.ConversationKey,
		Provider:           e.Provider,
		Direction:          e.Direction,
		CounterpartyNumber: e.CounterpartyNumber,
		Status:             session.CallEnded,
		StartedAt:          e.StartedAt,
		EndedAt:            e.EndedAt,
	}

	duration := e.Duration
	if duration == nil {
		tr, err := a.store.GetTranscript(ctx, e.ConversationKey)
		if err != nil {
			return err
		}
		if span := tr.Span(); span > 0 {
			duration = &span
		}
	}
	if duration != nil {
		rec.WithDuration(seconds(*duration))
	} else {
		rec.NeedsReview = true
		a.log.Warn("Call ended without a derivable duration",
			zap.String("conversation_key", e.ConversationKey),
			zap.String("provider", e.Provider),
			logger.MaskPhoneIfPresent("counterparty", e.CounterpartyNumber),
		)
	}

	if _, err := a.store.UpsertCallRecord(ctx, rec); err != nil {
		return err
	}

	if a.relay == nil {
		return nil
	}
	outcome, err := a.relay.Complete(ctx, escalation.CompletionInput{
		CallKey: e.ConversationKey,
		Summary: e.Summary,
		Answer:  e.Answer,
	})
	if err != nil {
		return err
	}
	if outcome != escalation.OutcomeNoop {
		a.log.Info("Escalation relay finished", zap.String("conversation_key", e.ConversationKey), zap.String("outcome", string(outcome)))
	}
	return nil
}

// recordingSaved falls back to the provider URL when archiving fails.
func (a *Applier) recordingSaved(ctx context.Context, e RecordingSaved) error {
	url, err := a.archiver.Archive(ctx, e.ConversationKey, e.URL)
	if err != nil {
		a.log.Warn("Failed to archive recording", zap.String("conversation_key", e.ConversationKey), zap.Error(err))
		url = e.URL
	}
	_, err = a.store.UpsertCallRecord(ctx, session.CallRecord{
		ConversationKey: e.ConversationKey,
		RecordingURL:    url,
	})
	return err
}

func seconds(d time.Duration) int {
	return int(math.Round(d.Seconds()))
}
