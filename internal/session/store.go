// Package session is the canonical store for call records, transcripts and
// escalation requests. It is the only synchronization point between webhook
// handlers, the orchestrator and the sweeper: every write is an upsert or a
// compare-and-set.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps every infrastructure failure. Handlers map it to a 5xx
// so providers redeliver.
var ErrUnavailable = errors.New("session store unavailable")

// ErrConflict is returned when a new escalation names a secondary call that
// already belongs to a different escalation.
var ErrConflict = errors.New("session: secondary call key already belongs to another escalation")

// Store returns (nil, nil) for lookups that find nothing.
type Store interface {
	UpsertCallRecord(ctx context.Context, rec CallRecord) (*CallRecord, error)
	AppendOrCreateTranscript(ctx context.Context, key string, frag Fragment) (*Transcript, error)

	UpsertEscalationRequest(ctx context.Context, req EscalationRequest) error
	FindEscalationByParentKey(ctx context.Context, parentKey string) (*EscalationRequest, error)
	FindEscalationBySecondaryKey(ctx context.Context, secondaryKey string) (*EscalationRequest, error)
	ListEscalationsByParent(ctx context.Context, parentKey string, limit int) ([]EscalationRequest, error)
	ClaimEscalationRelay(ctx context.Context, id string, at time.Time) (bool, error)
	TransitionEscalation(ctx context.Context, id string, t Transition) (bool, error)
	ListPendingEscalations(ctx context.Context, createdBefore time.Time, limit int) ([]EscalationRequest, error)

	GetEscalation(ctx context.Context, id string) (*EscalationRequest, error)
	GetCallRecord(ctx context.Context, key string) (*CallRecord, error)
	GetTranscript(ctx context.Context, key string) (*Transcript, error)

	Ping(ctx context.Context) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

var (
	errEmptyKey        = errors.New("session: conversation key is required")
	errEmptyID         = errors.New("session: escalation id is required")
	errNonTerminal     = errors.New("session: transition target must be terminal")
	errEmptyParentKey  = errors.New("session: parent call key is required")
	errPendingNoSecond = errors.New("session: pending escalation requires a secondary call key")
)

func validateEscalation(req EscalationRequest) error {
	if req.ID == "" {
		return errEmptyID
	}
	if req.ParentCallKey == "" {
		return errEmptyParentKey
	}
	if req.Status == EscalationPending && req.SecondaryCallKey == "" {
		return errPendingNoSecond
	}
	return nil
}

func validateTransition(t Transition) error {
	if !t.To.Terminal() {
		return errNonTerminal
	}
	return nil
}

const transcriptSeparator = "\n"

func joinText(existing, next string) string {
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	return existing + transcriptSeparator + next
}
