package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallInProgress CallStatus = "in_progress"
	CallEnded      CallStatus = "ended"
)

// rank orders call statuses so that a late "initiated" webhook never moves an
// ended call backwards.
func (s CallStatus) rank() int {
	switch s {
	case CallInitiated:
		return 1
	case CallInProgress:
		return 2
	case CallEnded:
		return 3
	default:
		return 0
	}
}

// atLeast lists the statuses that must not be overwritten by s.
func (s CallStatus) atLeast() []string {
	var out []string
	for _, st := range []CallStatus{CallInitiated, CallInProgress, CallEnded} {
		if st.rank() >= s.rank() {
			out = append(out, string(st))
		}
	}
	return out
}

// CallRecord is one telephone call leg. In an upsert, zero-valued fields mean
// "not carried by this event" and leave the stored value alone.
type CallRecord struct {
	ID                 string     `bson:"id" json:"id"`
	ConversationKey    string     `bson:"conversation_key" json:"conversation_key"`
	Provider           string     `bson:"provider,omitempty" json:"provider,omitempty"`
	Direction          Direction  `bson:"direction,omitempty" json:"direction,omitempty"`
	CounterpartyNumber string     `bson:"counterparty_number,omitempty" json:"counterparty_number,omitempty"`
	Topic              string     `bson:"topic,omitempty" json:"topic,omitempty"`
	DurationSeconds    *int       `bson:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`
	DurationMinutes    *int       `bson:"duration_minutes,omitempty" json:"duration_minutes,omitempty"`
	Status             CallStatus `bson:"status,omitempty" json:"status,omitempty"`
	StartedAt          *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	EndedAt            *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	RecordingURL       string     `bson:"recording_url,omitempty" json:"recording_url,omitempty"`
	// NeedsReview marks a call whose duration could not be derived. On input
	// it means "flag unless a duration is already known".
	NeedsReview bool      `bson:"needs_review" json:"needs_review"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}

// WithDuration sets seconds and the billing minutes (rounded up).
func (r *CallRecord) WithDuration(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	minutes := (seconds + 59) / 60
	r.DurationSeconds = &seconds
	r.DurationMinutes = &minutes
}

type Fragment struct {
	Text string
	At   time.Time
}

type FragmentRef struct {
	Key string    `bson:"key" json:"key"`
	At  time.Time `bson:"at" json:"at"`
}

type Transcript struct {
	ConversationKey string        `bson:"conversation_key" json:"conversation_key"`
	Text            string        `bson:"text" json:"text"`
	Fragments       []FragmentRef `bson:"fragments" json:"fragments"`
	SalesFlagged    bool          `bson:"sales_flagged" json:"sales_flagged"`
	CreatedAt       time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `bson:"updated_at" json:"updated_at"`
}

// Span returns the time between the earliest and latest timestamped
// fragment, or 0 when fewer than two carry a time.
func (t *Transcript) Span() time.Duration {
	if t == nil {
		return 0
	}
	var first, last time.Time
	for _, f := range t.Fragments {
		if f.At.IsZero() {
			continue
		}
		if first.IsZero() || f.At.Before(first) {
			first = f.At
		}
		if f.At.After(last) {
			last = f.At
		}
	}
	if first.IsZero() {
		return 0
	}
	return last.Sub(first)
}

type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationResolved EscalationStatus = "resolved"
	EscalationFailed   EscalationStatus = "failed"
	EscalationTimedOut EscalationStatus = "timed_out"
)

func (s EscalationStatus) Terminal() bool {
	return s == EscalationResolved || s == EscalationFailed || s == EscalationTimedOut
}

// Failure reasons recorded on failed escalations.
const (
	ReasonPlacementFailed    = "placement_failed"
	ReasonNoAnswer           = "no_answer"
	ReasonNoControlReference = "no_control_reference"
	ReasonRelayInterrupted   = "relay_interrupted"
	ReasonRelayFailedPrefix  = "relay_failed: "
)

type EscalationRequest struct {
	ID                string           `bson:"id" json:"id"`
	ParentCallKey     string           `bson:"parent_call_key" json:"parent_call_key"`
	ControlReference  string           `bson:"control_reference" json:"-"`
	SecondaryCallKey  string           `bson:"secondary_call_key,omitempty" json:"secondary_call_key,omitempty"`
	SecondaryProvider string           `bson:"secondary_provider,omitempty" json:"secondary_provider,omitempty"`
	ItemRequested     string           `bson:"item_requested" json:"item_requested"`
	CallerContext     string           `bson:"caller_context,omitempty" json:"caller_context,omitempty"`
	HumanNumber       string           `bson:"human_number,omitempty" json:"-"`
	Status            EscalationStatus `bson:"status" json:"status"`
	Answer            string           `bson:"answer,omitempty" json:"answer,omitempty"`
	FailureReason     string           `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	RelayClaimedAt    *time.Time       `bson:"relay_claimed_at,omitempty" json:"relay_claimed_at,omitempty"`
	CreatedAt         time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `bson:"updated_at" json:"updated_at"`
	CompletedAt       *time.Time       `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// HasControlReference is exposed to API clients instead of the reference itself.
func (e EscalationRequest) HasControlReference() bool {
	return e.ControlReference != ""
}

// Transition moves a pending escalation to a terminal status.
type Transition struct {
	To            EscalationStatus
	Answer        string
	FailureReason string
	At            time.Time
}

// NewID returns a new lexically sortable record id.
func NewID() string {
	return ulid.Make().String()
}

var requestNamespace = uuid.MustParse("0d5f3c8e-52a4-4d43-9a3e-6f1c2b7e9a10")

// RequestID derives a stable ULID-shaped id from a parent call key and the
// provider's request id, so redeliveries of one request map to one record.
// These ids do not sort by time.
func RequestID(parentKey, requestID string) string {
	return ulid.ULID(uuid.NewSHA1(requestNamespace, []byte(parentKey+":"+requestID))).String()
}
