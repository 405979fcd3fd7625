// Package escalation asks a human about something the assistant cannot
// answer: it places a second call, waits for that call to end, and relays
// the answer into the still-live first call.
package escalation

import (
	"context"
	"time"
)

// Spoken replies returned to the primary call's assistant.
const (
	MsgNeedItem = "Could you tell me which item you're looking for?"
	MsgNoHuman  = "I'm sorry, there's no one available to check with right now, but I'm happy to help with anything else."
	MsgHold     = "Let me check with the team about %s. Please hold on for a moment."
	MsgDegraded = "I've asked the team about %s. I can't get their answer during this call, but we'll follow up with you shortly."
	MsgApology  = "I'm sorry, I wasn't able to reach the team right now. Is there anything else I can help you with?"
)

// Control messages injected into the primary call as system turns.
const (
	ctlAnswer   = "The team replied about %s: %q. Share this answer with the customer now."
	ctlNoAnswer = "The team could not confirm anything about %s. Apologize to the customer and offer a follow-up."
	ctlTimeout  = "The team could not be reached about %s in time. Tell the customer we'll follow up shortly."
)

const maxItemLength = 300

// SecondaryCall is what the dialer needs to ask the human.
type SecondaryCall struct {
	EscalationID  string
	ParentCallKey string
	HumanNumber   string
	BusinessName  string
	ItemRequested string
	CallerContext string
}

type PlacedCall struct {
	Provider       string
	ExternalCallID string
}

type Dialer interface {
	PlaceCall(ctx context.Context, call SecondaryCall) (*PlacedCall, error)
}

// Controller sends a mid-call command to a live call.
type Controller interface {
	Send(ctx context.Context, controlReference, message string) error
}

type ContactDirectory interface {
	HumanContactNumber(ctx context.Context) string
	BusinessName(ctx context.Context) string
}

// Event is published on every escalation state change.
type Event struct {
	Type          string    `json:"type"`
	EscalationID  string    `json:"escalation_id"`
	ParentCallKey string    `json:"parent_call_key"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

type Notifier interface {
	Publish(ctx context.Context, ev Event)
}
