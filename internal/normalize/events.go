// Package normalize turns provider webhook payloads into canonical call
// events and applies them to the session store.
package normalize

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/troikatech/call-escalation/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Kind string

const (
	KindCallStarted        Kind = "call_started"
	KindCallEnded          Kind = "call_ended"
	KindTranscriptFragment Kind = "transcript_fragment"
	KindRecordingSaved     Kind = "recording_saved"
)

// Event is one of CallStarted, CallEnded, TranscriptFragment or RecordingSaved.
type Event interface {
	Kind() Kind
	Key() string
}

type CallStarted struct {
	ConversationKey    string
	Provider           string
	Direction          session.Direction
	CounterpartyNumber string
	Status             session.CallStatus
	StartedAt          *time.Time
}

func (CallStarted) Kind() Kind      { return KindCallStarted }
func (e CallStarted) Key() string { return e.ConversationKey }

// CallEnded carries a nil Duration when the payload had no usable
// timestamps; the applier then falls back to the stored transcript.
type CallEnded struct {
	ConversationKey    string
	Provider           string
	Direction          session.Direction
	CounterpartyNumber string
	StartedAt          *time.Time
	EndedAt            *time.Time
	Duration           *time.Duration
	Summary            string
	Answer             string
}

func (CallEnded) Kind() Kind      { return KindCallEnded }
func (e CallEnded) Key() string { return e.ConversationKey }

type TranscriptFragment struct {
	ConversationKey string
	Text            string
	At              time.Time
}

func (TranscriptFragment) Kind() Kind      { return KindTranscriptFragment }
func (e TranscriptFragment) Key() string { return e.ConversationKey }

type RecordingSaved struct {
	ConversationKey string
	URL             string
}

func (RecordingSaved) Kind() Kind      { return KindRecordingSaved }
func (e RecordingSaved) Key() string { return e.ConversationKey }

// Result reports what a webhook delivery changed. Dropped payloads are
// acknowledged so the provider stops redelivering them.
type Result struct {
	Applied []Kind `json:"applied,omitempty"`
	Dropped bool   `json:"dropped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Decoder maps one provider's payload to events. A nil slice with a reason
// means the payload is malformed or not interesting.
type Decoder interface {
	Provider() string
	Decode(body []byte) ([]Event, string)
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func between(start, end *time.Time) *time.Duration {
	if start == nil || end == nil || end.Before(*start) {
		return nil
	}
	d := end.Sub(*start)
	return &d
}
