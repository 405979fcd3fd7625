package normalize

import (
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/troikatech/call-escalation/internal/reconcile"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/validation"
)

const ProviderVapi = "vapi"

// Vapi message types.
const (
	vapiEndOfCallReport = "end-of-call-report"
	vapiStatusUpdate    = "status-update"
	VapiToolCalls       = "tool-calls"
)

type vapiEnvelope struct {
	Message vapiMessage `json:"message"`
}

type vapiMessage struct {
	Type         string        `json:"type" validate:"required"`
	Status       string        `json:"status"`
	Timestamp    float64       `json:"timestamp"`
	Call         vapiCall      `json:"call"`
	Customer     *vapiCustomer `json:"customer"`
	StartedAt    string        `json:"startedAt"`
	EndedAt      string        `json:"endedAt"`
	EndedReason  string        `json:"endedReason"`
	Summary      string        `json:"summary"`
	Transcript   string        `json:"transcript"`
	RecordingURL string        `json:"recordingUrl"`
	Artifact     vapiArtifact  `json:"artifact"`
	Analysis     vapiAnalysis  `json:"analysis"`
	ToolCallList []vapiToolCall `json:"toolCallList"`
}

type vapiCall struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Customer  *vapiCustomer `json:"customer"`
	StartedAt string        `json:"startedAt"`
	EndedAt   string        `json:"endedAt"`
	Monitor   struct {
		ControlURL string `json:"controlUrl"`
	} `json:"monitor"`
}

type vapiCustomer struct {
	Number string `json:"number"`
}

type vapiArtifact struct {
	Transcript   string                `json:"transcript"`
	RecordingURL string                `json:"recordingUrl"`
	Messages     []vapiArtifactMessage `json:"messages"`
}

type vapiArtifactMessage struct {
	Role    string `json:"role"`
	Message string `json:"message"`
	// Time is milliseconds since the epoch.
	Time float64 `json:"time"`
}

type vapiAnalysis struct {
	Summary        string                 `json:"summary"`
	StructuredData map[string]interface{} `json:"structuredData"`
}

type vapiToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string              `json:"name"`
		Arguments jsoniter.RawMessage `json:"arguments"`
	} `json:"function"`
}

// VapiDecoder handles the voice-assistant provider's server messages.
type VapiDecoder struct{}

func (VapiDecoder) Provider() string { return ProviderVapi }

func decodeVapi(body []byte) (*vapiMessage, string) {
	var env vapiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "malformed payload"
	}
	if err := validation.Struct(env); err != nil {
		return nil, "missing message type"
	}
	return &env.Message, ""
}

// VapiMessageType peeks at the message type without decoding the rest.
func VapiMessageType(body []byte) string {
	return json.Get(body, "message", "type").ToString()
}

func (VapiDecoder) Decode(body []byte) ([]Event, string) {
	msg, reason := decodeVapi(body)
	if msg == nil {
		return nil, reason
	}

	switch msg.Type {
	case vapiEndOfCallReport, vapiStatusUpdate:
	default:
		return nil, "ignored message type " + msg.Type
	}

	key, err := reconcile.Reconcile(ProviderVapi, msg.Call.ID)
	if err != nil {
		return nil, "missing call id"
	}

	if msg.Type == vapiStatusUpdate {
		return vapiStatus(key, msg)
	}
	return vapiEndOfCall(key, msg), ""
}

func vapiStatus(key string, msg *vapiMessage) ([]Event, string) {
	ev := CallStarted{
		ConversationKey:    key,
		Provider:           ProviderVapi,
		Direction:          vapiDirection(msg.Call.Type),
		CounterpartyNumber: vapiNumber(msg),
	}
	switch msg.Status {
	case "queued", "ringing":
		ev.Status = session.CallInitiated
	case "in-progress":
		ev.Status = session.CallInProgress
		ev.StartedAt = parseTime(msg.Call.StartedAt)
		if ev.StartedAt == nil && msg.Timestamp > 0 {
			t := fromMillis(msg.Timestamp)
			ev.StartedAt = &t
		}
	default:
		return nil, "ignored status " + msg.Status
	}
	return []Event{ev}, ""
}

func vapiEndOfCall(key string, msg *vapiMessage) []Event {
	start := parseTime(firstNonEmpty(msg.StartedAt, msg.Call.StartedAt))
	end := parseTime(firstNonEmpty(msg.EndedAt, msg.Call.EndedAt))

	var events []Event
	if text := vapiTranscript(msg); text != "" {
		at := time.Time{}
		if end != nil {
			at = *end
		}
		events = append(events, TranscriptFragment{ConversationKey: key, Text: text, At: at})
	}
	if url := firstNonEmpty(msg.RecordingURL, msg.Artifact.RecordingURL); url != "" {
		events = append(events, RecordingSaved{ConversationKey: key, URL: url})
	}

	duration := between(start, end)
	if duration == nil {
		duration = messageSpan(msg.Artifact.Messages)
	}

	var answer string
	if v, ok := msg.Analysis.StructuredData["answer"].(string); ok {
		answer = strings.TrimSpace(v)
	}

	return append(events, CallEnded{
		ConversationKey:    key,
		Provider:           ProviderVapi,
		Direction:          vapiDirection(msg.Call.Type),
		CounterpartyNumber: vapiNumber(msg),
		StartedAt:          start,
		EndedAt:            end,
		Duration:           duration,
		Summary:            firstNonEmpty(msg.Analysis.Summary, msg.Summary),
		Answer:             answer,
	})
}

func vapiTranscript(msg *vapiMessage) string {
	if text := firstNonEmpty(msg.Artifact.Transcript, msg.Transcript); text != "" {
		return text
	}
	var lines []string
	for _, m := range msg.Artifact.Messages {
		text := strings.TrimSpace(m.Message)
		if text == "" {
			continue
		}
		switch m.Role {
		case "assistant", "bot":
			lines = append(lines, "AI: "+text)
		case "user":
			lines = append(lines, "User: "+text)
		}
	}
	return strings.Join(lines, "\n")
}

// messageSpan measures the call from its first to its last timestamped message.
func messageSpan(msgs []vapiArtifactMessage) *time.Duration {
	var first, last float64
	for _, m := range msgs {
		if m.Time <= 0 {
			continue
		}
		if first == 0 || m.Time < first {
			first = m.Time
		}
		if m.Time > last {
			last = m.Time
		}
	}
	if last <= first {
		return nil
	}
	d := time.Duration((last - first) * float64(time.Millisecond))
	return &d
}

func fromMillis(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func vapiDirection(callType string) session.Direction {
	switch callType {
	case "inboundPhoneCall":
		return session.DirectionIncoming
	case "outboundPhoneCall":
		return session.DirectionOutgoing
	default:
		return ""
	}
}

func vapiNumber(msg *vapiMessage) string {
	if msg.Call.Customer != nil && msg.Call.Customer.Number != "" {
		return msg.Call.Customer.Number
	}
	if msg.Customer != nil {
		return msg.Customer.Number
	}
	return ""
}
