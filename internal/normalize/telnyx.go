package normalize

import (
	"github.com/troikatech/call-escalation/internal/reconcile"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/validation"
)

const ProviderTelnyx = "telnyx"

type telnyxEnvelope struct {
	Data telnyxData `json:"data"`
}

type telnyxData struct {
	ID         string        `json:"id"`
	EventType  string        `json:"event_type" validate:"required"`
	OccurredAt string        `json:"occurred_at"`
	Payload    telnyxPayload `json:"payload"`
}

type telnyxPayload struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	Direction     string `json:"direction"`
	From          string `json:"from"`
	To            string `json:"to"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	HangupCause   string `json:"hangup_cause"`

	TranscriptionData *struct {
		Transcript string  `json:"transcript"`
		IsFinal    bool    `json:"is_final"`
		Confidence float64 `json:"confidence"`
	} `json:"transcription_data"`

	RecordingURLs       telnyxRecordingURLs `json:"recording_urls"`
	PublicRecordingURLs telnyxRecordingURLs `json:"public_recording_urls"`
}

type telnyxRecordingURLs struct {
	MP3 string `json:"mp3"`
	WAV string `json:"wav"`
}

// TelnyxDecoder handles call-control webhooks from the telephony provider.
type TelnyxDecoder struct{}

func (TelnyxDecoder) Provider() string { return ProviderTelnyx }

func (TelnyxDecoder) Decode(body []byte) ([]Event, string) {
	var env telnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "malformed payload"
	}
	if err := validation.Struct(env); err != nil {
		return nil, "missing event type"
	}

	d := env.Data
	p := d.Payload
	key, err := telnyxKey(p)
	if err != nil {
		return nil, "missing call identifiers"
	}

	direction, counterparty := telnyxParty(p)
	occurred := parseTime(d.OccurredAt)

	switch d.EventType {
	case "call.initiated":
		started := parseTime(p.StartTime)
		if started == nil {
			started = occurred
		}
		return []Event{CallStarted{
			ConversationKey:    key,
			Provider:           ProviderTelnyx,
			Direction:          direction,
			CounterpartyNumber: counterparty,
			Status:             session.CallInitiated,
			StartedAt:          started,
		}}, ""

	case "call.answered":
		return []Event{CallStarted{
			ConversationKey:    key,
			Provider:           ProviderTelnyx,
			Direction:          direction,
			CounterpartyNumber: counterparty,
			Status:             session.CallInProgress,
			StartedAt:          parseTime(p.StartTime),
		}}, ""

	case "call.hangup":
		start := parseTime(p.StartTime)
		end := parseTime(p.EndTime)
		if end == nil {
			end = occurred
		}
		return []Event{CallEnded{
			ConversationKey:    key,
			Provider:           ProviderTelnyx,
			Direction:          direction,
			CounterpartyNumber: counterparty,
			StartedAt:          start,
			EndedAt:            end,
			Duration:           between(start, end),
		}}, ""

	case "call.transcription":
		td := p.TranscriptionData
		if td == nil || !td.IsFinal || td.Transcript == "" {
			return nil, "interim transcription"
		}
		frag := TranscriptFragment{ConversationKey: key, Text: td.Transcript}
		if occurred != nil {
			frag.At = *occurred
		}
		return []Event{frag}, ""

	case "call.recording.saved":
		url := firstNonEmpty(p.RecordingURLs.MP3, p.PublicRecordingURLs.MP3, p.RecordingURLs.WAV, p.PublicRecordingURLs.WAV)
		if url == "" {
			return nil, "recording without url"
		}
		return []Event{RecordingSaved{ConversationKey: key, URL: url}}, ""

	default:
		return nil, "ignored event type " + d.EventType
	}
}

// telnyxKey identifies one call leg. Bridged legs share call_session_id, so it
// is only used when neither leg identifier is present.
func telnyxKey(p telnyxPayload) (string, error) {
	switch {
	case p.CallControlID != "":
		return reconcile.Reconcile(ProviderTelnyx, p.CallControlID)
	case p.CallLegID != "":
		return reconcile.Reconcile(ProviderTelnyx, "leg:"+p.CallLegID)
	case p.CallSessionID != "":
		return reconcile.Reconcile(ProviderTelnyx, p.CallSessionID)
	default:
		return "", reconcile.ErrEmptyID
	}
}

func telnyxParty(p telnyxPayload) (session.Direction, string) {
	switch p.Direction {
	case "incoming":
		return session.DirectionIncoming, p.From
	case "outgoing":
		return session.DirectionOutgoing, p.To
	default:
		return "", ""
	}
}
