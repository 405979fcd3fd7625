package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/escalation"
	"github.com/troikatech/call-escalation/internal/reconcile"
	"github.com/troikatech/call-escalation/internal/session"
)

type fakeRelay struct {
	inputs []escalation.CompletionInput
	err    error
}

func (r *fakeRelay) Complete(_ context.Context, in escalation.CompletionInput) (escalation.Outcome, error) {
	r.inputs = append(r.inputs, in)
	return escalation.OutcomeNoop, r.err
}

type fakeArchiver struct {
	err error
}

func (a fakeArchiver) Archive(_ context.Context, callKey, _ string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "/recordings/" + callKey + ".mp3", nil
}

func newApplier(archiver fakeArchiver) (*Applier, *session.MemoryStore, *fakeRelay) {
	store := session.NewMemoryStore()
	relay := &fakeRelay{}
	return NewApplier(store, relay, archiver, zap.NewNop()), store, relay
}

const vapiReportWithMessages = `{
  "message": {
    "type": "end-of-call-report",
    "call": {"id": "vapi-call-1", "type": "inboundPhoneCall", "customer": {"number": "+15557654321"}},
    "artifact": {
      "messages": [
        {"role": "assistant", "message": "Hi, how can I help?", "time": 1772366400000},
        {"role": "user", "message": "Do you have red boots?", "time": 1772366421000},
        {"role": "assistant", "message": "Let me check.", "time": 1772366442000}
      ]
    },
    "analysis": {"summary": "Caller asked about red boots.", "structuredData": {"answer": "  "}}
  }
}`

func TestVapi_DurationFromMessageTimes(t *testing.T) {
	a, store, relay := newApplier(fakeArchiver{})
	ctx := context.Background()

	res, err := a.Handle(ctx, VapiDecoder{}, []byte(vapiReportWithMessages))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Dropped || len(res.Applied) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	key := reconcile.MustReconcile("vapi", "vapi-call-1")
	rec, _ := store.GetCallRecord(ctx, key)
	if rec == nil || rec.DurationSeconds == nil || *rec.DurationSeconds != 42 {
		t.Fatalf("expected 42s duration, got %+v", rec)
	}
	if *rec.DurationMinutes != 1 || rec.NeedsReview {
		t.Fatalf("unexpected minutes/review: %+v", rec)
	}
	if rec.Status != session.CallEnded || rec.Direction != session.DirectionIncoming || rec.CounterpartyNumber != "+15557654321" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	tr, _ := store.GetTranscript(ctx, key)
	if tr == nil || !strings.Contains(tr.Text, "User: Do you have red boots?") {
		t.Fatalf("unexpected transcript: %+v", tr)
	}

	if len(relay.inputs) != 1 {
		t.Fatalf("expected relay to be told about the ended call")
	}
	in := relay.inputs[0]
	if in.CallKey != key || in.Summary != "Caller asked about red boots." || in.Answer != "" {
		t.Fatalf("unexpected completion input: %+v", in)
	}
}

func TestVapi_DurationFromTimestamps(t *testing.T) {
	a, store, _ := newApplier(fakeArchiver{})
	body := `{"message":{"type":"end-of-call-report","startedAt":"2026-03-01T12:00:00Z","endedAt":"2026-03-01T12:02:05.400Z",
		"call":{"id":"vapi-call-2","type":"outboundPhoneCall"},"transcript":"AI: hello\nUser: hi",
		"analysis":{"structuredData":{"answer":"two pairs"}}}}`

	if _, err := a.Handle(context.Background(), VapiDecoder{}, []byte(body)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec, _ := store.GetCallRecord(context.Background(), reconcile.MustReconcile("vapi", "vapi-call-2"))
	if *rec.DurationSeconds != 125 || *rec.DurationMinutes != 3 {
		t.Fatalf("expected 125s/3min, got %d/%d", *rec.DurationSeconds, *rec.DurationMinutes)
	}
	if rec.StartedAt == nil || rec.EndedAt == nil {
		t.Fatalf("expected timestamps stored")
	}
}

func TestVapi_NoDurationNeedsReview(t *testing.T) {
	a, store, _ := newApplier(fakeArchiver{})
	body := `{"message":{"type":"end-of-call-report","call":{"id":"vapi-call-3"},"transcript":"AI: hello"}}`

	if _, err := a.Handle(context.Background(), VapiDecoder{}, []byte(body)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec, _ := store.GetCallRecord(context.Background(), reconcile.MustReconcile("vapi", "vapi-call-3"))
	if !rec.NeedsReview || rec.DurationSeconds == nil || *rec.DurationSeconds != 0 {
		t.Fatalf("expected zero duration flagged for review, got %+v", rec)
	}
}

func TestVapi_StructuredAnswerPassedToRelay(t *testing.T) {
	a, _, relay := newApplier(fakeArchiver{})
	body := `{"message":{"type":"end-of-call-report","call":{"id":"vapi-call-4"},"summary":"short",
		"analysis":{"structuredData":{"answer":"yes, two pairs"}}}}`

	if _, err := a.Handle(context.Background(), VapiDecoder{}, []byte(body)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if relay.inputs[0].Answer != "yes, two pairs" || relay.inputs[0].Summary != "short" {
		t.Fatalf("unexpected input: %+v", relay.inputs[0])
	}
}

func TestVapi_DuplicateDeliveryIsIdempotent(t *testing.T) {
	a, store, _ := newApplier(fakeArchiver{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.Handle(ctx, VapiDecoder{}, []byte(vapiReportWithMessages)); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	key := reconcile.MustReconcile("vapi", "vapi-call-1")
	tr, _ := store.GetTranscript(ctx, key)
	if len(tr.Fragments) != 1 || strings.Count(tr.Text, "Do you have red boots?") != 1 {
		t.Fatalf("transcript grew on redelivery: %+v", tr)
	}
	rec, _ := store.GetCallRecord(ctx, key)
	if *rec.DurationSeconds != 42 {
		t.Fatalf("duration changed on redelivery: %d", *rec.DurationSeconds)
	}
}

func TestVapi_StatusUpdate(t *testing.T) {
	a, store, relay := newApplier(fakeArchiver{})
	body := `{"message":{"type":"status-update","status":"in-progress","call":{"id":"vapi-call-5","startedAt":"2026-03-01T12:00:00Z"}}}`

	res, err := a.Handle(context.Background(), VapiDecoder{}, []byte(body))
	if err != nil || len(res.Applied) != 1 || res.Applied[0] != KindCallStarted {
		t.Fatalf("unexpected result: %+v %v", res, err)
	}
	rec, _ := store.GetCallRecord(context.Background(), reconcile.MustReconcile("vapi", "vapi-call-5"))
	if rec.Status != session.CallInProgress || rec.StartedAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(relay.inputs) != 0 {
		t.Fatalf("relay must only run for ended calls")
	}
}

func TestDecode_Dropped(t *testing.T) {
	tests := []struct {
		name string
		dec  Decoder
		body string
	}{
		{"malformed json", VapiDecoder{}, `{"message":`},
		{"missing type", VapiDecoder{}, `{"message":{"call":{"id":"x"}}}`},
		{"unknown vapi type", VapiDecoder{}, `{"message":{"type":"speech-update","call":{"id":"x"}}}`},
		{"vapi without call id", VapiDecoder{}, `{"message":{"type":"end-of-call-report"}}`},
		{"vapi ended status", VapiDecoder{}, `{"message":{"type":"status-update","status":"ended","call":{"id":"x"}}}`},
		{"unknown telnyx event", TelnyxDecoder{}, `{"data":{"event_type":"call.bridged","payload":{"call_session_id":"s1"}}}`},
		{"telnyx without ids", TelnyxDecoder{}, `{"data":{"event_type":"call.hangup","payload":{}}}`},
		{"interim transcription", TelnyxDecoder{}, `{"data":{"event_type":"call.transcription","payload":{"call_session_id":"s1","transcription_data":{"transcript":"hel","is_final":false}}}}`},
		{"telnyx not json", TelnyxDecoder{}, `<xml/>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, store, _ := newApplier(fakeArchiver{})
			res, err := a.Handle(context.Background(), tt.dec, []byte(tt.body))
			if err != nil {
				t.Fatalf("dropped payloads must not error: %v", err)
			}
			if !res.Dropped || res.Reason == "" {
				t.Fatalf("expected dropped with reason, got %+v", res)
			}
			if store.CountEscalations() != 0 {
				t.Fatalf("unexpected writes")
			}
		})
	}
}

func telnyxEvent(eventType, occurred, payload string) []byte {
	return []byte(fmt.Sprintf(`{"data":{"event_type":%q,"occurred_at":%q,"payload":%s}}`, eventType, occurred, payload))
}

func TestTelnyx_CallLifecycle(t *testing.T) {
	a, store, relay := newApplier(fakeArchiver{})
	ctx := context.Background()
	ids := `"call_session_id":"sess-1","call_control_id":"v3:ctl","direction":"incoming","from":"+15550001111","to":"+15559990000"`

	steps := [][]byte{
		telnyxEvent("call.initiated", "2026-03-01T12:00:00Z", `{`+ids+`}`),
		telnyxEvent("call.transcription", "2026-03-01T12:00:05Z", `{`+ids+`,"transcription_data":{"transcript":"hello","is_final":true}}`),
		telnyxEvent("call.transcription", "2026-03-01T12:00:47Z", `{`+ids+`,"transcription_data":{"transcript":"thanks, bye","is_final":true}}`),
		telnyxEvent("call.hangup", "", `{`+ids+`,"hangup_cause":"normal_clearing"}`),
	}
	for i, body := range steps {
		if _, err := a.Handle(ctx, TelnyxDecoder{}, body); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	key := reconcile.MustReconcile("telnyx", "v3:ctl")
	rec, _ := store.GetCallRecord(ctx, key)
	if rec.Status != session.CallEnded || rec.CounterpartyNumber != "+15550001111" || rec.Direction != session.DirectionIncoming {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.DurationSeconds == nil || *rec.DurationSeconds != 42 || rec.NeedsReview {
		t.Fatalf("expected duration from transcript span, got %+v", rec)
	}
	tr, _ := store.GetTranscript(ctx, key)
	if tr.Text != "hello\nthanks, bye" {
		t.Fatalf("unexpected transcript %q", tr.Text)
	}
	if len(relay.inputs) != 1 || relay.inputs[0].CallKey != key {
		t.Fatalf("expected one relay completion, got %+v", relay.inputs)
	}

	// a late initiated webhook must not move the call backwards
	if _, err := a.Handle(ctx, TelnyxDecoder{}, steps[0]); err != nil {
		t.Fatalf("replay: %v", err)
	}
	rec, _ = store.GetCallRecord(ctx, key)
	if rec.Status != session.CallEnded {
		t.Fatalf("status regressed to %s", rec.Status)
	}
}

func TestTelnyx_HangupWithTimes(t *testing.T) {
	a, store, _ := newApplier(fakeArchiver{})
	body := telnyxEvent("call.hangup", "2026-03-01T12:01:00Z",
		`{"call_control_id":"v3:abc","start_time":"2026-03-01T12:00:00Z","end_time":"2026-03-01T12:00:30Z"}`)

	if _, err := a.Handle(context.Background(), TelnyxDecoder{}, body); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec, _ := store.GetCallRecord(context.Background(), reconcile.MustReconcile("telnyx", "v3:abc"))
	if *rec.DurationSeconds != 30 || *rec.DurationMinutes != 1 {
		t.Fatalf("unexpected duration %+v", rec)
	}
}

func TestTelnyx_LegFallbackKey(t *testing.T) {
	events, reason := TelnyxDecoder{}.Decode(telnyxEvent("call.initiated", "", `{"call_leg_id":"leg-9"}`))
	if len(events) != 1 {
		t.Fatalf("expected one event, got %v (%s)", events, reason)
	}
	if events[0].Key() != reconcile.MustReconcile("telnyx", "leg:leg-9") {
		t.Fatalf("unexpected key %s", events[0].Key())
	}
}

func TestTelnyx_BridgedLegsKeptApart(t *testing.T) {
	a, store, _ := newApplier(fakeArchiver{})
	ctx := context.Background()

	inbound := telnyxEvent("call.initiated", "2026-03-01T12:00:00Z",
		`{"call_session_id":"sess-9","call_control_id":"v3:in","call_leg_id":"leg-in","direction":"incoming","from":"+15550001111","to":"+15559990000"}`)
	outbound := telnyxEvent("call.initiated", "2026-03-01T12:00:02Z",
		`{"call_session_id":"sess-9","call_control_id":"v3:out","call_leg_id":"leg-out","direction":"outgoing","from":"+15559990000","to":"+15552223333"}`)
	for _, body := range [][]byte{inbound, outbound} {
		if _, err := a.Handle(ctx, TelnyxDecoder{}, body); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}

	in, _ := store.GetCallRecord(ctx, reconcile.MustReconcile("telnyx", "v3:in"))
	out, _ := store.GetCallRecord(ctx, reconcile.MustReconcile("telnyx", "v3:out"))
	if in == nil || out == nil {
		t.Fatalf("expected one record per leg, got in=%+v out=%+v", in, out)
	}
	if in.Direction != session.DirectionIncoming || in.CounterpartyNumber != "+15550001111" {
		t.Fatalf("inbound leg overwritten: %+v", in)
	}
	if out.Direction != session.DirectionOutgoing || out.CounterpartyNumber != "+15552223333" {
		t.Fatalf("unexpected outbound leg: %+v", out)
	}
}

func TestTelnyx_SessionKeyFallback(t *testing.T) {
	events, _ := TelnyxDecoder{}.Decode(telnyxEvent("call.initiated", "", `{"call_session_id":"sess-4"}`))
	if len(events) != 1 || events[0].Key() != reconcile.MustReconcile("telnyx", "sess-4") {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestTelnyx_RecordingArchived(t *testing.T) {
	a, store, _ := newApplier(fakeArchiver{})
	body := telnyxEvent("call.recording.saved", "", `{"call_session_id":"sess-2","recording_urls":{"mp3":"https://telnyx.example/r.mp3"}}`)

	if _, err := a.Handle(context.Background(), TelnyxDecoder{}, body); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	key := reconcile.MustReconcile("telnyx", "sess-2")
	rec, _ := store.GetCallRecord(context.Background(), key)
	if rec.RecordingURL != "/recordings/"+key+".mp3" {
		t.Fatalf("unexpected recording url %q", rec.RecordingURL)
	}
}

func TestTelnyx_RecordingArchiveFailureKeepsProviderURL(t *testing.T) {
	a, store, _ := newApplier(fakeArchiver{err: errors.New("disk full")})
	body := telnyxEvent("call.recording.saved", "", `{"call_session_id":"sess-3","public_recording_urls":{"mp3":"https://telnyx.example/p.mp3"}}`)

	if _, err := a.Handle(context.Background(), TelnyxDecoder{}, body); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec, _ := store.GetCallRecord(context.Background(), reconcile.MustReconcile("telnyx", "sess-3"))
	if rec.RecordingURL != "https://telnyx.example/p.mp3" {
		t.Fatalf("unexpected recording url %q", rec.RecordingURL)
	}
}

func TestApply_RelayErrorPropagates(t *testing.T) {
	a, _, relay := newApplier(fakeArchiver{})
	relay.err = fmt.Errorf("%w: find: timeout", session.ErrUnavailable)

	_, err := a.Handle(context.Background(), VapiDecoder{}, []byte(vapiReportWithMessages))
	if !errors.Is(err, session.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestDecodeVapiToolCalls(t *testing.T) {
	body := `{"message":{"type":"tool-calls","call":{"id":"primary-1","monitor":{"controlUrl":"https://ctl.example/1"},"customer":{"number":"+15550001111"}},
		"toolCallList":[
			{"id":"tc1","function":{"name":"ask_human","arguments":{"item_requested":"red boots","caller_context":"size 9"}}},
			{"id":"tc2","function":{"name":"check_with_owner","arguments":"{\"item_requested\":\"socks\"}"}}
		]}}`

	batch, err := DecodeVapiToolCalls([]byte(body))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if batch.ControlURL != "https://ctl.example/1" || batch.ConversationKey != reconcile.MustReconcile("vapi", "primary-1") {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if len(batch.Calls) != 2 {
		t.Fatalf("expected two calls, got %d", len(batch.Calls))
	}
	if batch.Calls[0].String("item_requested") != "red boots" || batch.Calls[0].String("caller_context") != "size 9" {
		t.Fatalf("unexpected args: %+v", batch.Calls[0])
	}
	if batch.Calls[1].String("item_requested") != "socks" {
		t.Fatalf("string-encoded arguments not parsed: %+v", batch.Calls[1])
	}

	if VapiMessageType([]byte(body)) != VapiToolCalls {
		t.Fatalf("peek failed")
	}
	if _, err := DecodeVapiToolCalls([]byte(vapiReportWithMessages)); !errors.Is(err, ErrNotToolCalls) {
		t.Fatalf("expected ErrNotToolCalls, got %v", err)
	}
}

func TestMessageSpan(t *testing.T) {
	base := float64(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli())
	if d := messageSpan([]vapiArtifactMessage{{Time: base}}); d != nil {
		t.Fatalf("single message has no span")
	}
	d := messageSpan([]vapiArtifactMessage{{Time: base + 1500}, {Time: 0}, {Time: base}})
	if d == nil || *d != 1500*time.Millisecond {
		t.Fatalf("unexpected span %v", d)
	}
}
