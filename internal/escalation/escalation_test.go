package escalation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/reconcile"
	"github.com/troikatech/call-escalation/internal/session"
)

type fakeDialer struct {
	mu     sync.Mutex
	calls  []SecondaryCall
	err    error
	noCall bool
}

func (d *fakeDialer) PlaceCall(_ context.Context, call SecondaryCall) (*PlacedCall, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if d.err != nil || d.noCall {
		return nil, d.err
	}
	return &PlacedCall{Provider: "vapi", ExternalCallID: "secondary-1"}, nil
}

type sentMessage struct {
	ref string
	msg string
}

type fakeController struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (c *fakeController) Send(_ context.Context, ref, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{ref: ref, msg: msg})
	return c.err
}

func (c *fakeController) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type directory struct{ number string }

func (d directory) HumanContactNumber(context.Context) string { return d.number }
func (d directory) BusinessName(context.Context) string       { return "Corner Shoes" }

type fixture struct {
	store      *session.MemoryStore
	dialer     *fakeDialer
	controller *fakeController
	orch       *Orchestrator
	relay      *Relay
	sweeper    *Sweeper
	now        time.Time
}

func newFixture(human string) *fixture {
	f := &fixture{
		store:      session.NewMemoryStore(),
		dialer:     &fakeDialer{},
		controller: &fakeController{},
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)

	log := zap.NewNop()
	f.orch = NewOrchestrator(f.store, f.dialer, directory{number: human}, nil, log)
	f.orch.now = clock
	f.relay = NewRelay(f.store, f.controller, nil, log)
	f.relay.now = clock
	f.sweeper = NewSweeper(f.store, f.controller, nil, 90*time.Second, time.Second, log)
	return f
}

func trigger(item, controlRef string) TriggerRequest {
	return TriggerRequest{
		ItemRequested: item,
		PrimaryCall: PrimaryCall{
			Provider:         "vapi",
			ExternalCallID:   "primary-1",
			ControlReference: controlRef,
		},
	}
}

func secondaryKey() string {
	return reconcile.MustReconcile("vapi", "secondary-1")
}

func TestEscalation_AnswerRelayedOnce(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()

	res := f.orch.Trigger(ctx, trigger("blue size 10 sneakers", "https://control.example/call/1"))
	if res.Status != session.EscalationPending {
		t.Fatalf("expected pending, got %+v", res)
	}
	if !strings.Contains(res.Message, "blue size 10 sneakers") || !strings.Contains(res.Message, "hold") {
		t.Fatalf("unexpected hold message: %q", res.Message)
	}
	if len(f.dialer.calls) != 1 || f.dialer.calls[0].HumanNumber != "+15551234567" {
		t.Fatalf("unexpected dial: %+v", f.dialer.calls)
	}

	rec, _ := f.store.GetCallRecord(ctx, secondaryKey())
	if rec == nil || rec.Topic != "Escalation: blue size 10 sneakers" || rec.Direction != session.DirectionOutgoing {
		t.Fatalf("unexpected secondary call record: %+v", rec)
	}

	_, err := f.store.AppendOrCreateTranscript(ctx, secondaryKey(), session.Fragment{
		Text: "AI: Do you have blue size 10 sneakers?\nHuman: yes we have two pairs",
		At:   f.now,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	f.now = f.now.Add(30 * time.Second)
	out, err := f.relay.Complete(ctx, CompletionInput{CallKey: secondaryKey()})
	if err != nil || out != OutcomeResolved {
		t.Fatalf("expected resolved, got %s %v", out, err)
	}
	if f.controller.count() != 1 {
		t.Fatalf("expected one control message, got %d", f.controller.count())
	}
	sent := f.controller.sent[0]
	if sent.ref != "https://control.example/call/1" || !strings.Contains(sent.msg, "yes we have two pairs") {
		t.Fatalf("unexpected control message: %+v", sent)
	}

	esc, _ := f.store.GetEscalation(ctx, res.EscalationID)
	if esc.Status != session.EscalationResolved || esc.Answer != "yes we have two pairs" || esc.CompletedAt == nil {
		t.Fatalf("unexpected escalation: %+v", esc)
	}

	// redelivered end-of-call report
	out, err = f.relay.Complete(ctx, CompletionInput{CallKey: secondaryKey()})
	if err != nil || out != OutcomeNoop {
		t.Fatalf("expected noop on redelivery, got %s %v", out, err)
	}
	if f.controller.count() != 1 {
		t.Fatalf("answer relayed twice")
	}
}

func TestEscalation_ConcurrentCompletionRelaysOnce(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()
	f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.relay.Complete(ctx, CompletionInput{CallKey: secondaryKey(), Answer: "in stock"})
		}()
	}
	wg.Wait()

	if f.controller.count() != 1 {
		t.Fatalf("expected exactly one control message, got %d", f.controller.count())
	}
}

func TestTrigger_NoHumanContact(t *testing.T) {
	f := newFixture("")
	res := f.orch.Trigger(context.Background(), trigger("socks", "https://control.example/call/1"))
	if res.Message != MsgNoHuman {
		t.Fatalf("unexpected message: %q", res.Message)
	}
	if len(f.dialer.calls) != 0 || f.store.CountEscalations() != 0 {
		t.Fatalf("expected no side effects")
	}
}

func TestTrigger_EmptyItem(t *testing.T) {
	f := newFixture("+15551234567")
	res := f.orch.Trigger(context.Background(), trigger("   ", "https://control.example/call/1"))
	if res.Message != MsgNeedItem {
		t.Fatalf("unexpected message: %q", res.Message)
	}
	if f.store.CountEscalations() != 0 {
		t.Fatalf("expected no rows")
	}
}

func TestTrigger_TruncatesLongItem(t *testing.T) {
	f := newFixture("+15551234567")
	res := f.orch.Trigger(context.Background(), trigger(strings.Repeat("a", 400), "https://control.example/call/1"))
	esc, _ := f.store.GetEscalation(context.Background(), res.EscalationID)
	if esc == nil || len(esc.ItemRequested) != maxItemLength {
		t.Fatalf("expected item truncated to %d chars, got %+v", maxItemLength, esc)
	}
}

func TestTrigger_PlacementFailure(t *testing.T) {
	f := newFixture("+15551234567")
	f.dialer.err = errors.New("upstream 500")
	ctx := context.Background()

	res := f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))
	if res.Message != MsgApology || res.Status != session.EscalationFailed {
		t.Fatalf("unexpected result: %+v", res)
	}

	esc, err := f.store.FindEscalationByParentKey(ctx, reconcile.MustReconcile("vapi", "primary-1"))
	if err != nil || esc == nil {
		t.Fatalf("expected failed row, got %v %v", esc, err)
	}
	if esc.Status != session.EscalationFailed || esc.FailureReason != session.ReasonPlacementFailed || esc.SecondaryCallKey != "" {
		t.Fatalf("unexpected row: %+v", esc)
	}
}

func TestTrigger_MissingControlReference(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()

	res := f.orch.Trigger(ctx, trigger("socks", ""))
	if !strings.Contains(res.Message, "follow up") || res.Status != session.EscalationPending {
		t.Fatalf("expected degraded message, got %+v", res)
	}

	out, err := f.relay.Complete(ctx, CompletionInput{CallKey: secondaryKey(), Answer: "sold out"})
	if err != nil || out != OutcomeFailed {
		t.Fatalf("expected failed, got %s %v", out, err)
	}
	if f.controller.count() != 0 {
		t.Fatalf("no command can be sent without a control reference")
	}
	esc, _ := f.store.GetEscalation(ctx, res.EscalationID)
	if esc.FailureReason != session.ReasonNoControlReference || esc.Answer != "sold out" {
		t.Fatalf("unexpected row: %+v", esc)
	}
}

func TestTrigger_RedeliveredRequestDialsOnce(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()
	req := trigger("socks", "https://control.example/call/1")
	req.RequestID = "tc-1"

	first := f.orch.Trigger(ctx, req)
	second := f.orch.Trigger(ctx, req)

	if len(f.dialer.calls) != 1 {
		t.Fatalf("expected one dial, got %d", len(f.dialer.calls))
	}
	if first.EscalationID == "" || first != second {
		t.Fatalf("redelivery should repeat the first result: %+v vs %+v", first, second)
	}
	if f.store.CountEscalations() != 1 {
		t.Fatalf("expected one row, got %d", f.store.CountEscalations())
	}
	if first.EscalationID != session.RequestID(reconcile.MustReconcile("vapi", "primary-1"), "tc-1") {
		t.Fatalf("unexpected escalation id %s", first.EscalationID)
	}
}

func TestTrigger_RedeliveredAfterPlacementFailure(t *testing.T) {
	f := newFixture("+15551234567")
	f.dialer.err = errors.New("provider 503")
	ctx := context.Background()
	req := trigger("socks", "https://control.example/call/1")
	req.RequestID = "tc-9"

	f.orch.Trigger(ctx, req)
	res := f.orch.Trigger(ctx, req)
	if res.Message != MsgApology || res.Status != session.EscalationFailed {
		t.Fatalf("unexpected replay: %+v", res)
	}
	if len(f.dialer.calls) != 1 {
		t.Fatalf("failed placement must not be retried by a redelivery, got %d dials", len(f.dialer.calls))
	}
}

func TestTrigger_DialerReturnsNoCall(t *testing.T) {
	f := newFixture("+15551234567")
	f.dialer.noCall = true
	ctx := context.Background()

	res := f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))
	if res.Message != MsgApology || res.Status != session.EscalationFailed {
		t.Fatalf("expected placement failure, got %+v", res)
	}
	esc, _ := f.store.GetEscalation(ctx, res.EscalationID)
	if esc == nil || esc.FailureReason != session.ReasonPlacementFailed {
		t.Fatalf("unexpected row: %+v", esc)
	}
}

func TestTrigger_SecondaryCallAlreadyClaimed(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()
	err := f.store.UpsertEscalationRequest(ctx, session.EscalationRequest{
		ID:               session.NewID(),
		ParentCallKey:    "other-parent",
		SecondaryCallKey: secondaryKey(),
		ItemRequested:    "hats",
		Status:           session.EscalationPending,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	res := f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))
	if res.Message != MsgApology || res.EscalationID != "" {
		t.Fatalf("expected apology without an id, got %+v", res)
	}
	if f.store.CountEscalations() != 1 {
		t.Fatalf("expected only the seeded row, got %d", f.store.CountEscalations())
	}
}

func TestRelay_UnrelatedCallIsNoop(t *testing.T) {
	f := newFixture("+15551234567")
	out, err := f.relay.Complete(context.Background(), CompletionInput{CallKey: reconcile.MustReconcile("vapi", "someone-else")})
	if err != nil || out != OutcomeNoop {
		t.Fatalf("expected noop, got %s %v", out, err)
	}
}

func TestRelay_NoAnswerSendsFallback(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()
	res := f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))

	out, err := f.relay.Complete(ctx, CompletionInput{CallKey: secondaryKey()})
	if err != nil || out != OutcomeFailed {
		t.Fatalf("expected failed, got %s %v", out, err)
	}
	if f.controller.count() != 1 || !strings.Contains(f.controller.sent[0].msg, "could not confirm") {
		t.Fatalf("expected fallback message, got %+v", f.controller.sent)
	}
	esc, _ := f.store.GetEscalation(ctx, res.EscalationID)
	if esc.FailureReason != session.ReasonNoAnswer {
		t.Fatalf("unexpected reason %q", esc.FailureReason)
	}
}

func TestRelay_SendFailureRecorded(t *testing.T) {
	f := newFixture("+15551234567")
	f.controller.err = errors.New("410 gone")
	ctx := context.Background()
	res := f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))

	out, err := f.relay.Complete(ctx, CompletionInput{CallKey: secondaryKey(), Answer: "yes"})
	if err != nil || out != OutcomeFailed {
		t.Fatalf("expected failed, got %s %v", out, err)
	}
	esc, _ := f.store.GetEscalation(ctx, res.EscalationID)
	if esc.FailureReason != session.ReasonRelayFailedPrefix+"410 gone" {
		t.Fatalf("unexpected reason %q", esc.FailureReason)
	}
}

func TestSweeper_TimesOutUnanswered(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()
	res := f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))

	stats, err := f.sweeper.SweepOnce(ctx, f.now.Add(60*time.Second))
	if err != nil || stats.TimedOut != 0 {
		t.Fatalf("swept too early: %+v %v", stats, err)
	}

	f.now = f.now.Add(91 * time.Second)
	stats, err = f.sweeper.SweepOnce(ctx, f.now)
	if err != nil || stats.TimedOut != 1 {
		t.Fatalf("expected one timeout, got %+v %v", stats, err)
	}
	if f.controller.count() != 1 || !strings.Contains(f.controller.sent[0].msg, "follow up") {
		t.Fatalf("expected timeout message, got %+v", f.controller.sent)
	}

	esc, _ := f.store.GetEscalation(ctx, res.EscalationID)
	if esc.Status != session.EscalationTimedOut {
		t.Fatalf("expected timed_out, got %s", esc.Status)
	}

	// the human's call ends late
	out, _ := f.relay.Complete(ctx, CompletionInput{CallKey: secondaryKey(), Answer: "yes"})
	if out != OutcomeNoop || f.controller.count() != 1 {
		t.Fatalf("late completion must not relay, got %s", out)
	}
}

func TestSweeper_InterruptedRelay(t *testing.T) {
	f := newFixture("+15551234567")
	ctx := context.Background()
	res := f.orch.Trigger(ctx, trigger("socks", "https://control.example/call/1"))

	// a relay that claimed and then died
	if ok, _ := f.store.ClaimEscalationRelay(ctx, res.EscalationID, f.now.Add(10*time.Second)); !ok {
		t.Fatalf("claim failed")
	}

	stats, _ := f.sweeper.SweepOnce(ctx, f.now.Add(100*time.Second))
	if stats.Interrupted != 0 || stats.TimedOut != 0 {
		t.Fatalf("claimed request closed too early: %+v", stats)
	}

	stats, err := f.sweeper.SweepOnce(ctx, f.now.Add(181*time.Second))
	if err != nil || stats.Interrupted != 1 {
		t.Fatalf("expected one interrupted, got %+v %v", stats, err)
	}
	esc, _ := f.store.GetEscalation(ctx, res.EscalationID)
	if esc.Status != session.EscalationFailed || esc.FailureReason != session.ReasonRelayInterrupted {
		t.Fatalf("unexpected row: %+v", esc)
	}
	if f.controller.count() != 1 || !strings.Contains(f.controller.sent[0].msg, "follow up") {
		t.Fatalf("expected one follow-up message, got %+v", f.controller.sent)
	}
}

func TestExtractAnswer(t *testing.T) {
	tests := []struct {
		name       string
		structured string
		transcript string
		summary    string
		want       string
	}{
		{"structured wins", "two pairs left", "User: maybe", "summary", "two pairs left"},
		{"human lines", "", "AI: Do you have it?\nUser: yes\nAI: great\nOwner: back room", "summary", "yes back room"},
		{"labels are case insensitive", "", "CUSTOMER: we do", "", "we do"},
		{"summary fallback", "", "AI: hello?", "Staff confirmed stock.", "Staff confirmed stock."},
		{"nothing", "", "", "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractAnswer(tt.structured, tt.transcript, tt.summary); got != tt.want {
				t.Errorf("ExtractAnswer() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocalNotifier(t *testing.T) {
	n := NewLocalNotifier()
	ch, cancel := n.Subscribe(context.Background())

	n.Publish(context.Background(), Event{Type: "created", EscalationID: "e1"})
	select {
	case ev := <-ch:
		if ev.EscalationID != "e1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}

	cancel()
	cancel()
	n.Publish(context.Background(), Event{Type: "created"})
}
