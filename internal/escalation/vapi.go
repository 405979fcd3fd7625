package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/troikatech/call-escalation/pkg/utils"
	"github.com/troikatech/call-escalation/pkg/vapi"
)

const secondaryCallMaxDuration = 3 * time.Minute

// VapiDialer places the escalation call through the voice-assistant provider.
type VapiDialer struct {
	client *vapi.Client
}

func NewVapiDialer(client *vapi.Client) *VapiDialer {
	return &VapiDialer{client: client}
}

func (d *VapiDialer) PlaceCall(ctx context.Context, call SecondaryCall) (*PlacedCall, error) {
	created, err := d.client.CreateCall(ctx, vapi.OutboundCall{
		CustomerNumber: call.HumanNumber,
		FirstMessage:   fmt.Sprintf("Hi, this is the assistant for %s. A caller is asking about %s. Can you check for me?", call.BusinessName, call.ItemRequested),
		SystemPrompt:   secondaryPrompt(call),
		Metadata: map[string]string{
			"escalation_id":   call.EscalationID,
			"parent_call_key": call.ParentCallKey,
		},
		MaxDuration: secondaryCallMaxDuration,
	})
	if err != nil {
		return nil, err
	}
	return &PlacedCall{Provider: "vapi", ExternalCallID: created.ID}, nil
}

func secondaryPrompt(call SecondaryCall) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are calling a staff member of %s on behalf of a customer who is on hold.\n", call.BusinessName)
	fmt.Fprintf(&b, "The customer asked about: %s.\n", call.ItemRequested)
	if call.CallerContext != "" {
		fmt.Fprintf(&b, "Additional context from the customer: %s.\n", call.CallerContext)
	}
	b.WriteString("Ask the question once, listen to the answer, confirm it briefly, thank them and end the call. Keep it under a minute.")
	return b.String()
}

// VapiController injects messages through a live call's control URL.
type VapiController struct {
	client *vapi.Client
}

func NewVapiController(client *vapi.Client) *VapiController {
	return &VapiController{client: client}
}

func (c *VapiController) Send(ctx context.Context, controlReference, message string) error {
	return c.client.SendControl(ctx, controlReference, message)
}

// StaticDirectory serves the single configured human contact.
type StaticDirectory struct {
	number   string
	business string
}

func NewStaticDirectory(number, business, defaultCountry string) *StaticDirectory {
	return &StaticDirectory{
		number:   utils.NormalizePhone(number, defaultCountry),
		business: business,
	}
}

func (d *StaticDirectory) HumanContactNumber(context.Context) string { return d.number }

func (d *StaticDirectory) BusinessName(context.Context) string { return d.business }
