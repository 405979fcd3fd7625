package normalize

import (
	"bytes"
	"errors"

	"github.com/troikatech/call-escalation/internal/reconcile"
)

var ErrNotToolCalls = errors.New("normalize: not a tool-calls message")

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolCallBatch is a synchronous function-call request from a live call.
type ToolCallBatch struct {
	CallID          string
	ConversationKey string
	ControlURL      string
	CustomerNumber  string
	Calls           []ToolCall
}

// String returns a string argument, or "" when absent or not a string.
func (t ToolCall) String(name string) string {
	v, _ := t.Arguments[name].(string)
	return v
}

func DecodeVapiToolCalls(body []byte) (*ToolCallBatch, error) {
	msg, reason := decodeVapi(body)
	if msg == nil {
		return nil, errors.New("normalize: " + reason)
	}
	if msg.Type != VapiToolCalls {
		return nil, ErrNotToolCalls
	}

	batch := &ToolCallBatch{
		CallID:         msg.Call.ID,
		ControlURL:     msg.Call.Monitor.ControlURL,
		CustomerNumber: vapiNumber(msg),
	}
	if key, err := reconcile.Reconcile(ProviderVapi, msg.Call.ID); err == nil {
		batch.ConversationKey = key
	}
	for _, tc := range msg.ToolCallList {
		batch.Calls = append(batch.Calls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return batch, nil
}

// parseArguments accepts arguments sent as an object or as a JSON-encoded string.
func parseArguments(raw []byte) map[string]interface{} {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		raw = []byte(s)
	}
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}
