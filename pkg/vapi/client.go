package vapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/troikatech/call-escalation/pkg/client"
)

// ErrNotConfigured is returned when the API key or phone number id is missing.
var ErrNotConfigured = errors.New("vapi client is not configured")

type Config struct {
	APIKey        string
	BaseURL       string
	PhoneNumberID string
	Voice         string
	RPS           int
}

type Client struct {
	cfg  Config
	http *client.HTTPClient
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vapi.ai"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: client.NewHTTPClient("vapi", 15*time.Second, cfg.RPS),
	}
}

func (c *Client) configured() bool {
	return c.cfg.APIKey != "" && c.cfg.PhoneNumberID != ""
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

// OutboundCall describes a call driven by a transient assistant.
type OutboundCall struct {
	CustomerNumber string
	FirstMessage   string
	SystemPrompt   string
	Metadata       map[string]string
	MaxDuration    time.Duration
}

type Call struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Type        string            `json:"type"`
	StartedAt   string            `json:"startedAt,omitempty"`
	EndedAt     string            `json:"endedAt,omitempty"`
	EndedReason string            `json:"endedReason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Monitor     struct {
		ControlURL string `json:"controlUrl"`
		ListenURL  string `json:"listenUrl"`
	} `json:"monitor"`
}

type createCallRequest struct {
	PhoneNumberID string            `json:"phoneNumberId"`
	Customer      customer          `json:"customer"`
	Assistant     assistant         `json:"assistant"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type customer struct {
	Number string `json:"number"`
}

type assistant struct {
	FirstMessage           string            `json:"firstMessage"`
	Model                  model             `json:"model"`
	Voice                  voice             `json:"voice"`
	MaxDurationSeconds     int               `json:"maxDurationSeconds,omitempty"`
	EndCallPhrases         []string          `json:"endCallPhrases,omitempty"`
	AnalysisPlan           *analysisPlan     `json:"analysisPlan,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	FirstMessageMode       string            `json:"firstMessageMode,omitempty"`
	EndCallFunctionEnabled bool              `json:"endCallFunctionEnabled"`
}

type model struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type voice struct {
	Provider string `json:"provider"`
	VoiceID  string `json:"voiceId"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// analysisPlan asks the provider to extract the human's answer into the
// end-of-call report's structuredData.answer.
type analysisPlan struct {
	StructuredDataPlan struct {
		Enabled bool                   `json:"enabled"`
		Schema  map[string]interface{} `json:"schema"`
	} `json:"structuredDataPlan"`
}

func answerPlan() *analysisPlan {
	plan := &analysisPlan{}
	plan.StructuredDataPlan.Enabled = true
	plan.StructuredDataPlan.Schema = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"answer": map[string]interface{}{
				"type":        "string",
				"description": "The human's answer to the question, in one or two sentences.",
			},
		},
	}
	return plan
}

// CreateCall places an outbound call with a transient assistant.
func (c *Client) CreateCall(ctx context.Context, call OutboundCall) (*Call, error) {
	if !c.configured() {
		return nil, ErrNotConfigured
	}
	if call.CustomerNumber == "" {
		return nil, fmt.Errorf("customer number is required")
	}

	maxSecs := int(call.MaxDuration / time.Second)
	if maxSecs <= 0 {
		maxSecs = 120
	}

	req := createCallRequest{
		PhoneNumberID: c.cfg.PhoneNumberID,
		Customer:      customer{Number: call.CustomerNumber},
		Assistant: assistant{
			FirstMessage:     call.FirstMessage,
			FirstMessageMode: "assistant-speaks-first",
			Model: model{
				Provider: "openai",
				Model:    "gpt-4o-mini",
				Messages: []message{{Role: "system", Content: call.SystemPrompt}},
			},
			Voice:                  voice{Provider: "vapi", VoiceID: c.cfg.Voice},
			MaxDurationSeconds:     maxSecs,
			EndCallFunctionEnabled: true,
			AnalysisPlan:           answerPlan(),
			Metadata:               call.Metadata,
		},
		Metadata: call.Metadata,
	}

	var out Call
	if err := c.http.DoJSON(ctx, "create_call", http.MethodPost, c.cfg.BaseURL+"/call", c.authHeaders(), req, &out); err != nil {
		return nil, fmt.Errorf("vapi create call: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("vapi create call: response carried no call id")
	}
	return &out, nil
}

// GetCall fetches a call by id.
func (c *Client) GetCall(ctx context.Context, id string) (*Call, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	var out Call
	endpoint := c.cfg.BaseURL + "/call/" + url.PathEscape(id)
	if err := c.http.DoJSON(ctx, "get_call", http.MethodGet, endpoint, c.authHeaders(), nil, &out); err != nil {
		return nil, fmt.Errorf("vapi get call: %w", err)
	}
	return &out, nil
}

type controlCommand struct {
	Type                   string  `json:"type"`
	Message                message `json:"message"`
	TriggerResponseEnabled bool    `json:"triggerResponseEnabled"`
}

// SendControl injects a system message into a live call through its control
// URL and asks the assistant to respond to it.
func (c *Client) SendControl(ctx context.Context, controlURL, content string) error {
	if controlURL == "" {
		return fmt.Errorf("control url is required")
	}
	u, err := url.Parse(controlURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("invalid control url")
	}

	cmd := controlCommand{
		Type:                   "add-message",
		Message:                message{Role: "system", Content: content},
		TriggerResponseEnabled: true,
	}
	if err := c.http.DoJSON(ctx, "control", http.MethodPost, controlURL, nil, cmd, nil); err != nil {
		return fmt.Errorf("vapi control: %w", err)
	}
	return nil
}
