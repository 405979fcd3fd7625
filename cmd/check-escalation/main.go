package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/troikatech/call-escalation/internal/reconcile"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/client"
)

type escalationList struct {
	Data  []session.EscalationRequest `json:"data"`
	Count int                         `json:"count"`
}

func main() {
	if len(os.Args) < 3 {
		log.Fatalf("Usage: go run cmd/check-escalation/main.go <provider> <provider_call_id>")
	}
	provider, callID := os.Args[1], os.Args[2]

	key, err := reconcile.Reconcile(provider, callID)
	if err != nil {
		log.Fatalf("Invalid call id: %v", err)
	}

	baseURL := "http://localhost:8080"
	if u := os.Getenv("API_URL"); u != "" {
		baseURL = u
	}

	fmt.Println("========================================")
	fmt.Printf("Checking call %s:%s\n", provider, callID)
	fmt.Printf("Conversation key: %s\n", key)
	fmt.Println("========================================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	api := client.NewHTTPClient("check-escalation", 10*time.Second, 2)

	fmt.Println("Step 1: Call record...")
	var rec session.CallRecord
	if err := api.DoJSON(ctx, "get_call", http.MethodGet, baseURL+"/api/calls/"+key, nil, nil, &rec); err != nil {
		report(err)
	} else {
		fmt.Printf("  status:      %s\n", rec.Status)
		fmt.Printf("  direction:   %s\n", rec.Direction)
		fmt.Printf("  topic:       %s\n", rec.Topic)
		if rec.DurationSeconds != nil {
			fmt.Printf("  duration:    %ds (%d min)\n", *rec.DurationSeconds, *rec.DurationMinutes)
		}
		fmt.Printf("  needs review: %v\n", rec.NeedsReview)
		if rec.RecordingURL != "" {
			fmt.Printf("  recording:   %s\n", rec.RecordingURL)
		}
	}
	fmt.Println()

	fmt.Println("Step 2: Escalations raised from this call...")
	var list escalationList
	q := url.Values{"parent_key": {key}}
	if err := api.DoJSON(ctx, "list_escalations", http.MethodGet, baseURL+"/api/escalations?"+q.Encode(), nil, nil, &list); err != nil {
		report(err)
	} else if list.Count == 0 {
		fmt.Println("  none")
	} else {
		for _, e := range list.Data {
			fmt.Printf("  %s  %-9s  %q", e.ID, e.Status, e.ItemRequested)
			if e.Answer != "" {
				fmt.Printf("  answer=%q", e.Answer)
			}
			if e.FailureReason != "" {
				fmt.Printf("  reason=%s", e.FailureReason)
			}
			fmt.Println()
		}
	}

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("✅ Complete!")
	fmt.Println("========================================")
}

func report(err error) {
	var se *client.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		fmt.Println("  not found")
		return
	}
	fmt.Printf("  ❌ %v\n", err)
}
