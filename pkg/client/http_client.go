package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/troikatech/call-escalation/pkg/circuitbreaker"
	"github.com/troikatech/call-escalation/pkg/metrics"
	"github.com/troikatech/call-escalation/pkg/retry"
)

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPClient is a JSON client for one upstream provider. Requests are
// throttled, pass through a circuit breaker and are retried only when the
// provider cannot have acted on them (dial failures, 429, 503).
type HTTPClient struct {
	client         *http.Client
	limiter        *rate.Limiter
	circuitBreaker *circuitbreaker.CircuitBreaker
	retry          retry.Config
	serviceName    string
}

func NewHTTPClient(serviceName string, timeout time.Duration, rps int) *HTTPClient {
	if rps <= 0 {
		rps = 5
	}
	return &HTTPClient{
		client:         &http.Client{Timeout: timeout},
		limiter:        rate.NewLimiter(rate.Limit(rps), rps),
		circuitBreaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retry:          retry.DefaultConfig(),
		serviceName:    serviceName,
	}
}

// DoJSON sends body (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil). operation labels the metrics series.
func (c *HTTPClient) DoJSON(ctx context.Context, operation, method, url string, headers map[string]string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	start := time.Now()
	err := c.circuitBreaker.Execute(func() error {
		return retry.Do(ctx, c.retry, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			return c.once(ctx, method, url, headers, payload, out)
		})
	})

	service := c.serviceName + "." + operation
	metrics.RecordServiceCall(service, err == nil, time.Since(start))
	metrics.UpdateCircuitBreaker(c.serviceName, c.circuitBreaker.State().String(), int64(c.circuitBreaker.Failures()))
	return err
}

func (c *HTTPClient) once(ctx context.Context, method, url string, headers map[string]string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("failed to reach provider: %w", err)
		}
		return retry.Permanent(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			return statusErr
		}
		return retry.Permanent(statusErr)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}
