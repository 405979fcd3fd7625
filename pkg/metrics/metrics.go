package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const latencyWindow = 100

// Metrics holds in-process counters. They reset on restart; /metrics/prometheus
// exposes them for scraping.
type Metrics struct {
	mu sync.RWMutex

	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64

	EndpointRequests map[string]int64
	EndpointErrors   map[string]int64
	EndpointLatency  map[string][]time.Duration

	// Outbound provider calls keyed by "<provider>.<operation>"
	ServiceCalls   map[string]int64
	ServiceErrors  map[string]int64
	ServiceLatency map[string][]time.Duration

	CircuitBreakerState    map[string]string
	CircuitBreakerFailures map[string]int64

	// Webhook outcomes keyed by "<provider>|<outcome>" (applied, dropped, error)
	Webhooks map[string]int64

	// Escalation lifecycle counters keyed by status or event name
	Escalations map[string]int64

	StartTime time.Time
}

var globalMetrics = newMetrics()

func newMetrics() *Metrics {
	return &Metrics{
		EndpointRequests:       make(map[string]int64),
		EndpointErrors:         make(map[string]int64),
		EndpointLatency:        make(map[string][]time.Duration),
		ServiceCalls:           make(map[string]int64),
		ServiceErrors:          make(map[string]int64),
		ServiceLatency:         make(map[string][]time.Duration),
		CircuitBreakerState:    make(map[string]string),
		CircuitBreakerFailures: make(map[string]int64),
		Webhooks:               make(map[string]int64),
		Escalations:            make(map[string]int64),
		StartTime:              time.Now(),
	}
}

// Reset clears all counters. Tests only.
func Reset() {
	fresh := newMetrics()
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.TotalRequests = 0
	globalMetrics.SuccessfulRequests = 0
	globalMetrics.FailedRequests = 0
	globalMetrics.EndpointRequests = fresh.EndpointRequests
	globalMetrics.EndpointErrors = fresh.EndpointErrors
	globalMetrics.EndpointLatency = fresh.EndpointLatency
	globalMetrics.ServiceCalls = fresh.ServiceCalls
	globalMetrics.ServiceErrors = fresh.ServiceErrors
	globalMetrics.ServiceLatency = fresh.ServiceLatency
	globalMetrics.CircuitBreakerState = fresh.CircuitBreakerState
	globalMetrics.CircuitBreakerFailures = fresh.CircuitBreakerFailures
	globalMetrics.Webhooks = fresh.Webhooks
	globalMetrics.Escalations = fresh.Escalations
	globalMetrics.StartTime = fresh.StartTime
}

func RecordRequest(endpoint string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.TotalRequests++
	if success {
		globalMetrics.SuccessfulRequests++
	} else {
		globalMetrics.FailedRequests++
		globalMetrics.EndpointErrors[endpoint]++
	}
	globalMetrics.EndpointRequests[endpoint]++
	globalMetrics.EndpointLatency[endpoint] = appendWindow(globalMetrics.EndpointLatency[endpoint], latency)
}

func RecordServiceCall(service string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.ServiceCalls[service]++
	if !success {
		globalMetrics.ServiceErrors[service]++
	}
	globalMetrics.ServiceLatency[service] = appendWindow(globalMetrics.ServiceLatency[service], latency)
}

func UpdateCircuitBreaker(service, state string, failures int64) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.CircuitBreakerState[service] = state
	globalMetrics.CircuitBreakerFailures[service] = failures
}

func RecordWebhook(provider, outcome string) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.Webhooks[provider+"|"+outcome]++
}

// RecordEscalation counts an escalation event such as "created", "resolved"
// or "timed_out".
func RecordEscalation(event string) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.Escalations[event]++
}

// EscalationCount returns the current counter for event.
func EscalationCount(event string) int64 {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()
	return globalMetrics.Escalations[event]
}

func appendWindow(window []time.Duration, d time.Duration) []time.Duration {
	if len(window) >= latencyWindow {
		window = window[1:]
	}
	return append(window, d)
}

func average(latencies map[string][]time.Duration) map[string]float64 {
	out := make(map[string]float64, len(latencies))
	for name, window := range latencies {
		if len(window) == 0 {
			continue
		}
		var sum time.Duration
		for _, l := range window {
			sum += l
		}
		out[name] = sum.Seconds() / float64(len(window))
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// GetMetrics returns a snapshot safe to serialize.
func GetMetrics() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	states := make(map[string]string, len(globalMetrics.CircuitBreakerState))
	for k, v := range globalMetrics.CircuitBreakerState {
		states[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(globalMetrics.StartTime).Seconds(),
		"requests": map[string]interface{}{
			"total":      globalMetrics.TotalRequests,
			"successful": globalMetrics.SuccessfulRequests,
			"failed":     globalMetrics.FailedRequests,
		},
		"endpoints": map[string]interface{}{
			"requests":            copyCounts(globalMetrics.EndpointRequests),
			"errors":              copyCounts(globalMetrics.EndpointErrors),
			"latency_avg_seconds": average(globalMetrics.EndpointLatency),
		},
		"services": map[string]interface{}{
			"calls":               copyCounts(globalMetrics.ServiceCalls),
			"errors":              copyCounts(globalMetrics.ServiceErrors),
			"latency_avg_seconds": average(globalMetrics.ServiceLatency),
		},
		"circuit_breakers": map[string]interface{}{
			"state":    states,
			"failures": copyCounts(globalMetrics.CircuitBreakerFailures),
		},
		"webhooks":    copyCounts(globalMetrics.Webhooks),
		"escalations": copyCounts(globalMetrics.Escalations),
	}
}

// GetPrometheusMetrics renders the counters in the Prometheus text format.
func GetPrometheusMetrics() string {
	m := GetMetrics()
	var b strings.Builder

	b.WriteString("# HELP api_uptime_seconds API uptime in seconds\n")
	b.WriteString("# TYPE api_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "api_uptime_seconds %.2f\n", m["uptime_seconds"].(float64))

	reqs := m["requests"].(map[string]interface{})
	b.WriteString("# HELP api_requests_total Total number of requests\n")
	b.WriteString("# TYPE api_requests_total counter\n")
	for _, status := range []string{"total", "successful", "failed"} {
		fmt.Fprintf(&b, "api_requests_total{status=%q} %d\n", status, reqs[status].(int64))
	}

	endpoints := m["endpoints"].(map[string]interface{})
	writeCounter(&b, "api_endpoint_requests_total", "Total requests per endpoint", "endpoint", endpoints["requests"].(map[string]int64))
	writeCounter(&b, "api_endpoint_errors_total", "Total errors per endpoint", "endpoint", endpoints["errors"].(map[string]int64))

	services := m["services"].(map[string]interface{})
	writeCounter(&b, "provider_calls_total", "Outbound provider calls", "service", services["calls"].(map[string]int64))
	writeCounter(&b, "provider_errors_total", "Failed outbound provider calls", "service", services["errors"].(map[string]int64))

	webhooks := m["webhooks"].(map[string]int64)
	b.WriteString("# HELP webhooks_total Webhook deliveries by provider and outcome\n")
	b.WriteString("# TYPE webhooks_total counter\n")
	for _, key := range sortedKeys(webhooks) {
		provider, outcome, _ := strings.Cut(key, "|")
		fmt.Fprintf(&b, "webhooks_total{provider=%q,outcome=%q} %d\n", provider, outcome, webhooks[key])
	}

	writeCounter(&b, "escalations_total", "Escalation lifecycle events", "event", m["escalations"].(map[string]int64))

	return b.String()
}

func writeCounter(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, key, values[key])
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
