package observability

import (
	"strings"
	"sync"
	"time"
)

// MockMetricsRegistry counts calls so tests can assert on recorded metrics.
// Keys are the method name followed by its labels, joined with "|", for
// example "AdRequests|display|filled".
type MockMetricsRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counts: make(map[string]int)}
}

// Count returns how many times the metric with the given labels was recorded.
func (m *MockMetricsRegistry) Count(name string, labels ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key(name, labels...)]
}

func (m *MockMetricsRegistry) inc(name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[key(name, labels...)]++
}

func key(name string, labels ...string) string {
	return strings.Join(append([]string{name}, labels...), "|")
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("Requests", endpoint, method, status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementAdRequests(kind, outcome string) {
	m.inc("AdRequests", kind, outcome)
}
func (m *MockMetricsRegistry) RecordAdRequestLatency(kind string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementRetries(kind, path string)                        { m.inc("Retries", kind, path) }
func (m *MockMetricsRegistry) IncrementRefreshes(kind string)                            { m.inc("Refreshes", kind) }
func (m *MockMetricsRegistry) IncrementRefreshDecisions(reason string) {
	m.inc("RefreshDecisions", reason)
}
func (m *MockMetricsRegistry) IncrementViewableImpressions(kind string) {
	m.inc("ViewableImpressions", kind)
}
func (m *MockMetricsRegistry) RecordFirstRender(duration time.Duration) { m.inc("FirstRender") }
func (m *MockMetricsRegistry) IncrementConsentResolutions(source, region string) {
	m.inc("ConsentResolutions", source, region)
}
func (m *MockMetricsRegistry) IncrementAuthorizationVerdicts(source string, authorized bool) {
	result := "denied"
	if authorized {
		result = "authorized"
	}
	m.inc("AuthorizationVerdicts", source, result)
}
func (m *MockMetricsRegistry) IncrementAuthorizationListFetches(outcome string) {
	m.inc("AuthorizationListFetches", outcome)
}
func (m *MockMetricsRegistry) IncrementSlotTransitions(state string) {
	m.inc("SlotTransitions", state)
}
func (m *MockMetricsRegistry) IncrementFloatingTransitions(direction string) {
	m.inc("FloatingTransitions", direction)
}
func (m *MockMetricsRegistry) IncrementTeardowns(reason string) { m.inc("Teardowns", reason) }
func (m *MockMetricsRegistry) IncrementRateLimitHits(scope string) {
	m.inc("RateLimitHits", scope)
}
