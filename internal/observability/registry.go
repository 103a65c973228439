package observability

import "time"

// MetricsRegistry records delivery metrics. Components receive it by injection
// instead of touching the Prometheus globals.
type MetricsRegistry interface {
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	IncrementAdRequests(kind, outcome string)
	RecordAdRequestLatency(kind string, duration time.Duration)
	IncrementRetries(kind, path string)
	IncrementRefreshes(kind string)
	IncrementRefreshDecisions(reason string)
	IncrementViewableImpressions(kind string)
	RecordFirstRender(duration time.Duration)

	IncrementConsentResolutions(source, region string)
	IncrementAuthorizationVerdicts(source string, authorized bool)
	IncrementAuthorizationListFetches(outcome string)

	IncrementSlotTransitions(state string)
	IncrementFloatingTransitions(direction string)
	IncrementTeardowns(reason string)

	IncrementRateLimitHits(scope string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementAdRequests(kind, outcome string) {
	AdRequestCount.WithLabelValues(kind, outcome).Inc()
}

func (r *PrometheusRegistry) RecordAdRequestLatency(kind string, duration time.Duration) {
	AdRequestLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementRetries(kind, path string) {
	RetryCount.WithLabelValues(kind, path).Inc()
}

func (r *PrometheusRegistry) IncrementRefreshes(kind string) {
	RefreshCount.WithLabelValues(kind).Inc()
}

func (r *PrometheusRegistry) IncrementRefreshDecisions(reason string) {
	RefreshDecisions.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) IncrementViewableImpressions(kind string) {
	ViewableImpressions.WithLabelValues(kind).Inc()
}

func (r *PrometheusRegistry) RecordFirstRender(duration time.Duration) {
	FirstRenderLatency.Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementConsentResolutions(source, region string) {
	ConsentResolutions.WithLabelValues(source, region).Inc()
}

func (r *PrometheusRegistry) IncrementAuthorizationVerdicts(source string, authorized bool) {
	result := "denied"
	if authorized {
		result = "authorized"
	}
	AuthorizationVerdicts.WithLabelValues(source, result).Inc()
}

func (r *PrometheusRegistry) IncrementAuthorizationListFetches(outcome string) {
	AuthorizationListFetches.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) IncrementSlotTransitions(state string) {
	SlotTransitions.WithLabelValues(state).Inc()
}

func (r *PrometheusRegistry) IncrementFloatingTransitions(direction string) {
	FloatingTransitions.WithLabelValues(direction).Inc()
}

func (r *PrometheusRegistry) IncrementTeardowns(reason string) {
	Teardowns.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(scope string) {
	RateLimitHits.WithLabelValues(scope).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementAdRequests(kind, outcome string)                             {}
func (r *NoOpRegistry) RecordAdRequestLatency(kind string, duration time.Duration)           {}
func (r *NoOpRegistry) IncrementRetries(kind, path string)                                   {}
func (r *NoOpRegistry) IncrementRefreshes(kind string)                                       {}
func (r *NoOpRegistry) IncrementRefreshDecisions(reason string)                              {}
func (r *NoOpRegistry) IncrementViewableImpressions(kind string)                             {}
func (r *NoOpRegistry) RecordFirstRender(duration time.Duration)                             {}
func (r *NoOpRegistry) IncrementConsentResolutions(source, region string)                    {}
func (r *NoOpRegistry) IncrementAuthorizationVerdicts(source string, authorized bool)        {}
func (r *NoOpRegistry) IncrementAuthorizationListFetches(outcome string)                     {}
func (r *NoOpRegistry) IncrementSlotTransitions(state string)                                {}
func (r *NoOpRegistry) IncrementFloatingTransitions(direction string)                        {}
func (r *NoOpRegistry) IncrementTeardowns(reason string)                                     {}
func (r *NoOpRegistry) IncrementRateLimitHits(scope string)                                  {}

var (
	_ MetricsRegistry = (*PrometheusRegistry)(nil)
	_ MetricsRegistry = (*NoOpRegistry)(nil)
	_ MetricsRegistry = (*MockMetricsRegistry)(nil)
)
