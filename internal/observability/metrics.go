package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// status API requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_http_requests_total",
			Help: "Total page adapter API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adtag_http_request_duration_seconds",
			Help:    "Histogram of page adapter API latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// ad requests by placement kind and outcome (filled, empty, error)
	AdRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_ad_requests_total",
			Help: "Total ad requests issued to the ad network",
		},
		[]string{"kind", "outcome"},
	)

	AdRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adtag_ad_request_duration_seconds",
			Help:    "Duration of ad network requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// retries scheduled, labelled by path (backoff, empty)
	RetryCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_retries_total",
			Help: "Total ad request retries scheduled",
		},
		[]string{"kind", "path"},
	)

	RefreshCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_refreshes_total",
			Help: "Total placement refreshes issued",
		},
		[]string{"kind"},
	)

	// refresh eligibility decisions by reason
	RefreshDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_refresh_decisions_total",
			Help: "Refresh eligibility decisions",
		},
		[]string{"reason"},
	)

	ConsentResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_consent_resolutions_total",
			Help: "Consent settlements by source and region",
		},
		[]string{"source", "region"},
	)

	AuthorizationVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_authorization_verdicts_total",
			Help: "Domain authorization verdicts by source and result",
		},
		[]string{"source", "result"},
	)

	AuthorizationListFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_authorization_list_fetches_total",
			Help: "Remote authorization list fetches by outcome",
		},
		[]string{"outcome"},
	)

	SlotTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_slot_transitions_total",
			Help: "Slot lifecycle transitions by target state",
		},
		[]string{"state"},
	)

	FloatingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_floating_transitions_total",
			Help: "Inline/floating position changes",
		},
		[]string{"direction"},
	)

	Teardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_teardowns_total",
			Help: "Session-wide delivery teardowns",
		},
		[]string{"reason"},
	)

	ViewableImpressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_viewable_impressions_total",
			Help: "Rendered creatives that became viewable",
		},
		[]string{"kind"},
	)

	FirstRenderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adtag_first_render_seconds",
			Help:    "Time from session start to first rendered ad",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// rate limit hits by scope (refresh_budget, gateway)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adtag_ratelimit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		AdRequestCount,
		AdRequestLatency,
		RetryCount,
		RefreshCount,
		RefreshDecisions,
		ConsentResolutions,
		AuthorizationVerdicts,
		AuthorizationListFetches,
		SlotTransitions,
		FloatingTransitions,
		Teardowns,
		ViewableImpressions,
		FirstRenderLatency,
		RateLimitHits,
	)
}
