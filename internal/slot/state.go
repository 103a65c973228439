// Package slot drives one ad placement through its lifecycle: request,
// render or empty, play and pause, error with backoff, and refresh.
package slot

import (
	"time"

	"github.com/patrickwarner/openadtag/internal/gateway"
)

type State int

const (
	Idle State = iota
	Requesting
	Rendered
	RenderedEmpty
	Playing
	Paused
	Completed
	Error
	RefreshWaiting
	Destroyed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Rendered:
		return "rendered"
	case RenderedEmpty:
		return "rendered_empty"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Error:
		return "error"
	case RefreshWaiting:
		return "refresh_waiting"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Active reports whether a creative is on screen.
func (s State) Active() bool { return s == Playing || s == Paused }

// RetryPolicy bounds retries after failed requests.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	Multiplier     float64
}

// DefaultRetryPolicy backs off from 5s to 30s over at most 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     30 * time.Second,
		MaxRetries:     3,
		Multiplier:     2,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Next returns the backoff following b.
func (p RetryPolicy) Next(b time.Duration) time.Duration {
	next := time.Duration(float64(b) * p.Multiplier)
	if next > p.MaxBackoff || next < b {
		return p.MaxBackoff
	}
	return next
}

// Slot is the observable record of a placement.
type Slot struct {
	ID              string         `json:"id"`
	Kind            gateway.Kind   `json:"-"`
	KindName        string         `json:"kind"`
	Sizes           []gateway.Size `json:"sizes"`
	State           State          `json:"-"`
	StateName       string         `json:"state"`
	RefreshCount    int            `json:"refresh_count"`
	RetryCount      int            `json:"retry_count"`
	EmptyRetryCount int            `json:"empty_retry_count"`
	Backoff         time.Duration  `json:"backoff"`
	LastRenderEmpty bool           `json:"last_render_empty"`
	LastRequestAt   time.Time      `json:"last_request_at"`
	RefreshAnchor   time.Time      `json:"refresh_anchor"`
	RenderedSize    gateway.Size   `json:"rendered_size"`
	Requests        int            `json:"requests"`
}
