// Package refresh decides when a placement may request a new ad.
package refresh

import "time"

const (
	// MinimumInterval is the shortest refresh interval ad networks accept.
	MinimumInterval = 30 * time.Second

	DefaultMaxRefreshesPerSlot = 3
	DefaultMinViewablePercent  = 50
	DefaultPollInterval        = time.Second
)

// Policy is read-only after the Scheduler is built.
type Policy struct {
	MinInterval             time.Duration
	MaxRefreshesPerSlot     int
	MinViewablePercent      float64
	ViewabilityPollInterval time.Duration

	// Session-wide refresh budget shared by all placements. A zero
	// GlobalPerMinute disables it.
	GlobalBurst     int
	GlobalPerMinute float64
}

func DefaultPolicy() Policy {
	return Policy{
		MinInterval:             MinimumInterval,
		MaxRefreshesPerSlot:     DefaultMaxRefreshesPerSlot,
		MinViewablePercent:      DefaultMinViewablePercent,
		ViewabilityPollInterval: DefaultPollInterval,
	}
}

// Normalize clamps the policy to acceptable values.
func (p Policy) Normalize() Policy {
	if p.MinInterval < MinimumInterval {
		p.MinInterval = MinimumInterval
	}
	if p.MaxRefreshesPerSlot < 0 {
		p.MaxRefreshesPerSlot = 0
	}
	if p.MinViewablePercent <= 0 || p.MinViewablePercent > 100 {
		p.MinViewablePercent = DefaultMinViewablePercent
	}
	if p.ViewabilityPollInterval <= 0 {
		p.ViewabilityPollInterval = DefaultPollInterval
	}
	if p.GlobalPerMinute > 0 && p.GlobalBurst <= 0 {
		p.GlobalBurst = 1
	}
	return p
}

// Reason explains a refresh decision.
type Reason int

const (
	Allowed Reason = iota
	TooSoon
	NotViewable
	CapReached
	PageHidden
	BudgetExhausted
)

func (r Reason) String() string {
	switch r {
	case Allowed:
		return "allowed"
	case TooSoon:
		return "too_soon"
	case NotViewable:
		return "not_viewable"
	case CapReached:
		return "cap_reached"
	case PageHidden:
		return "page_hidden"
	case BudgetExhausted:
		return "budget_exhausted"
	default:
		return "unknown"
	}
}

// Decision is the result of a refresh evaluation. Wait is set for TooSoon.
type Decision struct {
	Reason Reason
	Wait   time.Duration
}

func (d Decision) Allowed() bool { return d.Reason == Allowed }

// Status is the slice of slot state the scheduler needs.
type Status struct {
	ID            string
	RefreshCount  int
	RefreshAnchor time.Time
}
