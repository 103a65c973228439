package refresh

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/ratelimit"
)

// Visibility is satisfied by *viewability.Observer.
type Visibility interface {
	IsVisible(id string, thresholdPercent float64) bool
}

// Scheduler evaluates refresh eligibility for every slot of a page view and
// tracks page visibility. It runs on the scheduler goroutine.
type Scheduler struct {
	policy    Policy
	sched     clock.Scheduler
	vis       Visibility
	budget    *ratelimit.TokenBucket
	hidden    bool
	listeners map[int]func(hidden bool)
	nextID    int
	metrics   observability.MetricsRegistry
	logger    *zap.Logger
}

// NewScheduler creates the page-wide refresh gate. The policy is normalized.
func NewScheduler(policy Policy, sched clock.Scheduler, vis Visibility, metrics observability.MetricsRegistry, logger *zap.Logger) *Scheduler {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = policy.Normalize()
	s := &Scheduler{
		policy:    policy,
		sched:     sched,
		vis:       vis,
		listeners: make(map[int]func(bool)),
		metrics:   metrics,
		logger:    logger,
	}
	if policy.GlobalPerMinute > 0 {
		s.budget = ratelimit.NewTokenBucket(policy.GlobalBurst, policy.GlobalPerMinute, sched.Now)
	}
	return s
}

func (s *Scheduler) Policy() Policy { return s.policy }

// Evaluate checks eligibility without consuming budget.
func (s *Scheduler) Evaluate(st Status, now time.Time) Decision {
	if s.hidden {
		return Decision{Reason: PageHidden}
	}
	if st.RefreshCount >= s.policy.MaxRefreshesPerSlot {
		return Decision{Reason: CapReached}
	}
	if elapsed := now.Sub(st.RefreshAnchor); elapsed < s.policy.MinInterval {
		return Decision{Reason: TooSoon, Wait: s.policy.MinInterval - elapsed}
	}
	if !s.vis.IsVisible(st.ID, s.policy.MinViewablePercent) {
		return Decision{Reason: NotViewable}
	}
	if s.budget != nil && !s.budget.Available() {
		return Decision{Reason: BudgetExhausted}
	}
	return Decision{Reason: Allowed}
}

// CanRefresh reports whether st may refresh at now.
func (s *Scheduler) CanRefresh(st Status, now time.Time) bool {
	return s.Evaluate(st, now).Allowed()
}

// Claim evaluates st and, when allowed, consumes one unit of the global
// budget. Callers issue the refresh only if the returned decision is Allowed.
func (s *Scheduler) Claim(st Status, now time.Time) Decision {
	d := s.Evaluate(st, now)
	if d.Allowed() && s.budget != nil && !s.budget.Allow() {
		d = Decision{Reason: BudgetExhausted}
	}
	if d.Reason == BudgetExhausted {
		s.metrics.IncrementRateLimitHits("refresh_budget")
	}
	s.metrics.IncrementRefreshDecisions(d.Reason.String())
	s.logger.Debug("refresh decision",
		zap.String("slot", st.ID),
		zap.String("reason", d.Reason.String()),
		zap.Int("refresh_count", st.RefreshCount),
		zap.Duration("wait", d.Wait),
	)
	return d
}

// ScheduleViewabilityPoll runs fn after the poll interval.
func (s *Scheduler) ScheduleViewabilityPoll(id string, fn func()) clock.Timer {
	return s.sched.AfterFunc(s.policy.ViewabilityPollInterval, fn)
}

// ScheduleBudgetRetry runs fn once the global budget is expected to hold a token.
func (s *Scheduler) ScheduleBudgetRetry(fn func()) clock.Timer {
	wait := s.policy.ViewabilityPollInterval
	if s.budget != nil && s.policy.GlobalPerMinute > 0 {
		missing := 1 - s.budget.Tokens()
		if missing > 0 {
			wait = max(wait, time.Duration(missing*60/s.policy.GlobalPerMinute*float64(time.Second)))
		}
	}
	return s.sched.AfterFunc(wait, fn)
}

func (s *Scheduler) Hidden() bool { return s.hidden }

// SetPageHidden records a page visibility change and notifies subscribers when
// the value actually changes.
func (s *Scheduler) SetPageHidden(hidden bool) {
	if s.hidden == hidden {
		return
	}
	s.hidden = hidden
	s.logger.Debug("page visibility changed", zap.Bool("hidden", hidden))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := s.listeners[id]; ok {
			fn(hidden)
		}
	}
}

// OnPageVisibility subscribes to page hide/show. The returned func unsubscribes.
func (s *Scheduler) OnPageVisibility(fn func(hidden bool)) func() {
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() { delete(s.listeners, id) }
}
