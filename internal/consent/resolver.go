package consent

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/observability"
)

// DefaultTimeout bounds how long the resolver waits for a CMP.
const DefaultTimeout = time.Second

type Options struct {
	Timeout time.Duration
	Signals RegionSignals
	// AutoConsentOutsideEU settles immediately with full consent when the
	// region heuristic places the visitor outside regulated regions.
	AutoConsentOutsideEU bool
}

// Resolver settles exactly one State per page view. It must be driven from
// the scheduler goroutine; provider callbacks are re-posted onto it.
type Resolver struct {
	sched     clock.Scheduler
	opts      Options
	providers []Provider
	logger    *zap.Logger
	metrics   observability.MetricsRegistry

	started   bool
	settled   bool
	cancelled bool
	state     State
	region    Region
	timer     clock.Timer
	waiters   []func(State)
	// answers is indexed like providers.
	answers []answer
}

type answer struct {
	done  bool
	ok    bool
	state State
}

func NewResolver(sched clock.Scheduler, opts Options, logger *zap.Logger, metrics observability.MetricsRegistry, providers ...Provider) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Resolver{
		sched:     sched,
		opts:      opts,
		providers: sortByPriority(providers),
		logger:    logger,
		metrics:   metrics,
	}
}

// Resolve starts resolution on the first call. onSettle runs exactly once
// with the settled state; callers arriving after settlement are answered on
// the next loop turn.
func (r *Resolver) Resolve(onSettle func(State)) {
	if r.cancelled {
		return
	}
	if onSettle != nil {
		if r.settled {
			st := r.state
			r.sched.Post(func() { onSettle(st) })
		} else {
			r.waiters = append(r.waiters, onSettle)
		}
	}
	if r.started {
		return
	}
	r.started = true

	r.region = DetectRegion(r.opts.Signals)
	r.logger.Debug("consent region detected", zap.String("region", r.region.String()))

	if r.region == RegionNonEU && r.opts.AutoConsentOutsideEU {
		r.settle(State{HasConsent: true, ResolvedVia: SourceRegionHeuristic})
		return
	}

	r.timer = r.sched.AfterFunc(r.opts.Timeout, r.fallback)
	r.answers = make([]answer, len(r.providers))
	for i, p := range r.providers {
		r.query(i, p)
	}
}

// Cancel abandons resolution. Pending callbacks never run and late provider
// reports are ignored.
func (r *Resolver) Cancel() {
	r.started = true
	r.timer = clock.StopTimer(r.timer)
	r.waiters = nil
	if !r.settled {
		r.settled = true
		r.cancelled = true
	}
}

// Settled returns the settled state, if any.
func (r *Resolver) Settled() (State, bool) {
	return r.state, r.settled && !r.cancelled
}

func (r *Resolver) query(i int, p Provider) {
	report := func(st State, ok bool) {
		r.sched.Post(func() {
			if r.answers[i].done {
				return
			}
			if !ok {
				r.answers[i] = answer{done: true}
				r.absent(p)
			} else {
				st.ResolvedVia = p.Source()
				r.answers[i] = answer{done: true, ok: true, state: st}
			}
			r.decide()
		})
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("consent provider panicked",
				zap.String("source", p.Source().String()),
				zap.String("panic", fmt.Sprint(rec)),
			)
			report(State{}, false)
		}
	}()
	p.Query(report)
}

// decide settles with the highest-priority affirmative answer once every
// provider ahead of it has reported absent.
func (r *Resolver) decide() {
	for _, a := range r.answers {
		if !a.done {
			return
		}
		if a.ok {
			r.settle(a.state)
			return
		}
	}
}

// absent providers never settle; the timeout decides once all are silent.
func (r *Resolver) absent(p Provider) {
	r.logger.Debug("consent provider absent", zap.String("source", p.Source().String()))
}

// fallback runs at the timeout. An answer held back behind a silent
// higher-priority provider wins over the region default.
func (r *Resolver) fallback() {
	for _, a := range r.answers {
		if a.ok {
			r.settle(a.state)
			return
		}
	}
	st := State{HasConsent: true, ResolvedVia: SourceTimeout}
	if r.region == RegionEU {
		st.NonPersonalizedOnly = true
	}
	r.settle(st)
}

// settle records st if nothing settled before. It reports whether st won.
func (r *Resolver) settle(st State) bool {
	if r.settled {
		return false
	}
	r.settled = true
	r.timer = clock.StopTimer(r.timer)
	st.Region = r.region
	r.state = st

	r.metrics.IncrementConsentResolutions(st.ResolvedVia.String(), st.Region.String())
	r.logger.Info("consent resolved",
		zap.String("source", st.ResolvedVia.String()),
		zap.String("region", st.Region.String()),
		zap.Bool("has_consent", st.HasConsent),
		zap.Bool("npa", st.NonPersonalizedOnly),
		zap.Bool("rdp", st.RestrictedProcessing),
	)

	waiters := r.waiters
	r.waiters = nil
	for _, fn := range waiters {
		fn(st)
	}
	return true
}

func sortByPriority(providers []Provider) []Provider {
	out := make([]Provider, 0, len(providers))
	for _, src := range []Source{SourceGPP, SourceTCF, SourceUSPrivacy} {
		for _, p := range providers {
			if p != nil && p.Source() == src {
				out = append(out, p)
			}
		}
	}
	return out
}
