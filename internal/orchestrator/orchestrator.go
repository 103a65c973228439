package orchestrator

import (
	"context"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/consent"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/placements"
	"github.com/patrickwarner/openadtag/internal/position"
	"github.com/patrickwarner/openadtag/internal/refresh"
	"github.com/patrickwarner/openadtag/internal/slot"
	"github.com/patrickwarner/openadtag/internal/viewability"
)

const (
	TeardownUnauthorized    = "unauthorized"
	TeardownPolicyViolation = "policy_violation"
)

type Options struct {
	PageURL   string
	UserAgent string
	IP        string
	PPID      string

	// Targeting builds page-level key-values once consent is known.
	Targeting func(consent.State) map[string]string

	// StrictAuthorization holds every request until the domain verdict is
	// known. Otherwise slots start on consent and are torn down
	// retroactively when the verdict denies the domain.
	StrictAuthorization bool

	// BypassCache ignores cached verdicts for this page view (?nocache=1).
	BypassCache bool

	Refresh  refresh.Policy
	Retry    slot.RetryPolicy
	Position position.Options
	Dwell    time.Duration

	// SellerASI is the advertising system domain used in the supply chain.
	SellerASI string
}

type Deps struct {
	Sched      clock.Scheduler
	Consent    *consent.Resolver
	Gate       *authz.Gate
	Gateway    gateway.Gateway
	Geometry   viewability.Geometry
	Layout     position.Layout
	Surface    Surface
	Background slot.Background
	Sellers    *gateway.Sellers
	Logger     *zap.Logger
	Metrics    observability.MetricsRegistry
}

type managed struct {
	placement placements.Placement
	ctl       *slot.Controller
	pos       *position.Controller
	removed   bool
}

// Orchestrator must be driven from the scheduler goroutine.
type Orchestrator struct {
	ctx       *Context
	deps      Deps
	opts      Options
	catalogue []placements.Placement
	observer  *viewability.Observer
	refresh   *refresh.Scheduler
	slots     map[string]*managed
	order     []string
	reverted  map[string]bool
	runCtx    context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	startedAt time.Time
	started   bool
	slotsUp   bool
	rendered  bool
	stopped   bool
}

func New(catalogue []placements.Placement, opts Options, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoOpRegistry()
	}
	if deps.Surface == nil {
		deps.Surface = NopSurface{}
	}
	if deps.Consent == nil {
		deps.Consent = consent.NewResolver(deps.Sched, consent.Options{}, deps.Logger, deps.Metrics)
	}
	if deps.Gate == nil {
		deps.Gate = authz.NewGate(nil, nil, authz.Options{}, deps.Sched.Now, deps.Logger, deps.Metrics)
	}

	if opts.Refresh == (refresh.Policy{}) {
		opts.Refresh = refresh.DefaultPolicy()
	}
	if opts.Retry == (slot.RetryPolicy{}) {
		opts.Retry = slot.DefaultRetryPolicy()
	}

	domain := authz.Normalize(opts.PageURL)
	logger := deps.Logger.With(zap.String("domain", domain))
	policy := opts.Refresh.Normalize()
	observer := viewability.NewObserver(deps.Geometry, policy.MinViewablePercent)
	runCtx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		ctx: &Context{
			Sched:      deps.Sched,
			Logger:     logger,
			Metrics:    deps.Metrics,
			Latch:      &authz.Latch{},
			Domain:     domain,
			PPID:       opts.PPID,
			Correlator: strconv.FormatUint(uint64(uuid.New().ID()), 10),
		},
		deps:      deps,
		opts:      opts,
		catalogue: catalogue,
		observer:  observer,
		refresh:   refresh.NewScheduler(policy, deps.Sched, observer, deps.Metrics, logger),
		slots:     make(map[string]*managed),
		reverted:  make(map[string]bool),
		runCtx:    runCtx,
		cancel:    cancel,
		logger:    logger,
	}
	if deps.Sellers != nil {
		if sc, ok := deps.Sellers.SupplyChainFor(domain, opts.SellerASI); ok {
			o.ctx.SupplyChain = sc
		}
	}
	return o
}

// Context exposes the page view state for inspection.
func (o *Orchestrator) Context() *Context { return o.ctx }

// Observer is the viewability observer the slots subscribe to.
func (o *Orchestrator) Observer() *viewability.Observer { return o.observer }

// Start begins consent and authorization resolution. A cached denial blocks
// the page view before anything else happens unless BypassCache is set.
func (o *Orchestrator) Start() {
	if o.started || o.stopped {
		return
	}
	o.started = true
	o.startedAt = o.deps.Sched.Now()

	if !o.opts.BypassCache {
		if v, ok := o.deps.Gate.Cached(o.runCtx, o.ctx.Domain); ok {
			o.onVerdict(v)
			if o.ctx.Latch.Blocked() {
				return
			}
		}
	}

	for _, p := range o.catalogue {
		o.deps.Surface.ShowPlaceholder(p.ID)
	}

	o.deps.Consent.Resolve(o.onConsent)
	if !o.ctx.VerdictKnown {
		o.deps.Gate.CheckAsync(o.runCtx, o.deps.Sched, o.ctx.Domain, o.opts.BypassCache, o.onVerdict)
	}
}

// BypassAuthorizationCache fetches a fresh verdict, ignoring every cache. A
// denial tears the page view down. On a blocked page view an authorized
// answer clears the latch and restarts delivery.
func (o *Orchestrator) BypassAuthorizationCache() {
	if o.stopped {
		return
	}
	o.deps.Gate.CheckAsync(context.Background(), o.deps.Sched, o.ctx.Domain, true, o.onFreshVerdict)
}

func (o *Orchestrator) onFreshVerdict(v authz.Verdict) {
	if o.stopped {
		return
	}
	if !o.ctx.Latch.Blocked() {
		o.onVerdict(v)
		return
	}
	o.ctx.Verdict = v
	o.ctx.VerdictKnown = true
	if !v.Authorized {
		return
	}
	o.ctx.Latch.Reset()
	o.logger.Info("authorization restored by cache bypass")
	o.rearm()
}

// rearm rebuilds delivery after a teardown. Consent that never settled was
// cancelled by the teardown, so such a page view stays idle.
func (o *Orchestrator) rearm() {
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	o.slots = make(map[string]*managed)
	o.order = nil
	o.reverted = make(map[string]bool)
	o.slotsUp = false
	if !o.ctx.ConsentSettled {
		o.logger.Warn("consent was not settled before teardown, delivery stays off")
		return
	}
	for _, p := range o.catalogue {
		o.deps.Surface.ShowPlaceholder(p.ID)
	}
	o.onConsent(o.ctx.Consent)
}

func (o *Orchestrator) onConsent(st consent.State) {
	if o.stopped || o.ctx.Latch.Blocked() {
		return
	}
	o.ctx.Consent = st
	o.ctx.ConsentSettled = true
	if o.opts.Targeting != nil {
		o.ctx.Targeting = o.opts.Targeting(st)
	}
	if !st.AllowsAds() {
		o.logger.Info("consent does not allow ads, reverting placements")
		for _, p := range o.catalogue {
			o.revert(p.ID)
		}
		return
	}
	if o.opts.StrictAuthorization && !o.ctx.VerdictKnown {
		o.logger.Debug("holding slots until authorization settles")
		return
	}
	o.startSlots()
}

func (o *Orchestrator) onVerdict(v authz.Verdict) {
	if o.stopped || o.ctx.Latch.Blocked() {
		return
	}
	o.ctx.Verdict = v
	o.ctx.VerdictKnown = true
	if !v.Authorized {
		o.teardown(TeardownUnauthorized)
		return
	}
	if o.opts.StrictAuthorization && o.ctx.ConsentSettled && o.ctx.Consent.AllowsAds() {
		o.startSlots()
	}
}

func (o *Orchestrator) startSlots() {
	if o.slotsUp {
		return
	}
	o.slotsUp = true

	for _, p := range o.catalogue {
		if p.Kind == gateway.KindVideo && o.deps.Sellers != nil && o.ctx.SupplyChain == nil {
			o.logger.Error("skipping video placement",
				zap.String("placement_id", p.ID),
				zap.Error(gateway.Err(gateway.ErrConfiguration, nil, "domain %s is not an authorized seller", o.ctx.Domain)),
			)
			o.revert(p.ID)
			continue
		}
		o.addSlot(p)
	}
	for _, id := range o.order {
		if m := o.slots[id]; m != nil && !m.removed {
			m.ctl.Start()
		}
	}
}

func (o *Orchestrator) addSlot(p placements.Placement) {
	m := &managed{placement: p}
	vp := o.deps.Geometry.Viewport()
	m.ctl = slot.NewController(slot.Config{
		ID:         p.ID,
		AdUnitPath: p.AdUnitPath,
		Kind:       p.Kind,
		Sizes:      p.Sizes(vp.W, vp.H),
		Retry:      o.opts.Retry,
		NoRefresh:  !p.Refresh,
		Dwell:      o.opts.Dwell,
	}, slot.Env{
		Ctx:         o.runCtx,
		Sched:       o.deps.Sched,
		Gateway:     o.deps.Gateway,
		Refresh:     o.refresh,
		Visibility:  o.observer,
		Background:  o.deps.Background,
		Blocked:     o.ctx.Latch.Blocked,
		Decorate:    func(req *gateway.Request) { o.decorate(p, req) },
		OnViolation: func(string, error) { o.teardown(TeardownPolicyViolation) },
		Logger:      o.logger,
		Metrics:     o.deps.Metrics,
	})
	m.ctl.OnStateChange(func(_, to slot.State) { o.onSlotState(m, to) })
	if p.Floating && o.deps.Layout != nil {
		m.pos = position.New(p.ID, m.ctl, o.deps.Layout, o.deps.Sched, o.opts.Position, o.deps.Metrics, o.logger)
	}
	o.slots[p.ID] = m
	o.order = append(o.order, p.ID)
}

func (o *Orchestrator) decorate(p placements.Placement, req *gateway.Request) {
	vp := o.deps.Geometry.Viewport()
	if sizes := p.Sizes(vp.W, vp.H); len(sizes) > 0 {
		req.Sizes = sizes
	}
	req.Consent = o.ctx.Consent
	req.PPID = o.ctx.PPID
	req.PageURL = o.opts.PageURL
	req.UserAgent = o.opts.UserAgent
	req.IP = o.opts.IP
	req.Correlator = o.ctx.Correlator
	req.SupplyChain = o.ctx.SupplyChain
	kv := maps.Clone(o.ctx.Targeting)
	if kv == nil {
		kv = make(map[string]string)
	}
	kv["pos"] = p.ID
	kv["refresh_count"] = strconv.Itoa(req.RefreshCount)
	req.Targeting = kv
}

func (o *Orchestrator) onSlotState(m *managed, to slot.State) {
	switch to {
	case slot.Playing:
		if !o.rendered {
			o.rendered = true
			o.deps.Metrics.RecordFirstRender(o.deps.Sched.Now().Sub(o.startedAt))
		}
	case slot.RefreshWaiting:
		if m.ctl.Exhausted() && m.ctl.Instance() == nil {
			o.revert(m.placement.ID)
		}
	case slot.Destroyed:
		if !m.removed {
			o.revert(m.placement.ID)
		}
	}
}

func (o *Orchestrator) revert(id string) {
	if o.reverted[id] {
		return
	}
	o.reverted[id] = true
	o.deps.Surface.Revert(id)
}

// teardown blocks the page view for good: every timer is cancelled, every
// controller destroyed and every surface removed.
func (o *Orchestrator) teardown(reason string) {
	if !o.ctx.Latch.Block() {
		return
	}
	o.deps.Metrics.IncrementTeardowns(reason)
	o.logger.Warn("tearing down ad delivery", zap.String("reason", reason))
	o.deps.Consent.Cancel()
	for _, id := range o.order {
		o.removeSlot(id)
	}
	for _, p := range o.catalogue {
		if _, ok := o.slots[p.ID]; !ok {
			o.deps.Surface.Remove(p.ID)
		}
	}
	o.cancel()
}

// RemovePlacement destroys one placement and its container.
func (o *Orchestrator) RemovePlacement(id string) bool {
	m, ok := o.slots[id]
	if !ok || m.removed {
		return false
	}
	o.removeSlot(id)
	return true
}

func (o *Orchestrator) removeSlot(id string) {
	m := o.slots[id]
	if m == nil || m.removed {
		return
	}
	m.removed = true
	if m.pos != nil {
		m.pos.Close()
	}
	m.ctl.Destroy()
	o.observer.Forget(id)
	o.deps.Surface.Remove(id)
}

// PageHidden pauses refresh for every slot at once.
func (o *Orchestrator) PageHidden() {
	if o.stopped {
		return
	}
	o.refresh.SetPageHidden(true)
	for _, id := range o.order {
		if m := o.slots[id]; !m.removed {
			m.ctl.Suspend()
		}
	}
}

// PageShown restarts refresh; each slot re-validates viewability on its own.
func (o *Orchestrator) PageShown() {
	if o.stopped {
		return
	}
	o.refresh.SetPageHidden(false)
	for _, id := range o.order {
		if m := o.slots[id]; !m.removed {
			m.ctl.Wake()
		}
	}
}

// LayoutChanged re-evaluates floating positions and then viewability after a
// scroll, resize or DOM change. A placement that floats is pinned in the
// viewport before the observer looks at it, so it keeps playing.
func (o *Orchestrator) LayoutChanged() {
	if o.stopped {
		return
	}
	for _, id := range o.order {
		if m := o.slots[id]; !m.removed && m.pos != nil {
			m.pos.Update()
		}
	}
	o.observer.Update()
}

// Slot returns the controller for id.
func (o *Orchestrator) Slot(id string) (*slot.Controller, bool) {
	m, ok := o.slots[id]
	if !ok || m.removed {
		return nil, false
	}
	return m.ctl, true
}

// Shutdown releases everything on page unload. Idempotent.
func (o *Orchestrator) Shutdown() {
	if o.stopped {
		return
	}
	o.stopped = true
	o.deps.Consent.Cancel()
	for _, id := range o.order {
		o.removeSlot(id)
	}
	o.cancel()
	o.logger.Debug("page view shut down")
}
