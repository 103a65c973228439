package slot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/refresh"
)

// Config is the static description of a placement.
type Config struct {
	ID         string
	AdUnitPath string
	Kind       gateway.Kind
	Sizes      []gateway.Size
	Retry      RetryPolicy
	// NoRefresh parks the slot after its first creative completes.
	NoRefresh bool
	// Dwell is how long a display creative stays before it counts as
	// completed. Zero uses the refresh interval.
	Dwell time.Duration
}

// Visibility is the part of the viewability observer a controller uses.
type Visibility interface {
	IsVisible(id string, thresholdPercent float64) bool
	OnBecameViewable(id string, fn func()) func()
	OnLeftViewport(id string, fn func()) func()
}

// Background is the page content an ad interrupts, such as a video player.
type Background interface {
	PauseContent()
	ResumeContent()
}

// Env holds the session collaborators shared by every controller.
type Env struct {
	Ctx         context.Context
	Sched       clock.Scheduler
	Gateway     gateway.Gateway
	Refresh     *refresh.Scheduler
	Visibility  Visibility
	Background  Background
	Blocked     func() bool
	Decorate    func(req *gateway.Request)
	OnViolation func(id string, err error)
	Logger      *zap.Logger
	Metrics     observability.MetricsRegistry
}

// Controller owns one Slot. All methods must be called on the scheduler.
type Controller struct {
	cfg  Config
	env  Env
	slot Slot

	gen            int
	inFlight       bool
	requestRefresh bool
	filledAt       time.Time
	countedView    bool

	instance           gateway.Instance
	pausedByVisibility bool
	pausedByUser       bool
	backgroundPaused   bool

	retryTimer   clock.Timer
	refreshTimer clock.Timer
	pollTimer    clock.Timer
	dwellTimer   clock.Timer
	unsubscribe  []func()

	listeners map[int]func(from, to State)
	nextID    int
	logger    *zap.Logger
}

// NewController creates an idle slot; Start issues its first request.
func NewController(cfg Config, env Env) *Controller {
	cfg.Retry = cfg.Retry.normalize()
	if env.Ctx == nil {
		env.Ctx = context.Background()
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Metrics == nil {
		env.Metrics = observability.NewNoOpRegistry()
	}
	if env.Blocked == nil {
		env.Blocked = func() bool { return false }
	}
	c := &Controller{
		cfg: cfg,
		env: env,
		slot: Slot{
			ID:        cfg.ID,
			Kind:      cfg.Kind,
			KindName:  cfg.Kind.String(),
			Sizes:     cfg.Sizes,
			State:     Idle,
			StateName: Idle.String(),
			Backoff:   cfg.Retry.InitialBackoff,
		},
		listeners: make(map[int]func(from, to State)),
		logger:    env.Logger.With(zap.String("slot_id", cfg.ID), zap.String("kind", cfg.Kind.String())),
	}
	if env.Visibility != nil {
		c.unsubscribe = append(c.unsubscribe,
			env.Visibility.OnBecameViewable(cfg.ID, c.onBecameViewable),
			env.Visibility.OnLeftViewport(cfg.ID, c.onLeftViewport),
		)
	}
	return c
}

func (c *Controller) ID() string         { return c.cfg.ID }
func (c *Controller) Kind() gateway.Kind { return c.cfg.Kind }
func (c *Controller) State() State       { return c.slot.State }

// Snapshot returns a copy of the slot record.
func (c *Controller) Snapshot() Slot {
	s := c.slot
	s.Sizes = append([]gateway.Size(nil), c.slot.Sizes...)
	return s
}

// Exhausted reports whether a parked slot will never show another ad.
func (c *Controller) Exhausted() bool {
	if c.slot.State == Destroyed {
		return true
	}
	if c.slot.State != RefreshWaiting {
		return false
	}
	return c.cfg.NoRefresh || c.slot.RefreshCount >= c.env.Refresh.Policy().MaxRefreshesPerSlot
}

// Instance returns the rendered creative, if any.
func (c *Controller) Instance() gateway.Instance { return c.instance }

// OnStateChange subscribes fn to transitions. The returned func unsubscribes.
func (c *Controller) OnStateChange(fn func(from, to State)) func() {
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	return func() { delete(c.listeners, id) }
}

// Start issues the first request.
func (c *Controller) Start() {
	if c.slot.State != Idle {
		return
	}
	c.request(false)
}

// Pause pauses a playing creative on user request.
func (c *Controller) Pause() {
	if c.slot.State != Playing {
		return
	}
	c.pausedByUser = true
	c.pauseInstance()
}

// Resume resumes a paused creative.
func (c *Controller) Resume() {
	if c.slot.State != Paused {
		return
	}
	c.pausedByUser = false
	c.pausedByVisibility = false
	if c.instance != nil {
		c.instance.Resume()
	}
	c.transition(Playing)
}

// Suspend cancels refresh timers while the page is hidden. Retry timers keep
// running.
func (c *Controller) Suspend() {
	c.refreshTimer = clock.StopTimer(c.refreshTimer)
	c.pollTimer = clock.StopTimer(c.pollTimer)
}

// Wake restarts the refresh cycle after the page becomes visible again. The
// interval starts over; time spent hidden does not count.
func (c *Controller) Wake() {
	if c.slot.State != RefreshWaiting {
		return
	}
	if c.cfg.NoRefresh || c.slot.RefreshCount >= c.env.Refresh.Policy().MaxRefreshesPerSlot {
		return
	}
	c.slot.RefreshAnchor = c.env.Sched.Now()
	c.scheduleRefresh(c.env.Refresh.Policy().MinInterval)
}

// Destroy tears the slot down. In-flight responses become no-ops. Idempotent.
func (c *Controller) Destroy() {
	if c.slot.State == Destroyed {
		return
	}
	c.gen++
	c.inFlight = false
	c.cancelTimers()
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.unsubscribe = nil
	c.destroyInstance()
	c.resumeBackground()
	c.transition(Destroyed)
	c.listeners = map[int]func(from, to State){}
}

func (c *Controller) request(isRefresh bool) {
	if c.slot.State == Destroyed {
		return
	}
	if c.inFlight {
		c.logger.Debug("request coalesced")
		return
	}
	if c.env.Blocked() {
		c.logger.Debug("request suppressed: session blocked")
		return
	}
	c.retryTimer = clock.StopTimer(c.retryTimer)
	c.refreshTimer = clock.StopTimer(c.refreshTimer)
	c.pollTimer = clock.StopTimer(c.pollTimer)

	c.gen++
	gen := c.gen
	c.inFlight = true
	c.requestRefresh = isRefresh
	c.slot.Requests++
	c.slot.LastRequestAt = c.env.Sched.Now()
	c.transition(Requesting)

	req := gateway.Request{
		SlotID:       c.cfg.ID,
		AdUnitPath:   c.cfg.AdUnitPath,
		Kind:         c.cfg.Kind,
		Sizes:        c.cfg.Sizes,
		Refresh:      isRefresh,
		RefreshCount: c.slot.RefreshCount,
	}
	if c.env.Decorate != nil {
		c.env.Decorate(&req)
	}

	handler := gateway.Handler{
		OnResponse: func(resp gateway.Response, inst gateway.Instance, err error) {
			c.onResponse(gen, resp, inst, err)
		},
		OnEvent: func(ev gateway.Event) { c.onEvent(gen, ev) },
	}

	defer func() {
		if r := recover(); r != nil {
			err := gateway.Err(gateway.ErrTransient, nil, "gateway panicked: %v", r)
			c.env.Sched.Post(func() { c.onResponse(gen, gateway.Response{}, nil, err) })
		}
	}()
	c.env.Gateway.Request(c.env.Ctx, req, handler)
}

func (c *Controller) onResponse(gen int, resp gateway.Response, inst gateway.Instance, err error) {
	if gen != c.gen || c.slot.State == Destroyed || !c.inFlight {
		if inst != nil {
			inst.Destroy()
		}
		return
	}
	c.inFlight = false
	kind := c.cfg.Kind.String()

	switch {
	case err != nil:
		switch gateway.Classify(err) {
		case gateway.ErrNoFill:
			c.env.Metrics.IncrementAdRequests(kind, "empty")
			c.onEmpty()
		case gateway.ErrPolicyViolation:
			c.env.Metrics.IncrementAdRequests(kind, "policy_violation")
			c.logger.Warn("ad network reported a policy violation", zap.Error(err))
			if c.env.OnViolation != nil {
				c.env.OnViolation(c.cfg.ID, err)
			}
			c.Destroy()
		case gateway.ErrConfiguration:
			c.env.Metrics.IncrementAdRequests(kind, "configuration")
			c.logger.Error("placement misconfigured, skipping", zap.Error(err))
			c.transition(Error)
			c.Destroy()
		default:
			c.env.Metrics.IncrementAdRequests(kind, "error")
			c.onError(err)
		}
	case resp.Empty:
		c.env.Metrics.IncrementAdRequests(kind, "empty")
		c.onEmpty()
	case inst == nil:
		c.env.Metrics.IncrementAdRequests(kind, "error")
		c.onError(fmt.Errorf("%w: filled response without creative", gateway.ErrTransient))
	default:
		c.env.Metrics.IncrementAdRequests(kind, "filled")
		c.onFill(resp, inst)
	}
}

func (c *Controller) onEmpty() {
	c.slot.LastRenderEmpty = true
	c.slot.RetryCount = 0
	c.slot.Backoff = c.cfg.Retry.InitialBackoff
	c.transition(RenderedEmpty)

	if c.slot.EmptyRetryCount < c.cfg.Retry.MaxRetries {
		c.slot.EmptyRetryCount++
		c.env.Metrics.IncrementRetries(c.cfg.Kind.String(), "empty")
		c.logger.Debug("no fill, retrying",
			zap.Int("empty_retry", c.slot.EmptyRetryCount),
			zap.Duration("delay", c.cfg.Retry.InitialBackoff),
		)
		isRefresh := c.requestRefresh
		c.retryTimer = c.env.Sched.AfterFunc(c.cfg.Retry.InitialBackoff, func() {
			c.retryTimer = nil
			c.request(isRefresh)
		})
		return
	}
	c.slot.EmptyRetryCount = 0
	c.requestRefresh = false
	c.enterRefreshWaiting(c.env.Sched.Now())
}

func (c *Controller) onFill(resp gateway.Response, inst gateway.Instance) {
	c.instance = inst
	c.slot.LastRenderEmpty = false
	c.slot.RenderedSize = resp.Size
	c.slot.RetryCount = 0
	c.slot.EmptyRetryCount = 0
	c.slot.Backoff = c.cfg.Retry.InitialBackoff
	if c.requestRefresh {
		c.slot.RefreshCount++
		c.env.Metrics.IncrementRefreshes(c.cfg.Kind.String())
	}
	c.requestRefresh = false
	c.filledAt = c.env.Sched.Now()
	c.countedView = false
	c.pausedByUser = false
	c.pausedByVisibility = false

	c.transition(Rendered)
	c.pauseBackground()
	c.transition(Playing)
	c.logger.Info("ad rendered",
		zap.String("creative_id", resp.CreativeID),
		zap.String("size", resp.Size.String()),
		zap.Int("refresh_count", c.slot.RefreshCount),
	)

	if c.env.Visibility != nil && c.env.Visibility.IsVisible(c.cfg.ID, c.env.Refresh.Policy().MinViewablePercent) {
		c.countViewable()
	}

	if c.cfg.Kind == gateway.KindDisplay {
		dwell := c.cfg.Dwell
		if dwell <= 0 {
			dwell = c.env.Refresh.Policy().MinInterval
		}
		c.dwellTimer = c.env.Sched.AfterFunc(dwell, func() {
			c.dwellTimer = nil
			c.complete()
		})
	}
}

func (c *Controller) onEvent(gen int, ev gateway.Event) {
	if gen != c.gen || !c.slot.State.Active() {
		return
	}
	switch ev.Type {
	case gateway.EventStarted:
		c.slot.RetryCount = 0
		c.slot.Backoff = c.cfg.Retry.InitialBackoff
	case gateway.EventPaused:
		if c.slot.State == Playing {
			c.pausedByUser = true
			c.transition(Paused)
		}
	case gateway.EventResumed:
		if c.slot.State == Paused {
			c.pausedByUser = false
			c.pausedByVisibility = false
			c.transition(Playing)
		}
	case gateway.EventCompleted:
		c.complete()
	case gateway.EventError:
		err := ev.Err
		if err == nil {
			err = gateway.Err(gateway.ErrTransient, nil, "playback error")
		}
		c.onError(err)
	}
}

func (c *Controller) complete() {
	if !c.slot.State.Active() {
		return
	}
	c.dwellTimer = clock.StopTimer(c.dwellTimer)
	c.transition(Completed)
	c.destroyInstance()
	c.resumeBackground()

	anchor := c.env.Sched.Now()
	if c.cfg.Kind == gateway.KindDisplay {
		anchor = c.filledAt
	}
	c.enterRefreshWaiting(anchor)
}

func (c *Controller) onError(err error) {
	c.dwellTimer = clock.StopTimer(c.dwellTimer)
	c.transition(Error)
	c.destroyInstance()
	c.resumeBackground()

	c.slot.RetryCount++
	if c.slot.RetryCount <= c.cfg.Retry.MaxRetries {
		delay := c.slot.Backoff
		c.slot.Backoff = c.cfg.Retry.Next(c.slot.Backoff)
		c.env.Metrics.IncrementRetries(c.cfg.Kind.String(), "backoff")
		c.logger.Warn("ad request failed, retrying",
			zap.Error(err),
			zap.Int("retry", c.slot.RetryCount),
			zap.Duration("delay", delay),
		)
		isRefresh := c.requestRefresh
		c.retryTimer = c.env.Sched.AfterFunc(delay, func() {
			c.retryTimer = nil
			c.request(isRefresh)
		})
		return
	}

	c.logger.Warn("retries exhausted, waiting for refresh", zap.Error(err))
	c.slot.RetryCount = 0
	c.slot.Backoff = c.cfg.Retry.InitialBackoff
	c.requestRefresh = false
	c.enterRefreshWaiting(c.env.Sched.Now())
}

func (c *Controller) enterRefreshWaiting(anchor time.Time) {
	c.slot.RefreshAnchor = anchor
	c.transition(RefreshWaiting)
	if c.cfg.NoRefresh || c.slot.RefreshCount >= c.env.Refresh.Policy().MaxRefreshesPerSlot {
		c.logger.Debug("refresh cap reached, slot parked")
		return
	}
	c.tryRefresh()
}

func (c *Controller) scheduleRefresh(d time.Duration) {
	c.refreshTimer = clock.StopTimer(c.refreshTimer)
	c.refreshTimer = c.env.Sched.AfterFunc(d, func() {
		c.refreshTimer = nil
		c.tryRefresh()
	})
}

func (c *Controller) tryRefresh() {
	if c.slot.State != RefreshWaiting || c.inFlight || c.retryTimer != nil {
		return
	}
	c.refreshTimer = clock.StopTimer(c.refreshTimer)
	c.pollTimer = clock.StopTimer(c.pollTimer)

	st := refresh.Status{ID: c.cfg.ID, RefreshCount: c.slot.RefreshCount, RefreshAnchor: c.slot.RefreshAnchor}
	d := c.env.Refresh.Claim(st, c.env.Sched.Now())
	switch d.Reason {
	case refresh.Allowed:
		c.request(true)
	case refresh.TooSoon:
		c.scheduleRefresh(d.Wait)
	case refresh.NotViewable:
		c.pollTimer = c.env.Refresh.ScheduleViewabilityPoll(c.cfg.ID, func() {
			c.pollTimer = nil
			c.tryRefresh()
		})
	case refresh.BudgetExhausted:
		c.refreshTimer = c.env.Refresh.ScheduleBudgetRetry(func() {
			c.refreshTimer = nil
			c.tryRefresh()
		})
	case refresh.CapReached, refresh.PageHidden:
	}
}

func (c *Controller) onBecameViewable() {
	switch c.slot.State {
	case Playing:
		c.countViewable()
	case Paused:
		c.countViewable()
		if c.pausedByVisibility && !c.pausedByUser {
			c.pausedByVisibility = false
			if c.instance != nil {
				c.instance.Resume()
			}
			c.transition(Playing)
		}
	case RefreshWaiting:
		c.tryRefresh()
	}
}

func (c *Controller) onLeftViewport() {
	if c.slot.State != Playing {
		return
	}
	c.pausedByVisibility = true
	c.pauseInstance()
}

func (c *Controller) pauseInstance() {
	if c.instance != nil {
		c.instance.Pause()
	}
	c.transition(Paused)
}

func (c *Controller) countViewable() {
	if c.countedView {
		return
	}
	c.countedView = true
	c.env.Metrics.IncrementViewableImpressions(c.cfg.Kind.String())
}

func (c *Controller) destroyInstance() {
	if c.instance != nil {
		c.instance.Destroy()
		c.instance = nil
	}
}

func (c *Controller) pauseBackground() {
	if c.env.Background != nil && !c.backgroundPaused {
		c.backgroundPaused = true
		c.env.Background.PauseContent()
	}
}

func (c *Controller) resumeBackground() {
	if c.env.Background != nil && c.backgroundPaused {
		c.backgroundPaused = false
		c.env.Background.ResumeContent()
	}
}

func (c *Controller) cancelTimers() {
	c.retryTimer = clock.StopTimer(c.retryTimer)
	c.refreshTimer = clock.StopTimer(c.refreshTimer)
	c.pollTimer = clock.StopTimer(c.pollTimer)
	c.dwellTimer = clock.StopTimer(c.dwellTimer)
}

func (c *Controller) transition(to State) {
	from := c.slot.State
	if from == to {
		return
	}
	c.slot.State = to
	c.slot.StateName = to.String()
	c.env.Metrics.IncrementSlotTransitions(to.String())
	c.logger.Debug("slot transition", zap.String("from", from.String()), zap.String("to", to.String()))

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := c.listeners[id]; ok {
			fn(from, to)
		}
	}
}
