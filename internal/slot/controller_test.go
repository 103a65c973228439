package slot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/refresh"
	"github.com/patrickwarner/openadtag/internal/viewability"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	clk     *clock.Fake
	gw      *gateway.Fake
	page    *viewability.Page
	obs     *viewability.Observer
	refresh *refresh.Scheduler
	metrics *observability.MockMetricsRegistry
	blocked bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFake(epoch), metrics: observability.NewMockMetricsRegistry()}
	h.gw = gateway.NewFake(h.clk)
	h.page = viewability.NewPage(viewability.Rect{W: 1280, H: 800})
	h.page.SetRect("slot-1", viewability.Rect{X: 0, Y: 100, W: 300, H: 250})
	h.obs = viewability.NewObserver(h.page, 50)
	h.refresh = refresh.NewScheduler(refresh.DefaultPolicy(), h.clk, h.obs, h.metrics, zap.NewNop())
	return h
}

func (h *harness) env() Env {
	return Env{
		Sched:      h.clk,
		Gateway:    h.gw,
		Refresh:    h.refresh,
		Visibility: h.obs,
		Blocked:    func() bool { return h.blocked },
		Logger:     zap.NewNop(),
		Metrics:    h.metrics,
	}
}

func (h *harness) controller(kind gateway.Kind) *Controller {
	return NewController(Config{
		ID:         "slot-1",
		AdUnitPath: "/1234/home/top",
		Kind:       kind,
		Sizes:      []gateway.Size{{W: 300, H: 250}},
		Retry:      DefaultRetryPolicy(),
	}, h.env())
}

func (h *harness) scrollAway() {
	h.page.ScrollTo(0, 5000)
	h.obs.Update()
}

func (h *harness) scrollBack() {
	h.page.ScrollTo(0, 0)
	h.obs.Update()
}

// nextDelay returns the time until the earliest pending timer.
func (h *harness) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	next, ok := h.clk.NextDeadline()
	require.True(t, ok, "expected a pending timer")
	return next.Sub(h.clk.Now())
}

func TestController_BackoffThenRefreshWaiting(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindVideo)

	var states []State
	c.OnStateChange(func(_, to State) { states = append(states, to) })

	c.Start()
	require.Len(t, h.gw.Calls, 1)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		h.gw.Last().Fail(nil)
		assert.Equal(t, Error, c.State())
		d := h.nextDelay(t)
		delays = append(delays, d)
		h.clk.Advance(d)
		require.Len(t, h.gw.Calls, i+2)
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, delays)

	h.gw.Last().Fail(nil)
	assert.Equal(t, RefreshWaiting, c.State())
	assert.Equal(t, 0, c.Snapshot().RetryCount)
	assert.Equal(t, 5*time.Second, c.Snapshot().Backoff)
	assert.Equal(t, refresh.MinimumInterval, h.nextDelay(t))
	assert.Equal(t, 3, h.metrics.Count("Retries", "video", "backoff"))
	assert.Equal(t, 4, h.metrics.Count("AdRequests", "video", "error"))
	assert.Contains(t, states, Requesting)
	assert.Equal(t, RefreshWaiting, states[len(states)-1])
}

func TestController_PausesAndResumesWithViewability(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindVideo)
	c.Start()
	inst := h.gw.Last().Fill(gateway.Size{W: 640, H: 360})
	require.Equal(t, Playing, c.State())

	h.scrollAway()
	assert.Equal(t, Paused, c.State())
	assert.True(t, inst.Paused)

	h.scrollBack()
	assert.Equal(t, Playing, c.State())
	assert.False(t, inst.Paused)
	assert.Equal(t, 1, inst.ResumeCalls)
	assert.Len(t, h.gw.Calls, 1, "resuming must not issue a new request")
	assert.Equal(t, 1, h.metrics.Count("ViewableImpressions", "video"))
}

func TestController_UserPauseSurvivesScroll(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindVideo)
	c.Start()
	inst := h.gw.Last().Fill(gateway.Size{W: 640, H: 360})

	c.Pause()
	assert.Equal(t, Paused, c.State())
	h.scrollAway()
	h.scrollBack()
	assert.Equal(t, Paused, c.State(), "user pause is not undone by visibility")
	assert.Equal(t, 0, inst.ResumeCalls)

	c.Resume()
	assert.Equal(t, Playing, c.State())
	assert.Equal(t, 1, inst.ResumeCalls)
}

func TestController_DisplayRefreshesAfterInterval(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindDisplay)
	c.Start()
	first := h.gw.Last().Fill(gateway.Size{W: 300, H: 250})

	h.clk.Advance(refresh.MinimumInterval - time.Second)
	assert.Len(t, h.gw.Calls, 1)

	h.clk.Advance(time.Second)
	require.Len(t, h.gw.Calls, 2)
	assert.True(t, first.Destroyed)
	assert.True(t, h.gw.Last().Request.Refresh)
	assert.Equal(t, Requesting, c.State())

	h.gw.Last().Fill(gateway.Size{W: 300, H: 250})
	assert.Equal(t, 1, c.Snapshot().RefreshCount)
	assert.Equal(t, 1, h.metrics.Count("Refreshes", "display"))
}

func TestController_RefreshCapParksSlot(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindDisplay)
	c.Start()
	for i := 0; i < refresh.DefaultMaxRefreshesPerSlot; i++ {
		h.gw.Last().Fill(gateway.Size{W: 300, H: 250})
		h.clk.Advance(refresh.MinimumInterval)
	}
	require.Len(t, h.gw.Calls, refresh.DefaultMaxRefreshesPerSlot+1)

	h.gw.Last().Fill(gateway.Size{W: 300, H: 250})
	h.clk.Advance(refresh.MinimumInterval)
	assert.Equal(t, RefreshWaiting, c.State())
	assert.Equal(t, refresh.DefaultMaxRefreshesPerSlot, c.Snapshot().RefreshCount)
	assert.Zero(t, h.clk.Pending())

	h.clk.Advance(time.Hour)
	assert.Len(t, h.gw.Calls, refresh.DefaultMaxRefreshesPerSlot+1)
}

func TestController_RefreshWaitsForViewability(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindDisplay)
	c.Start()
	h.gw.Last().Fill(gateway.Size{W: 300, H: 250})
	h.scrollAway()

	h.clk.Advance(refresh.MinimumInterval)
	assert.Equal(t, RefreshWaiting, c.State())
	h.clk.Advance(10 * time.Second)
	assert.Len(t, h.gw.Calls, 1)

	h.scrollBack()
	require.Len(t, h.gw.Calls, 2)
	assert.True(t, h.gw.Last().Request.Refresh)
}

func TestController_VideoRefreshCountsFromCompletion(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindVideo)
	c.Start()
	call := h.gw.Last()
	inst := call.Fill(gateway.Size{W: 640, H: 360})

	h.clk.Advance(45 * time.Second)
	call.Emit(gateway.EventCompleted)
	assert.Equal(t, RefreshWaiting, c.State())
	assert.True(t, inst.Destroyed)
	assert.Equal(t, h.clk.Now(), c.Snapshot().RefreshAnchor)
	assert.Equal(t, refresh.MinimumInterval, h.nextDelay(t))
}

func TestController_EmptyRetriesThenWaits(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindDisplay)
	c.Start()

	for i := 0; i < 3; i++ {
		h.gw.Last().Empty()
		assert.Equal(t, RenderedEmpty, c.State())
		assert.Equal(t, 5*time.Second, h.nextDelay(t))
		h.clk.Advance(5 * time.Second)
	}
	require.Len(t, h.gw.Calls, 4)
	h.gw.Last().Empty()

	snap := c.Snapshot()
	assert.Equal(t, RefreshWaiting, snap.State)
	assert.True(t, snap.LastRenderEmpty)
	assert.Equal(t, 0, snap.EmptyRetryCount)
	assert.Equal(t, 3, h.metrics.Count("Retries", "display", "empty"))
}

func TestController_CoalescesConcurrentRequests(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindDisplay)
	c.Start()
	c.request(false)
	c.request(true)
	assert.Len(t, h.gw.Calls, 1)
}

func TestController_BlockedSessionIssuesNothing(t *testing.T) {
	h := newHarness(t)
	h.blocked = true
	c := h.controller(gateway.KindDisplay)
	c.Start()
	assert.Empty(t, h.gw.Calls)
	assert.Equal(t, Idle, c.State())
}

func TestController_DestroyNeutralizesLateResponse(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindVideo)
	c.Start()
	call := h.gw.Last()

	c.Destroy()
	c.Destroy()
	inst := call.Fill(gateway.Size{W: 640, H: 360})
	call.Emit(gateway.EventError)

	assert.Equal(t, Destroyed, c.State())
	assert.True(t, inst.Destroyed)
	assert.Zero(t, h.clk.Pending())
	assert.Len(t, h.gw.Calls, 1)
}

func TestController_ErrorClasses(t *testing.T) {
	t.Run("configuration destroys slot", func(t *testing.T) {
		h := newHarness(t)
		c := h.controller(gateway.KindDisplay)
		c.Start()
		h.gw.Last().Fail(gateway.Err(gateway.ErrConfiguration, nil, "unknown ad unit"))
		assert.Equal(t, Destroyed, c.State())
		assert.Zero(t, h.clk.Pending())
	})

	t.Run("policy violation is escalated", func(t *testing.T) {
		h := newHarness(t)
		var got error
		env := h.env()
		env.OnViolation = func(id string, err error) {
			assert.Equal(t, "slot-1", id)
			got = err
		}
		c := NewController(Config{ID: "slot-1", Kind: gateway.KindDisplay}, env)
		c.Start()
		h.gw.Last().Fail(gateway.Err(gateway.ErrPolicyViolation, nil, "domain not allowed"))
		assert.True(t, errors.Is(got, gateway.ErrPolicyViolation))
		assert.Equal(t, Destroyed, c.State())
	})

	t.Run("no-fill error is treated as empty", func(t *testing.T) {
		h := newHarness(t)
		c := h.controller(gateway.KindDisplay)
		c.Start()
		h.gw.Last().Fail(gateway.Err(gateway.ErrNoFill, nil, "no bids"))
		assert.Equal(t, RenderedEmpty, c.State())
	})
}

func TestController_SuspendAndWake(t *testing.T) {
	h := newHarness(t)
	c := h.controller(gateway.KindVideo)
	c.Start()
	call := h.gw.Last()
	call.Fill(gateway.Size{W: 640, H: 360})
	call.Emit(gateway.EventCompleted)
	require.Equal(t, 1, h.clk.Pending())

	c.Suspend()
	assert.Zero(t, h.clk.Pending())

	h.clk.Advance(time.Minute)
	c.Wake()
	assert.Equal(t, h.clk.Now(), c.Snapshot().RefreshAnchor)
	assert.Equal(t, refresh.MinimumInterval, h.nextDelay(t))
}

type countingBackground struct{ paused, resumed int }

func (b *countingBackground) PauseContent()  { b.paused++ }
func (b *countingBackground) ResumeContent() { b.resumed++ }

func TestController_PausesBackgroundContent(t *testing.T) {
	h := newHarness(t)
	bg := &countingBackground{}
	env := h.env()
	env.Background = bg
	c := NewController(Config{ID: "slot-1", Kind: gateway.KindVideo}, env)
	c.Start()
	call := h.gw.Last()
	call.Fill(gateway.Size{W: 640, H: 360})
	assert.Equal(t, 1, bg.paused)

	call.Emit(gateway.EventCompleted)
	assert.Equal(t, 1, bg.resumed)
}

func TestRetryPolicy_Next(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 10*time.Second, p.Next(5*time.Second))
	assert.Equal(t, 30*time.Second, p.Next(20*time.Second))
	assert.Equal(t, 30*time.Second, p.Next(30*time.Second))
}

func TestController_NoRefreshParksAfterCompletion(t *testing.T) {
	h := newHarness(t)
	c := NewController(Config{ID: "slot-1", Kind: gateway.KindVideo, NoRefresh: true}, h.env())
	c.Start()
	call := h.gw.Last()
	call.Fill(gateway.Size{W: 640, H: 360})
	assert.False(t, c.Exhausted())

	call.Emit(gateway.EventCompleted)
	assert.Equal(t, RefreshWaiting, c.State())
	assert.True(t, c.Exhausted())
	assert.Zero(t, h.clk.Pending())
}
