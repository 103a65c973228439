package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/consent"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/placements"
	"github.com/patrickwarner/openadtag/internal/refresh"
	"github.com/patrickwarner/openadtag/internal/slot"
	"github.com/patrickwarner/openadtag/internal/viewability"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type listSource struct {
	mu      sync.Mutex
	domains []string
	calls   int
}

func (s *listSource) Fetch(context.Context, bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.domains, nil
}

type recordingSurface struct {
	placeholders []string
	removed      []string
	reverted     []string
}

func (s *recordingSurface) ShowPlaceholder(id string) { s.placeholders = append(s.placeholders, id) }
func (s *recordingSurface) Remove(id string)          { s.removed = append(s.removed, id) }
func (s *recordingSurface) Revert(id string)          { s.reverted = append(s.reverted, id) }

// pageLayout pins floated containers to the bottom-right viewport corner of
// the fixture page, the way the page adapter does.
type pageLayout struct {
	page     *viewability.Page
	wrappers map[string]viewability.Rect
	ops      []string
}

func (l *pageLayout) setWrapper(id string, r viewability.Rect) {
	l.wrappers[id] = r
	l.page.SetRect(id, r)
}

func (l *pageLayout) WrapperRect(id string) (viewability.Rect, bool) {
	r, ok := l.wrappers[id]
	return r, ok
}

func (l *pageLayout) Viewport() viewability.Rect { return l.page.Viewport() }

func (l *pageLayout) ContainerSize(id string) gateway.Size {
	r := l.wrappers[id]
	return gateway.Size{W: int(r.W), H: int(r.H)}
}

func (l *pageLayout) ShowPlaceholder(id string, height float64) {
	l.ops = append(l.ops, fmt.Sprintf("placeholder:%s:%.0f", id, height))
}

func (l *pageLayout) RemovePlaceholder(id string) { l.ops = append(l.ops, "unplaceholder:"+id) }

func (l *pageLayout) Float(id string, size gateway.Size) {
	vp := l.page.Viewport()
	w, h := float64(size.W), float64(size.H)
	l.page.SetFixed(id, viewability.Rect{X: vp.W - w - 16, Y: vp.H - h - 16, W: w, H: h})
	l.ops = append(l.ops, "float:"+id+":"+size.String())
}

func (l *pageLayout) Dock(id string) {
	l.page.SetRect(id, l.wrappers[id])
	l.ops = append(l.ops, "dock:"+id)
}

type fixture struct {
	clk     *clock.Fake
	gw      *gateway.Fake
	page    *viewability.Page
	source  *listSource
	cache   *authz.MemoryCache
	surface *recordingSurface
	metrics *observability.MockMetricsRegistry
	orch    *Orchestrator
}

func catalogue() []placements.Placement {
	return []placements.Placement{
		{
			ID: "top", AdUnitPath: "/1234/site/top", Kind: gateway.KindDisplay, Refresh: true,
			Breakpoints: []placements.Breakpoint{
				{MinWidth: 1024, MinHeight: 768, Sizes: []gateway.Size{{W: 728, H: 90}}},
				{Sizes: []gateway.Size{{W: 320, H: 50}}},
			},
		},
		{
			ID: "video", AdUnitPath: "/1234/site/video", Kind: gateway.KindVideo, Refresh: true,
			Breakpoints: []placements.Breakpoint{{Sizes: []gateway.Size{{W: 640, H: 360}}}},
		},
	}
}

func newFixture(t *testing.T, opts Options, allowed ...string) *fixture {
	return newFixtureWith(t, opts, nil, allowed...)
}

func newFixtureWith(t *testing.T, opts Options, mutate func(*Deps), allowed ...string) *fixture {
	t.Helper()
	return newCatalogueFixture(t, catalogue(), opts, mutate, allowed...)
}

func newCatalogueFixture(t *testing.T, cat []placements.Placement, opts Options, mutate func(*Deps), allowed ...string) *fixture {
	t.Helper()
	f := &fixture{
		clk:     clock.NewFake(epoch),
		page:    viewability.NewPage(viewability.Rect{W: 1280, H: 800}),
		source:  &listSource{domains: allowed},
		cache:   authz.NewMemoryCache(),
		surface: &recordingSurface{},
		metrics: observability.NewMockMetricsRegistry(),
	}
	f.gw = gateway.NewFake(f.clk)
	f.page.SetRect("top", viewability.Rect{Y: 0, W: 728, H: 90})
	f.page.SetRect("video", viewability.Rect{Y: 200, W: 640, H: 360})

	if opts.PageURL == "" {
		opts.PageURL = "https://news.example.com/story"
	}
	resolver := consent.NewResolver(f.clk, consent.Options{
		Signals:              consent.RegionSignals{Timezone: "America/New_York"},
		AutoConsentOutsideEU: true,
	}, zap.NewNop(), f.metrics)
	gate := authz.NewGate(f.source, f.cache, authz.Options{}, f.clk.Now, zap.NewNop(), f.metrics)

	deps := Deps{
		Sched:    f.clk,
		Consent:  resolver,
		Gate:     gate,
		Gateway:  f.gw,
		Geometry: f.page,
		Surface:  f.surface,
		Logger:   zap.NewNop(),
		Metrics:  f.metrics,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.orch = New(cat, opts, deps)
	return f
}

// settle pumps the fake scheduler until cond holds or the deadline passes.
func (f *fixture) settle(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.clk.Flush()
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func (f *fixture) verdictKnown() bool { return f.orch.Context().VerdictKnown }

func TestOrchestrator_StartsSlotsOnConsent(t *testing.T) {
	f := newFixture(t, Options{
		Targeting: func(st consent.State) map[string]string {
			return map[string]string{"consent_region": st.Region.String()}
		},
	}, "*.example.com")
	f.orch.Start()

	assert.Equal(t, []string{"top", "video"}, f.surface.placeholders)
	require.Len(t, f.gw.Calls, 2, "slots start before the verdict in non-strict mode")

	req := f.gw.CallsFor("top")[0].Request
	assert.Equal(t, []gateway.Size{{W: 728, H: 90}}, req.Sizes)
	assert.Equal(t, "https://news.example.com/story", req.PageURL)
	assert.Equal(t, "top", req.Targeting["pos"])
	assert.Equal(t, "non_eu", req.Targeting["consent_region"])
	assert.True(t, req.Consent.HasConsent)
	assert.NotEmpty(t, req.Correlator)
	assert.Equal(t, f.orch.Context().Correlator, f.gw.CallsFor("video")[0].Request.Correlator)

	f.settle(t, f.verdictKnown)
	assert.True(t, f.orch.Context().Verdict.Authorized)
	assert.False(t, f.orch.Context().Latch.Blocked())
}

func TestOrchestrator_DenialTearsDownRetroactively(t *testing.T) {
	f := newFixture(t, Options{}, "*.other.org")
	f.orch.Start()
	require.Len(t, f.gw.Calls, 2)
	topInst := f.gw.CallsFor("top")[0].Fill(gateway.Size{W: 728, H: 90})

	f.settle(t, f.verdictKnown)

	assert.True(t, f.orch.Context().Latch.Blocked())
	assert.True(t, topInst.Destroyed)
	assert.ElementsMatch(t, []string{"top", "video"}, f.surface.removed)
	assert.Empty(t, f.surface.reverted)
	assert.Equal(t, 1, f.metrics.Count("Teardowns", TeardownUnauthorized))

	late := f.gw.CallsFor("video")[0].Fill(gateway.Size{W: 640, H: 360})
	assert.True(t, late.Destroyed, "late fills after teardown are discarded")

	f.clk.Advance(time.Hour)
	assert.Len(t, f.gw.Calls, 2)
	assert.Zero(t, f.clk.Pending())

	snap := f.orch.Snapshot()
	assert.True(t, snap.Blocked)
	for _, s := range snap.Slots {
		assert.Equal(t, slot.Destroyed, s.State)
		assert.True(t, s.Removed)
	}
}

func TestOrchestrator_StrictAuthorizationHoldsRequests(t *testing.T) {
	f := newFixture(t, Options{StrictAuthorization: true}, "*.example.com")
	f.orch.Start()
	assert.Empty(t, f.gw.Calls)

	f.settle(t, func() bool { return len(f.gw.Calls) == 2 })
	assert.True(t, f.orch.Context().Verdict.Authorized)
}

func TestOrchestrator_StrictDenialIssuesNothing(t *testing.T) {
	f := newFixture(t, Options{StrictAuthorization: true}, "*.other.org")
	f.orch.Start()
	f.settle(t, f.verdictKnown)
	assert.Empty(t, f.gw.Calls)
	assert.True(t, f.orch.Context().Latch.Blocked())
}

func TestOrchestrator_CachedDenialPreGates(t *testing.T) {
	f := newFixture(t, Options{}, "*.example.com")
	f.cache.Set(context.Background(), authz.Verdict{
		Domain:     "news.example.com",
		Authorized: false,
		Source:     authz.SourceRemoteList,
		ExpiresAt:  epoch.Add(time.Minute),
	})
	f.orch.Start()

	assert.True(t, f.orch.Context().Latch.Blocked())
	assert.Empty(t, f.gw.Calls)
	assert.Empty(t, f.surface.placeholders)
	assert.ElementsMatch(t, []string{"top", "video"}, f.surface.removed)
	assert.Equal(t, authz.SourceCachedList, f.orch.Context().Verdict.Source)

	f.clk.Advance(time.Second)
	f.clk.Flush()
	assert.Equal(t, 0, f.source.calls, "no remote fetch after a cached verdict")
}

func TestOrchestrator_BypassAuthorizationCache(t *testing.T) {
	f := newFixture(t, Options{}, "*.example.com")
	f.orch.Start()
	f.settle(t, f.verdictKnown)
	require.False(t, f.orch.Context().Latch.Blocked())

	f.source.mu.Lock()
	f.source.domains = []string{"*.other.org"}
	f.source.mu.Unlock()

	f.orch.BypassAuthorizationCache()
	f.settle(t, func() bool { return f.orch.Context().Latch.Blocked() })
	assert.Equal(t, 1, f.metrics.Count("Teardowns", TeardownUnauthorized))
}

func TestOrchestrator_BypassRestoresBlockedPageView(t *testing.T) {
	f := newFixture(t, Options{}, "*.other.org")
	f.orch.Start()
	f.settle(t, f.verdictKnown)
	require.True(t, f.orch.Context().Latch.Blocked())
	require.Len(t, f.gw.Calls, 2)

	f.source.mu.Lock()
	f.source.domains = []string{"*.example.com"}
	f.source.mu.Unlock()

	f.orch.BypassAuthorizationCache()
	f.settle(t, func() bool { return len(f.gw.Calls) == 4 })
	assert.False(t, f.orch.Context().Latch.Blocked())
	assert.True(t, f.orch.Context().Verdict.Authorized)
	ctl, ok := f.orch.Slot("top")
	require.True(t, ok)
	assert.Equal(t, slot.Requesting, ctl.State())
}

func TestOrchestrator_BypassCacheOptionSkipsCachedDenial(t *testing.T) {
	f := newFixture(t, Options{BypassCache: true}, "*.example.com")
	f.cache.Set(context.Background(), authz.Verdict{
		Domain:     "news.example.com",
		Authorized: false,
		Source:     authz.SourceRemoteList,
		ExpiresAt:  epoch.Add(time.Minute),
	})
	f.orch.Start()
	assert.Len(t, f.gw.Calls, 2)
	f.settle(t, f.verdictKnown)
	assert.True(t, f.orch.Context().Verdict.Authorized)
	assert.Equal(t, authz.SourceRemoteList, f.orch.Context().Verdict.Source)
}

func TestOrchestrator_PolicyViolationTearsDown(t *testing.T) {
	f := newFixture(t, Options{}, "*.example.com")
	f.orch.Start()
	f.gw.CallsFor("top")[0].Fail(gateway.Err(gateway.ErrPolicyViolation, nil, "invalid traffic"))

	assert.True(t, f.orch.Context().Latch.Blocked())
	assert.Equal(t, 1, f.metrics.Count("Teardowns", TeardownPolicyViolation))
	ctl, ok := f.orch.Slot("video")
	assert.False(t, ok)
	assert.Nil(t, ctl)
}

func TestOrchestrator_PageHiddenPausesRefresh(t *testing.T) {
	f := newFixture(t, Options{}, "*.example.com")
	f.orch.Start()
	f.settle(t, f.verdictKnown)

	f.gw.CallsFor("top")[0].Fill(gateway.Size{W: 728, H: 90})
	f.orch.PageHidden()
	f.clk.Advance(refresh.MinimumInterval)
	assert.Len(t, f.gw.CallsFor("top"), 1)
	assert.True(t, f.orch.Snapshot().PageHidden)

	f.clk.Advance(time.Minute)
	f.orch.PageShown()
	f.clk.Advance(refresh.MinimumInterval - time.Second)
	assert.Len(t, f.gw.CallsFor("top"), 1, "the interval restarts on show")
	f.clk.Advance(time.Second)
	require.Len(t, f.gw.CallsFor("top"), 2)
	assert.True(t, f.gw.Last().Request.Refresh)
	assert.Equal(t, "0", f.gw.Last().Request.Targeting["refresh_count"])
}

func TestOrchestrator_RemovePlacementAndShutdown(t *testing.T) {
	f := newFixture(t, Options{}, "*.example.com")
	f.orch.Start()
	inst := f.gw.CallsFor("top")[0].Fill(gateway.Size{W: 728, H: 90})

	assert.True(t, f.orch.RemovePlacement("top"))
	assert.False(t, f.orch.RemovePlacement("top"))
	assert.False(t, f.orch.RemovePlacement("missing"))
	assert.True(t, inst.Destroyed)
	assert.Equal(t, []string{"top"}, f.surface.removed)

	f.orch.Shutdown()
	f.orch.Shutdown()
	assert.ElementsMatch(t, []string{"top", "video"}, f.surface.removed)
	f.clk.Advance(time.Hour)
	f.clk.Flush()
	assert.Len(t, f.gw.Calls, 2)
	assert.Zero(t, f.metrics.Count("Teardowns", TeardownUnauthorized))
}

func TestOrchestrator_VideoSkippedWithoutSellerEntry(t *testing.T) {
	sellers, err := gateway.ParseSellers([]byte(`{"sellers":[{"seller_id":"pub-1","domain":"another.net"}]}`))
	require.NoError(t, err)
	f := newFixtureWith(t, Options{SellerASI: "adnetwork.test"}, func(d *Deps) { d.Sellers = sellers }, "*.example.com")
	assert.Nil(t, f.orch.Context().SupplyChain)

	f.orch.Start()
	assert.Len(t, f.gw.CallsFor("top"), 1)
	assert.Empty(t, f.gw.CallsFor("video"))
	assert.Equal(t, []string{"video"}, f.surface.reverted)
}

func TestOrchestrator_SupplyChainFromSellers(t *testing.T) {
	sellers, err := gateway.ParseSellers([]byte(`{"sellers":[{"seller_id":"pub-1","domain":"example.com"}]}`))
	require.NoError(t, err)
	clk := clock.NewFake(epoch)
	o := New(catalogue(), Options{PageURL: "https://news.example.com/", SellerASI: "adnetwork.test"}, Deps{
		Sched:    clk,
		Gateway:  gateway.NewFake(clk),
		Geometry: viewability.NewPage(viewability.Rect{W: 1280, H: 800}),
		Sellers:  sellers,
	})
	require.NotNil(t, o.Context().SupplyChain)
	assert.Equal(t, "1.0,1!adnetwork.test,pub-1,1", o.Context().SupplyChain.String())
}

func TestOrchestrator_FirstRenderAndExhaustion(t *testing.T) {
	f := newFixture(t, Options{}, "*.example.com")
	f.orch.Start()

	f.clk.Advance(250 * time.Millisecond)
	f.gw.CallsFor("video")[0].Fill(gateway.Size{W: 640, H: 360})
	assert.Equal(t, 1, f.metrics.Count("FirstRender"))

	f.gw.CallsFor("top")[0].Empty()
	assert.Empty(t, f.surface.reverted, "an empty slot still waits for refresh")
}

func TestOrchestrator_LayoutChangedDrivesViewability(t *testing.T) {
	f := newFixture(t, Options{}, "*.example.com")
	f.orch.Start()
	f.gw.CallsFor("video")[0].Fill(gateway.Size{W: 640, H: 360})
	ctl, ok := f.orch.Slot("video")
	require.True(t, ok)

	f.page.ScrollTo(0, 3000)
	f.orch.LayoutChanged()
	assert.Equal(t, slot.Paused, ctl.State())

	f.page.ScrollTo(0, 0)
	f.orch.LayoutChanged()
	assert.Equal(t, slot.Playing, ctl.State())
}

func floatingCatalogue() []placements.Placement {
	cat := catalogue()
	cat[1].Floating = true
	return cat
}

func newFloatingFixture(t *testing.T) (*fixture, *pageLayout) {
	t.Helper()
	var layout *pageLayout
	f := newCatalogueFixture(t, floatingCatalogue(), Options{}, func(d *Deps) {
		layout = &pageLayout{page: d.Geometry.(*viewability.Page), wrappers: make(map[string]viewability.Rect)}
		layout.setWrapper("video", viewability.Rect{Y: 200, W: 640, H: 360})
		d.Layout = layout
	}, "*.example.com")
	return f, layout
}

func slotView(snap Snapshot, id string) SlotView {
	for _, s := range snap.Slots {
		if s.ID == id {
			return s
		}
	}
	return SlotView{}
}

func TestOrchestrator_FloatsPlayingVideoOnScrollOut(t *testing.T) {
	f, layout := newFloatingFixture(t)
	f.orch.Start()
	inst := f.gw.CallsFor("video")[0].Fill(gateway.Size{W: 640, H: 360})
	ctl, ok := f.orch.Slot("video")
	require.True(t, ok)

	f.page.ScrollTo(0, 3000)
	f.orch.LayoutChanged()

	assert.Equal(t, slot.Playing, ctl.State(), "a floated player stays in view")
	assert.True(t, slotView(f.orch.Snapshot(), "video").Floating)
	assert.Equal(t, []string{"placeholder:video:360", "float:video:300x169"}, layout.ops)
	assert.Equal(t, 1, f.metrics.Count("FloatingTransitions", "enter"))

	f.clk.Advance(349 * time.Millisecond)
	assert.Empty(t, inst.Resizes, "resize waits for the layout to settle")
	f.clk.Advance(time.Millisecond)
	assert.Equal(t, []gateway.Size{{W: 300, H: 169}}, inst.Resizes)

	f.page.ScrollTo(0, 4000)
	f.orch.LayoutChanged()
	assert.Equal(t, slot.Playing, ctl.State())
	assert.Equal(t, 1, f.metrics.Count("FloatingTransitions", "enter"))

	f.page.ScrollTo(0, 0)
	f.orch.LayoutChanged()
	assert.False(t, slotView(f.orch.Snapshot(), "video").Floating)
	assert.Equal(t, slot.Playing, ctl.State())
	assert.Equal(t, []string{"unplaceholder:video", "dock:video"}, layout.ops[2:])
	assert.Equal(t, 1, f.metrics.Count("FloatingTransitions", "exit"))

	f.clk.Advance(350 * time.Millisecond)
	assert.Equal(t, []gateway.Size{{W: 300, H: 169}, {W: 640, H: 360}}, inst.Resizes)
}

func TestOrchestrator_FloatingDocksWhenPlaybackEnds(t *testing.T) {
	f, layout := newFloatingFixture(t)
	f.orch.Start()
	f.gw.CallsFor("video")[0].Fill(gateway.Size{W: 640, H: 360})

	f.page.ScrollTo(0, 3000)
	f.orch.LayoutChanged()
	require.True(t, slotView(f.orch.Snapshot(), "video").Floating)

	f.gw.CallsFor("video")[0].Emit(gateway.EventCompleted)
	assert.False(t, slotView(f.orch.Snapshot(), "video").Floating)
	assert.Contains(t, layout.ops, "dock:video")
}

func TestOrchestrator_NonRefreshingSlotRevertsAfterRetries(t *testing.T) {
	cat := catalogue()
	cat[0].Refresh = false
	f := newCatalogueFixture(t, cat, Options{}, nil, "*.example.com")
	f.orch.Start()

	retries := slot.DefaultRetryPolicy().MaxRetries
	for i := 0; i < retries; i++ {
		f.gw.CallsFor("top")[i].Fail(gateway.Err(gateway.ErrTransient, nil, "timeout"))
		assert.NotContains(t, f.surface.reverted, "top", "the placeholder stays while retries remain")
		f.clk.Advance(time.Minute)
		require.Len(t, f.gw.CallsFor("top"), i+2)
	}
	f.gw.CallsFor("top")[retries].Fail(gateway.Err(gateway.ErrTransient, nil, "timeout"))

	ctl, ok := f.orch.Slot("top")
	require.True(t, ok)
	assert.Equal(t, slot.RefreshWaiting, ctl.State())
	assert.True(t, ctl.Exhausted())
	assert.Equal(t, []string{"top"}, f.surface.reverted)
}
