package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/refresh"
	"github.com/patrickwarner/openadtag/internal/slot"
	"github.com/patrickwarner/openadtag/internal/viewability"
)

type fakeLayout struct {
	page         *viewability.Page
	container    gateway.Size
	placeholders map[string]float64
	floating     map[string]gateway.Size
}

func newFakeLayout(vw float64) *fakeLayout {
	page := viewability.NewPage(viewability.Rect{W: vw, H: 800})
	page.SetRect("slot-1", viewability.Rect{Y: 200, W: 640, H: 360})
	return &fakeLayout{
		page:         page,
		container:    gateway.Size{W: 640, H: 360},
		placeholders: map[string]float64{},
		floating:     map[string]gateway.Size{},
	}
}

func (l *fakeLayout) WrapperRect(id string) (viewability.Rect, bool) { return l.page.Rect(id) }
func (l *fakeLayout) Viewport() viewability.Rect                     { return l.page.Viewport() }
func (l *fakeLayout) ContainerSize(string) gateway.Size              { return l.container }
func (l *fakeLayout) ShowPlaceholder(id string, h float64)           { l.placeholders[id] = h }
func (l *fakeLayout) RemovePlaceholder(id string)                    { delete(l.placeholders, id) }
func (l *fakeLayout) Float(id string, s gateway.Size)                { l.floating[id] = s }
func (l *fakeLayout) Dock(id string)                                 { delete(l.floating, id) }

type allVisible struct{}

func (allVisible) IsVisible(string, float64) bool { return true }

type fixture struct {
	clk     *clock.Fake
	gw      *gateway.Fake
	layout  *fakeLayout
	player  *slot.Controller
	ctl     *Controller
	metrics *observability.MockMetricsRegistry
	inst    *gateway.FakeInstance
}

func newFixture(t *testing.T, vw float64) *fixture {
	t.Helper()
	f := &fixture{
		clk:     clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		layout:  newFakeLayout(vw),
		metrics: observability.NewMockMetricsRegistry(),
	}
	f.gw = gateway.NewFake(f.clk)
	f.player = slot.NewController(slot.Config{ID: "slot-1", Kind: gateway.KindVideo}, slot.Env{
		Sched:   f.clk,
		Gateway: f.gw,
		Refresh: refresh.NewScheduler(refresh.DefaultPolicy(), f.clk, allVisible{}, nil, nil),
		Logger:  zap.NewNop(),
	})
	f.ctl = New("slot-1", f.player, f.layout, f.clk, DefaultOptions(), f.metrics, zap.NewNop())
	f.player.Start()
	f.inst = f.gw.Last().Fill(gateway.Size{W: 640, H: 360})
	require.Equal(t, slot.Playing, f.player.State())
	return f
}

func (f *fixture) scroll(y float64) {
	f.layout.page.ScrollTo(0, y)
	f.ctl.Update()
}

func TestController_FloatsAndDocks(t *testing.T) {
	f := newFixture(t, 1280)

	f.scroll(3000)
	assert.Equal(t, Floating, f.ctl.Mode())
	assert.Equal(t, 360.0, f.layout.placeholders["slot-1"])
	assert.Equal(t, Footprint, f.layout.floating["slot-1"])

	f.clk.Advance(SettleDelay - time.Millisecond)
	assert.Empty(t, f.inst.Resizes)
	f.clk.Advance(time.Millisecond)
	require.Len(t, f.inst.Resizes, 1)
	assert.Equal(t, gateway.Size{W: 300, H: 169}, f.inst.Size)

	f.scroll(0)
	assert.Equal(t, Inline, f.ctl.Mode())
	assert.Empty(t, f.layout.placeholders)
	assert.Empty(t, f.layout.floating)
	f.clk.Advance(SettleDelay)
	assert.Equal(t, gateway.Size{W: 640, H: 360}, f.inst.Size)

	assert.Equal(t, 1, f.metrics.Count("FloatingTransitions", "enter"))
	assert.Equal(t, 1, f.metrics.Count("FloatingTransitions", "exit"))
}

func TestController_CompactFootprintOnNarrowViewport(t *testing.T) {
	f := newFixture(t, 768)
	f.scroll(3000)
	f.clk.Advance(SettleDelay)
	assert.Equal(t, CompactFootprint, f.inst.Size)
}

func TestController_PartiallyVisibleStaysInline(t *testing.T) {
	f := newFixture(t, 1280)
	f.scroll(400)
	assert.Equal(t, Inline, f.ctl.Mode())
}

func TestController_OnlyPlayingAdsFloat(t *testing.T) {
	f := newFixture(t, 1280)
	f.player.Pause()
	f.scroll(3000)
	assert.Equal(t, Inline, f.ctl.Mode())
}

func TestController_ReentryResumesPausedAd(t *testing.T) {
	f := newFixture(t, 1280)
	f.scroll(3000)
	f.player.Pause()
	require.Equal(t, slot.Paused, f.player.State())

	f.scroll(0)
	assert.Equal(t, Inline, f.ctl.Mode())
	assert.Equal(t, slot.Playing, f.player.State())
}

func TestController_PlaybackEndDocks(t *testing.T) {
	f := newFixture(t, 1280)
	f.scroll(3000)
	f.gw.Last().Emit(gateway.EventCompleted)
	assert.Equal(t, Inline, f.ctl.Mode())
	assert.Empty(t, f.layout.floating)
}

func TestController_NewTransitionCancelsSettle(t *testing.T) {
	f := newFixture(t, 1280)
	f.scroll(3000)
	f.clk.Advance(100 * time.Millisecond)
	f.scroll(0)
	f.clk.Advance(SettleDelay)
	require.Len(t, f.inst.Resizes, 1)
	assert.Equal(t, gateway.Size{W: 640, H: 360}, f.inst.Resizes[0])
}

func TestController_Close(t *testing.T) {
	f := newFixture(t, 1280)
	f.scroll(3000)
	f.ctl.Close()
	assert.Equal(t, Inline, f.ctl.Mode())

	f.clk.Advance(time.Second)
	assert.Empty(t, f.inst.Resizes)
	f.scroll(3000)
	assert.Equal(t, Inline, f.ctl.Mode())
}
