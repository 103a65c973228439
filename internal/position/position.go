// Package position moves a playing placement between its inline slot in the
// page flow and a floating corner player when the reader scrolls past it.
package position

import (
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/slot"
	"github.com/patrickwarner/openadtag/internal/viewability"
)

type Mode int

const (
	Inline Mode = iota
	Floating
)

func (m Mode) String() string {
	if m == Floating {
		return "floating"
	}
	return "inline"
}

const (
	// SettleDelay lets the page finish its layout change before the
	// creative is resized.
	SettleDelay = 350 * time.Millisecond

	CompactBreakpoint = 768
)

var (
	Footprint        = gateway.Size{W: 300, H: 169}
	CompactFootprint = gateway.Size{W: 180, H: 101}
)

// Layout is the page adapter for one set of floating placements.
type Layout interface {
	// WrapperRect is the inline wrapper's position in the page flow.
	WrapperRect(id string) (viewability.Rect, bool)
	Viewport() viewability.Rect
	ContainerSize(id string) gateway.Size
	ShowPlaceholder(id string, height float64)
	RemovePlaceholder(id string)
	Float(id string, size gateway.Size)
	Dock(id string)
}

// Player is satisfied by *slot.Controller.
type Player interface {
	State() slot.State
	Instance() gateway.Instance
	Resume()
	OnStateChange(fn func(from, to slot.State)) func()
}

type Options struct {
	SettleDelay       time.Duration
	Footprint         gateway.Size
	CompactFootprint  gateway.Size
	CompactBreakpoint float64
}

func DefaultOptions() Options {
	return Options{
		SettleDelay:       SettleDelay,
		Footprint:         Footprint,
		CompactFootprint:  CompactFootprint,
		CompactBreakpoint: CompactBreakpoint,
	}
}

// Controller runs on the scheduler goroutine.
type Controller struct {
	id      string
	player  Player
	layout  Layout
	sched   clock.Scheduler
	opts    Options
	metrics observability.MetricsRegistry
	logger  *zap.Logger

	mode        Mode
	settle      clock.Timer
	unsubscribe func()
	closed      bool
}

// New creates an inline controller for the floating placement id.
func New(id string, player Player, layout Layout, sched clock.Scheduler, opts Options, metrics observability.MetricsRegistry, logger *zap.Logger) *Controller {
	d := DefaultOptions()
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = d.SettleDelay
	}
	if opts.Footprint == (gateway.Size{}) {
		opts.Footprint = d.Footprint
	}
	if opts.CompactFootprint == (gateway.Size{}) {
		opts.CompactFootprint = d.CompactFootprint
	}
	if opts.CompactBreakpoint <= 0 {
		opts.CompactBreakpoint = d.CompactBreakpoint
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		id:      id,
		player:  player,
		layout:  layout,
		sched:   sched,
		opts:    opts,
		metrics: metrics,
		logger:  logger.With(zap.String("slot_id", id)),
	}
	c.unsubscribe = player.OnStateChange(c.onPlayerState)
	return c
}

func (c *Controller) Mode() Mode { return c.mode }

// FootprintFor returns the floating size for a viewport of width w.
func (c *Controller) FootprintFor(w float64) gateway.Size {
	if w <= c.opts.CompactBreakpoint {
		return c.opts.CompactFootprint
	}
	return c.opts.Footprint
}

// Update re-evaluates the wrapper position. Call it on scroll and resize.
func (c *Controller) Update() {
	if c.closed {
		return
	}
	r, ok := c.layout.WrapperRect(c.id)
	if !ok {
		return
	}
	vp := c.layout.Viewport()
	outside := r.Above(vp) || r.Below(vp)

	switch c.mode {
	case Inline:
		if outside && c.player.State() == slot.Playing {
			c.enter(vp)
		}
	case Floating:
		if !outside {
			c.exit()
			if c.player.State() == slot.Paused {
				c.player.Resume()
			}
		}
	}
}

// Close cancels pending work and docks a floating placement.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	if c.mode == Floating {
		c.exit()
	}
	c.settle = clock.StopTimer(c.settle)
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.closed = true
}

func (c *Controller) enter(vp viewability.Rect) {
	size := c.FootprintFor(vp.W)
	c.layout.ShowPlaceholder(c.id, float64(c.layout.ContainerSize(c.id).H))
	c.layout.Float(c.id, size)
	c.mode = Floating
	c.metrics.IncrementFloatingTransitions("enter")
	c.logger.Debug("placement floating", zap.String("size", size.String()))
	c.resizeAfterSettle(func() gateway.Size { return size })
}

func (c *Controller) exit() {
	c.layout.RemovePlaceholder(c.id)
	c.layout.Dock(c.id)
	c.mode = Inline
	c.metrics.IncrementFloatingTransitions("exit")
	c.logger.Debug("placement docked")
	c.resizeAfterSettle(func() gateway.Size { return c.layout.ContainerSize(c.id) })
}

func (c *Controller) resizeAfterSettle(size func() gateway.Size) {
	c.settle = clock.StopTimer(c.settle)
	c.settle = c.sched.AfterFunc(c.opts.SettleDelay, func() {
		c.settle = nil
		if inst := c.player.Instance(); inst != nil {
			inst.Resize(size())
		}
	})
}

func (c *Controller) onPlayerState(_, to slot.State) {
	if c.mode != Floating {
		return
	}
	switch to {
	case slot.Completed, slot.Error, slot.Destroyed, slot.RefreshWaiting, slot.RenderedEmpty:
		c.exit()
	}
}
