package api

import (
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/viewability"
)

// floatMargin is the gap between a floated player and the viewport corner.
const floatMargin = 16

// SurfaceOp is one DOM change the page adapter must apply.
type SurfaceOp struct {
	Op          string        `json:"op"`
	PlacementID string        `json:"placement_id"`
	Height      float64       `json:"height,omitempty"`
	Size        *gateway.Size `json:"size,omitempty"`
}

const (
	OpShowPlaceholder   = "show_placeholder"
	OpRemove            = "remove"
	OpRevert            = "revert"
	OpFloatPlaceholder  = "float_placeholder"
	OpRemovePlaceholder = "remove_placeholder"
	OpFloat             = "float"
	OpDock              = "dock"
)

// pageView mirrors the publisher page inside the daemon. The adapter reports
// wrapper positions; containers follow their wrapper except while floating.
// It implements position.Layout and is only touched on the loop.
type pageView struct {
	geo      *viewability.Page
	wrappers map[string]viewability.Rect
	floating map[string]gateway.Size
	ops      []SurfaceOp
}

func newPageView(viewport viewability.Rect) *pageView {
	return &pageView{
		geo:      viewability.NewPage(viewport),
		wrappers: make(map[string]viewability.Rect),
		floating: make(map[string]gateway.Size),
	}
}

// setWrapper records where the inline wrapper of id sits in the page.
func (p *pageView) setWrapper(id string, r viewability.Rect) {
	p.wrappers[id] = r
	if size, ok := p.floating[id]; ok {
		p.pin(id, size)
		return
	}
	p.geo.SetRect(id, r)
}

func (p *pageView) setViewport(vp viewability.Rect) {
	p.geo.SetViewport(vp)
	for id, size := range p.floating {
		p.pin(id, size)
	}
}

// pin keeps a floating container in the bottom-right corner.
func (p *pageView) pin(id string, size gateway.Size) {
	vp := p.geo.Viewport()
	w, h := float64(size.W), float64(size.H)
	p.geo.SetFixed(id, viewability.Rect{
		X: max(vp.W-w-floatMargin, 0),
		Y: max(vp.H-h-floatMargin, 0),
		W: w,
		H: h,
	})
}

func (p *pageView) drain() []SurfaceOp {
	ops := p.ops
	p.ops = nil
	return ops
}

func (p *pageView) push(op SurfaceOp) { p.ops = append(p.ops, op) }

// pageSurface is the orchestrator.Surface side of a pageView.
type pageSurface struct{ p *pageView }

func (s pageSurface) ShowPlaceholder(id string) {
	s.p.push(SurfaceOp{Op: OpShowPlaceholder, PlacementID: id})
}

func (s pageSurface) Remove(id string) {
	delete(s.p.floating, id)
	delete(s.p.wrappers, id)
	s.p.geo.Remove(id)
	s.p.push(SurfaceOp{Op: OpRemove, PlacementID: id})
}

func (s pageSurface) Revert(id string) {
	s.p.push(SurfaceOp{Op: OpRevert, PlacementID: id})
}

func (p *pageView) WrapperRect(id string) (viewability.Rect, bool) {
	r, ok := p.wrappers[id]
	return r, ok
}

func (p *pageView) Viewport() viewability.Rect { return p.geo.Viewport() }

func (p *pageView) ContainerSize(id string) gateway.Size {
	r := p.wrappers[id]
	return gateway.Size{W: int(r.W), H: int(r.H)}
}

// ShowPlaceholder holds the wrapper height while the player is floated.
func (p *pageView) ShowPlaceholder(id string, height float64) {
	p.push(SurfaceOp{Op: OpFloatPlaceholder, PlacementID: id, Height: height})
}

func (p *pageView) RemovePlaceholder(id string) {
	p.push(SurfaceOp{Op: OpRemovePlaceholder, PlacementID: id})
}

func (p *pageView) Float(id string, size gateway.Size) {
	p.floating[id] = size
	p.pin(id, size)
	p.push(SurfaceOp{Op: OpFloat, PlacementID: id, Size: &size})
}

func (p *pageView) Dock(id string) {
	delete(p.floating, id)
	if r, ok := p.wrappers[id]; ok {
		p.geo.SetRect(id, r)
	}
	p.push(SurfaceOp{Op: OpDock, PlacementID: id})
}
