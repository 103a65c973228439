package viewability

import "sync"

// Rect is an axis-aligned rectangle in page coordinates (CSS pixels).
type Rect struct {
	X, Y, W, H float64
}

func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

func (r Rect) Bottom() float64 { return r.Y + r.H }
func (r Rect) Right() float64  { return r.X + r.W }

// Intersect returns the overlap of r and o, or a zero Rect.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.Right(), o.Right()), min(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Above reports whether r lies entirely above vp.
func (r Rect) Above(vp Rect) bool { return r.Bottom() <= vp.Y }

// Below reports whether r lies entirely below vp.
func (r Rect) Below(vp Rect) bool { return r.Y >= vp.Bottom() }

// Geometry reports the current viewport and placement rectangles.
type Geometry interface {
	Viewport() Rect
	Rect(id string) (Rect, bool)
}

// Page is an in-memory Geometry fed by the page adapter.
type Page struct {
	mu       sync.RWMutex
	viewport Rect
	rects    map[string]Rect
	// fixed placements are positioned relative to the viewport.
	fixed map[string]bool
}

func NewPage(viewport Rect) *Page {
	return &Page{viewport: viewport, rects: make(map[string]Rect), fixed: make(map[string]bool)}
}

func (p *Page) Viewport() Rect {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewport
}

func (p *Page) Rect(id string) (Rect, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.rects[id]
	if ok && p.fixed[id] {
		r.X += p.viewport.X
		r.Y += p.viewport.Y
	}
	return r, ok
}

func (p *Page) SetViewport(vp Rect) {
	p.mu.Lock()
	p.viewport = vp
	p.mu.Unlock()
}

// ScrollTo moves the viewport origin, keeping its size.
func (p *Page) ScrollTo(x, y float64) {
	p.mu.Lock()
	p.viewport.X, p.viewport.Y = x, y
	p.mu.Unlock()
}

func (p *Page) SetRect(id string, r Rect) {
	p.mu.Lock()
	p.rects[id] = r
	delete(p.fixed, id)
	p.mu.Unlock()
}

// SetFixed places id at r relative to the viewport origin, so it keeps its
// on-screen position while the page scrolls.
func (p *Page) SetFixed(id string, r Rect) {
	p.mu.Lock()
	p.rects[id] = r
	p.fixed[id] = true
	p.mu.Unlock()
}

func (p *Page) Remove(id string) {
	p.mu.Lock()
	delete(p.rects, id)
	delete(p.fixed, id)
	p.mu.Unlock()
}
