// Package viewability answers "is this placement at least N% inside the
// viewport" and turns geometry changes into edge-triggered events.
package viewability

import "sort"

// DefaultThreshold is the share of a placement's area that must be inside the
// viewport for it to count as viewable.
const DefaultThreshold = 50.0

type subscription struct {
	id int
	fn func()
}

type tracked struct {
	visible  bool
	viewable []subscription
	left     []subscription
}

// Observer must be used from the scheduler goroutine.
type Observer struct {
	geo       Geometry
	threshold float64
	nextID    int
	ids       map[string]*tracked
}

// NewObserver creates an observer. A non-positive threshold selects
// DefaultThreshold.
func NewObserver(geo Geometry, thresholdPercent float64) *Observer {
	if thresholdPercent <= 0 {
		thresholdPercent = DefaultThreshold
	}
	return &Observer{geo: geo, threshold: thresholdPercent, ids: make(map[string]*tracked)}
}

// Threshold returns the percentage used for edge events.
func (o *Observer) Threshold() float64 { return o.threshold }

// Ratio returns the fraction of the placement inside the viewport, 0..1.
func (o *Observer) Ratio(id string) float64 {
	r, ok := o.geo.Rect(id)
	if !ok {
		return 0
	}
	area := r.Area()
	if area == 0 {
		return 0
	}
	return r.Intersect(o.geo.Viewport()).Area() / area
}

// IsVisible reports whether at least thresholdPercent of the placement is
// inside the viewport. Unknown and zero-area placements are never visible.
func (o *Observer) IsVisible(id string, thresholdPercent float64) bool {
	r, ok := o.geo.Rect(id)
	if !ok || r.Area() == 0 {
		return false
	}
	return o.Ratio(id) >= thresholdPercent/100
}

// OnBecameViewable registers fn for the next not-viewable to viewable
// transitions of id. The returned func unsubscribes.
func (o *Observer) OnBecameViewable(id string, fn func()) func() {
	t := o.track(id)
	o.nextID++
	sub := subscription{id: o.nextID, fn: fn}
	t.viewable = append(t.viewable, sub)
	return func() { t.viewable = without(t.viewable, sub.id) }
}

// OnLeftViewport registers fn for viewable to not-viewable transitions of id.
func (o *Observer) OnLeftViewport(id string, fn func()) func() {
	t := o.track(id)
	o.nextID++
	sub := subscription{id: o.nextID, fn: fn}
	t.left = append(t.left, sub)
	return func() { t.left = without(t.left, sub.id) }
}

// Forget drops all subscriptions for id.
func (o *Observer) Forget(id string) {
	delete(o.ids, id)
}

// Update re-evaluates every tracked placement and fires a callback once per
// transition. Call it after scroll, resize or layout changes.
func (o *Observer) Update() {
	ids := make([]string, 0, len(o.ids))
	for id := range o.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t, ok := o.ids[id]
		if !ok {
			continue
		}
		now := o.IsVisible(id, o.threshold)
		if now == t.visible {
			continue
		}
		t.visible = now
		subs := t.left
		if now {
			subs = t.viewable
		}
		for _, s := range append([]subscription(nil), subs...) {
			s.fn()
		}
	}
}

func (o *Observer) track(id string) *tracked {
	t, ok := o.ids[id]
	if !ok {
		t = &tracked{visible: o.IsVisible(id, o.threshold)}
		o.ids[id] = t
	}
	return t
}

func without(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
