package orchestrator

import (
	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/position"
	"github.com/patrickwarner/openadtag/internal/slot"
)

type ConsentView struct {
	Settled              bool   `json:"settled"`
	HasConsent           bool   `json:"has_consent"`
	NonPersonalizedOnly  bool   `json:"npa"`
	RestrictedProcessing bool   `json:"rdp"`
	Region               string `json:"region"`
	ResolvedVia          string `json:"resolved_via"`
}

type Snapshot struct {
	Domain     string            `json:"domain"`
	Consent    ConsentView       `json:"consent"`
	Verdict    *authz.Verdict    `json:"verdict,omitempty"`
	Blocked    bool              `json:"blocked"`
	PageHidden bool              `json:"page_hidden"`
	PPID       string            `json:"ppid,omitempty"`
	Targeting  map[string]string `json:"targeting,omitempty"`
	Slots      []SlotView        `json:"slots"`
}

type SlotView struct {
	slot.Slot
	Floating bool `json:"floating"`
	Removed  bool `json:"removed"`
}

// Snapshot returns a copy of the page view state.
func (o *Orchestrator) Snapshot() Snapshot {
	c := o.ctx
	s := Snapshot{
		Domain: c.Domain,
		Consent: ConsentView{
			Settled:              c.ConsentSettled,
			HasConsent:           c.Consent.HasConsent,
			NonPersonalizedOnly:  c.Consent.NonPersonalizedOnly,
			RestrictedProcessing: c.Consent.RestrictedProcessing,
			Region:               c.Consent.Region.String(),
			ResolvedVia:          c.Consent.ResolvedVia.String(),
		},
		Blocked:    c.Latch.Blocked(),
		PageHidden: o.refresh.Hidden(),
		PPID:       c.PPID,
		Targeting:  c.Targeting,
		Slots:      make([]SlotView, 0, len(o.order)),
	}
	if c.VerdictKnown {
		v := c.Verdict
		s.Verdict = &v
	}
	for _, id := range o.order {
		m := o.slots[id]
		view := SlotView{Slot: m.ctl.Snapshot(), Removed: m.removed}
		if m.pos != nil {
			view.Floating = m.pos.Mode() == position.Floating
		}
		s.Slots = append(s.Slots, view)
	}
	return s
}
