// Package orchestrator runs one page view: it settles consent and domain
// authorization, then drives every placement's slot and position controllers.
package orchestrator

import (
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/consent"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/observability"
)

// Context is the per-page-view state shared by every component. It is only
// touched on the scheduler goroutine.
type Context struct {
	Sched   clock.Scheduler
	Logger  *zap.Logger
	Metrics observability.MetricsRegistry
	Latch   *authz.Latch

	Domain         string
	Consent        consent.State
	ConsentSettled bool
	Verdict        authz.Verdict
	VerdictKnown   bool

	PPID        string
	Targeting   map[string]string
	SupplyChain *gateway.SupplyChain
	Correlator  string
}

// Surface renders placement containers on the page.
type Surface interface {
	// ShowPlaceholder displays the loading state before the first ad.
	ShowPlaceholder(id string)
	// Remove deletes the ad container and anything rendered in it.
	Remove(id string)
	// Revert restores the publisher's own content once no ad will be shown.
	Revert(id string)
}

// NopSurface ignores every call.
type NopSurface struct{}

func (NopSurface) ShowPlaceholder(string) {}
func (NopSurface) Remove(string)          {}
func (NopSurface) Revert(string)          {}
