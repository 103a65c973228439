package api

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/consent"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/orchestrator"
	"github.com/patrickwarner/openadtag/internal/placements"
	"github.com/patrickwarner/openadtag/internal/position"
	"github.com/patrickwarner/openadtag/internal/targeting"
	"github.com/patrickwarner/openadtag/internal/viewability"
)

// Rect is the wire form of a page rectangle in CSS pixels.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Rect) geometry() viewability.Rect {
	return viewability.Rect{X: r.X, Y: r.Y, W: r.W, H: r.H}
}

type PlacementRect struct {
	ID   string `json:"id"`
	Rect Rect   `json:"rect"`
}

// ConsentPayloads holds the CMP answers the adapter collected, keyed by API
// command (e.g. "ping", "getGPPData", "addEventListener", "getUSPData").
// A missing framework is reported as absent.
type ConsentPayloads struct {
	GPP map[string]json.RawMessage `json:"gpp,omitempty"`
	TCF map[string]json.RawMessage `json:"tcf,omitempty"`
	USP map[string]json.RawMessage `json:"usp,omitempty"`
}

type PublisherContext struct {
	Category           string    `json:"category"`
	DetectedCategories []string  `json:"detected_categories"`
	ContentType        string    `json:"content_type"`
	LoginStatus        string    `json:"login_status"`
	SubStatus          string    `json:"sub_status"`
	Engagement         string    `json:"engagement"`
	Author             string    `json:"author"`
	PublishDate        time.Time `json:"publish_date"`
	Tags               []string  `json:"tags"`
}

// CreateSessionRequest describes one page view.
type CreateSessionRequest struct {
	PageURL      string           `json:"page_url"`
	Referrer     string           `json:"referrer"`
	VisitorID    string           `json:"visitor_id"`
	PPID         string           `json:"ppid"`
	Timezone     string           `json:"timezone"`
	Languages    []string         `json:"languages"`
	PageLanguage string           `json:"page_language"`
	CMPPresent   bool             `json:"cmp_present"`
	Screen       Rect             `json:"screen"`
	Viewport     Rect             `json:"viewport"`
	DPR          float64          `json:"dpr"`
	Placements   []PlacementRect  `json:"placements"`
	Context      PublisherContext `json:"context"`
	Consent      ConsentPayloads  `json:"consent"`
}

type CreateSessionResponse struct {
	SessionID  string   `json:"session_id"`
	Token      string   `json:"token"`
	Placements []string `json:"placements"`
	Debug      bool     `json:"debug"`
}

// Session is one page view running on the shared loop.
type Session struct {
	ID        string
	Domain    string
	VisitorID string
	CreatedAt time.Time

	orch     *orchestrator.Orchestrator
	page     *pageView
	gw       gateway.Gateway
	logger   *zap.Logger
	lastSeen time.Time
}

// recordedEndpoint replays CMP answers captured by the page adapter.
func recordedEndpoint(answers map[string]json.RawMessage) consent.Endpoint {
	if len(answers) == 0 {
		return nil
	}
	return consent.EndpointFunc(func(command string, _ int, cb func([]byte, bool)) {
		payload, ok := answers[command]
		cb(payload, ok)
	})
}

func consentProviders(p ConsentPayloads, vendorID int) []consent.Provider {
	var out []consent.Provider
	if ep := recordedEndpoint(p.GPP); ep != nil {
		out = append(out, &consent.GPP{Endpoint: ep})
	}
	if ep := recordedEndpoint(p.TCF); ep != nil {
		out = append(out, &consent.TCF{Endpoint: ep, VendorID: vendorID})
	}
	if ep := recordedEndpoint(p.USP); ep != nil {
		out = append(out, &consent.USPrivacy{Endpoint: ep})
	}
	return out
}

// pageInputs is what the blocking preparation step gathers off-loop.
type pageInputs struct {
	ip       string
	ua       string
	location string
	ppid     string
	ppidSrc  targeting.PPIDSource
	session  targeting.Session
}

// prepare does the storage and GeoIP work for a new session. It runs on the
// request goroutine.
func (s *Server) prepare(ctx context.Context, id string, req CreateSessionRequest, ip, ua string) pageInputs {
	in := pageInputs{ip: ip, ua: ua}
	if s.GeoIP != nil {
		in.location = s.GeoIP.Lookup(ip).Country
	}
	domain := authz.Normalize(req.PageURL)
	in.ppid, in.ppidSrc = s.ppid.Resolve(ctx, req.PPID, domain, req.VisitorID)

	var counters targeting.CounterStore
	if s.Store != nil {
		counters = s.Store
	}
	in.session = targeting.CountPageView(ctx, counters, req.VisitorID, id, s.now(), s.Logger)
	return in
}

// build assembles the orchestrator for a session. It runs on the loop.
func (s *Server) build(id string, req CreateSessionRequest, in pageInputs, logger *zap.Logger) *Session {
	page := newPageView(req.Viewport.geometry())
	for _, p := range req.Placements {
		page.setWrapper(p.ID, p.Rect.geometry())
	}

	catalogue := s.catalogueFor(req.Placements)
	resolver := consent.NewResolver(s.Loop, consent.Options{
		Timeout: s.Config.ConsentTimeout,
		Signals: consent.RegionSignals{
			Country:    in.location,
			Timezone:   req.Timezone,
			CMPPresent: req.CMPPresent,
			Languages:  req.Languages,
		},
		AutoConsentOutsideEU: s.Config.AutoConsentOutsideEU,
	}, logger, s.Metrics, consentProviders(req.Consent, s.Config.PublisherID)...)

	tctx := targeting.Context{
		PageURL:            req.PageURL,
		Referrer:           req.Referrer,
		UserAgent:          in.ua,
		PageLanguage:       req.PageLanguage,
		Timezone:           req.Timezone,
		ScreenW:            req.Screen.W,
		ScreenH:            req.Screen.H,
		ViewportW:          req.Viewport.W,
		ViewportH:          req.Viewport.H,
		DevicePixelRatio:   req.DPR,
		Category:           req.Context.Category,
		DetectedCategories: req.Context.DetectedCategories,
		ContentType:        req.Context.ContentType,
		LoginStatus:        req.Context.LoginStatus,
		SubStatus:          req.Context.SubStatus,
		Engagement:         req.Context.Engagement,
		Author:             req.Context.Author,
		PublishDate:        req.Context.PublishDate,
		Tags:               req.Context.Tags,
		Session:            in.session,
		Country:            in.location,
	}
	if len(req.Languages) > 0 {
		tctx.Language = req.Languages[0]
	}
	builder := targeting.Builder{ScriptVersion: s.Config.ScriptVersion, Now: s.Loop.Now}
	ppidEnabled := in.ppidSrc != targeting.PPIDSession

	gw := s.NewGateway(s.Loop, logger)
	orch := orchestrator.New(catalogue, orchestrator.Options{
		PageURL:   req.PageURL,
		UserAgent: in.ua,
		IP:        in.ip,
		PPID:      in.ppid,
		Targeting: func(st consent.State) map[string]string {
			return builder.Build(tctx, st, ppidEnabled, len(catalogue))
		},
		StrictAuthorization: s.Config.StrictAuthorization,
		BypassCache:         bypassRequested(req.PageURL),
		Refresh:             s.Config.RefreshPolicy(),
		Retry:               s.Config.RetryPolicy(),
		Position:            position.DefaultOptions(),
		Dwell:               s.Config.DisplayDwell,
		SellerASI:           s.Config.SellerASI,
	}, orchestrator.Deps{
		Sched:    s.Loop,
		Consent:  resolver,
		Gate:     s.Gate,
		Gateway:  gw,
		Geometry: page.geo,
		Layout:   page,
		Surface:  pageSurface{p: page},
		Sellers:  s.Sellers,
		Logger:   logger,
		Metrics:  s.Metrics,
	})

	now := s.now()
	return &Session{
		ID:        id,
		Domain:    authz.Normalize(req.PageURL),
		VisitorID: req.VisitorID,
		CreatedAt: now,
		orch:      orch,
		page:      page,
		gw:        gw,
		logger:    logger,
		lastSeen:  now,
	}
}

// catalogueFor keeps the configured placements the page actually carries,
// in page order. Unknown ids are logged and skipped.
func (s *Server) catalogueFor(rects []PlacementRect) []placements.Placement {
	var out []placements.Placement
	seen := make(map[string]bool, len(rects))
	for _, r := range rects {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		p, ok := s.Catalogue.Get(r.ID)
		if !ok {
			s.Logger.Warn("page carries unknown placement", zap.String("placement_id", r.ID),
				zap.Error(gateway.Err(gateway.ErrConfiguration, nil, "placement %s not configured", r.ID)))
			continue
		}
		out = append(out, p)
	}
	return out
}

func newSessionID() string { return uuid.NewString() }
