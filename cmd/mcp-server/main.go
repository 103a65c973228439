// Command mcp-server exposes ad tag diagnostics as MCP tools over stdio:
// domain authorization checks, targeting previews and the placement
// catalogue as a page of a given size would see it.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/config"
	"github.com/patrickwarner/openadtag/internal/consent"
	"github.com/patrickwarner/openadtag/internal/db"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/placements"
	"github.com/patrickwarner/openadtag/internal/targeting"
)

type CheckDomainInput struct {
	Domain      string `json:"domain" jsonschema:"publisher domain or page URL to check"`
	BypassCache bool   `json:"bypass_cache,omitempty" jsonschema:"skip the cached verdict and refetch the list"`
}

type CheckDomainOutput struct {
	Domain     string `json:"domain"`
	Authorized bool   `json:"authorized"`
	Source     string `json:"source"`
	ExpiresAt  string `json:"expires_at,omitempty" jsonschema:"RFC 3339 time the verdict expires"`
}

type PreviewTargetingInput struct {
	PageURL     string   `json:"page_url" jsonschema:"URL of the page view"`
	Referrer    string   `json:"referrer,omitempty"`
	UserAgent   string   `json:"user_agent,omitempty"`
	Timezone    string   `json:"timezone,omitempty" jsonschema:"IANA timezone reported by the browser"`
	Languages   []string `json:"languages,omitempty"`
	Country     string   `json:"country,omitempty" jsonschema:"ISO country code, when known"`
	HasConsent  bool     `json:"has_consent,omitempty"`
	NPA         bool     `json:"npa,omitempty" jsonschema:"non-personalized ads only"`
	Category    string   `json:"category,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ViewportW   float64  `json:"viewport_w,omitempty"`
	ViewportH   float64  `json:"viewport_h,omitempty"`
	AdCount     int      `json:"ad_count,omitempty"`
}

type PreviewTargetingOutput struct {
	Region    string            `json:"region"`
	Targeting map[string]string `json:"targeting"`
}

type ListPlacementsInput struct {
	ViewportW float64 `json:"viewport_w" jsonschema:"viewport width in CSS pixels"`
	ViewportH float64 `json:"viewport_h" jsonschema:"viewport height in CSS pixels"`
}

type PlacementInfo struct {
	ID       string   `json:"id"`
	AdUnit   string   `json:"ad_unit"`
	Kind     string   `json:"kind"`
	Refresh  bool     `json:"refresh"`
	Floating bool     `json:"floating"`
	Sizes    []string `json:"sizes"`
}

type ListPlacementsOutput struct {
	Placements []PlacementInfo `json:"placements"`
}

// toolServer holds the dependencies shared by the tools.
type toolServer struct {
	gate      *authz.Gate
	catalogue *placements.Catalogue
	builder   targeting.Builder
	logger    *zap.Logger
}

func (s *toolServer) CheckDomain(ctx context.Context, req *mcp.CallToolRequest, input CheckDomainInput) (*mcp.CallToolResult, CheckDomainOutput, error) {
	if input.Domain == "" {
		return nil, CheckDomainOutput{}, fmt.Errorf("domain is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var v authz.Verdict
	if input.BypassCache {
		v = s.gate.CheckFresh(ctx, input.Domain)
	} else {
		v = s.gate.Check(ctx, input.Domain)
	}
	s.logger.Info("domain checked",
		zap.String("domain", v.Domain),
		zap.Bool("authorized", v.Authorized),
		zap.String("source", v.Source.String()),
	)
	out := CheckDomainOutput{
		Domain:     v.Domain,
		Authorized: v.Authorized,
		Source:     v.Source.String(),
	}
	if !v.ExpiresAt.IsZero() {
		out.ExpiresAt = v.ExpiresAt.Format(time.RFC3339)
	}
	return nil, out, nil
}

func (s *toolServer) PreviewTargeting(ctx context.Context, req *mcp.CallToolRequest, input PreviewTargetingInput) (*mcp.CallToolResult, PreviewTargetingOutput, error) {
	if input.PageURL == "" {
		return nil, PreviewTargetingOutput{}, fmt.Errorf("page_url is required")
	}
	region := consent.DetectRegion(consent.RegionSignals{
		Country:   input.Country,
		Timezone:  input.Timezone,
		Languages: input.Languages,
	})
	st := consent.State{
		HasConsent:          input.HasConsent,
		NonPersonalizedOnly: input.NPA,
		Region:              region,
		ResolvedVia:         consent.SourceRegionHeuristic,
	}
	tctx := targeting.Context{
		PageURL:     input.PageURL,
		Referrer:    input.Referrer,
		UserAgent:   input.UserAgent,
		Timezone:    input.Timezone,
		ViewportW:   input.ViewportW,
		ViewportH:   input.ViewportH,
		Category:    input.Category,
		ContentType: input.ContentType,
		Tags:        input.Tags,
		Country:     input.Country,
	}
	if len(input.Languages) > 0 {
		tctx.Language = input.Languages[0]
	}
	adCount := input.AdCount
	if adCount <= 0 && s.catalogue != nil {
		adCount = len(s.catalogue.Placements)
	}
	return nil, PreviewTargetingOutput{
		Region:    region.String(),
		Targeting: s.builder.Build(tctx, st, false, adCount),
	}, nil
}

func (s *toolServer) ListPlacements(ctx context.Context, req *mcp.CallToolRequest, input ListPlacementsInput) (*mcp.CallToolResult, ListPlacementsOutput, error) {
	out := ListPlacementsOutput{Placements: []PlacementInfo{}}
	if s.catalogue == nil {
		return nil, out, nil
	}
	for _, p := range s.catalogue.Placements {
		info := PlacementInfo{
			ID:       p.ID,
			AdUnit:   p.AdUnitPath,
			Kind:     p.Kind.String(),
			Refresh:  p.Refresh,
			Floating: p.Floating,
		}
		for _, size := range p.Sizes(input.ViewportW, input.ViewportH) {
			info.Sizes = append(info.Sizes, size.String())
		}
		out.Placements = append(out.Placements, info)
	}
	return nil, out, nil
}

func newMCPServer(s *toolServer) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "openadtag",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_domain_authorization",
		Description: "Check whether ads may be delivered on a publisher domain",
	}, s.CheckDomain)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "preview_targeting",
		Description: "Build the key-value targeting a page view would send with its ad requests",
	}, s.PreviewTargeting)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_placements",
		Description: "List configured placements and the sizes requested at a viewport size",
	}, s.ListPlacements)
	return server
}

func main() {
	cfg := config.Load()

	// stdout carries the protocol, so logs go to stderr.
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	logger, err := zcfg.Build(zap.Fields(zap.String("service", cfg.ServiceName+"-mcp")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewNoOpRegistry()

	var cache authz.Cache = authz.NewMemoryCache()
	if cfg.RedisAddr != "" {
		store, err := db.InitRedis(cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory verdict cache", zap.Error(err))
		} else {
			defer store.Close()
			cache = authz.NewRedisCache(store, logger)
		}
	}
	var source authz.ListSource
	if cfg.AuthListURL != "" {
		source = authz.NewRemoteSource(cfg.AuthListURL, cfg.AuthListTimeout, logger, metrics)
	}

	var catalogue *placements.Catalogue
	if c, err := placements.Load(cfg.PlacementsFile, logger); err != nil {
		logger.Warn("placements unavailable", zap.Error(err))
	} else {
		catalogue = c
	}

	tools := &toolServer{
		gate:      authz.NewGate(source, cache, cfg.AuthOptions(), time.Now, logger, metrics),
		catalogue: catalogue,
		builder:   targeting.Builder{ScriptVersion: cfg.ScriptVersion},
		logger:    logger,
	}
	server := newMCPServer(tools)

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio")
	if err := server.Run(context.Background(), transport); err != nil {
		logger.Fatal("server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
