package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/observability"
)

type HTTPConfig struct {
	// Endpoint is the ad server's OpenRTB endpoint, e.g. http://adserver/ad.
	Endpoint    string
	APIKey      string
	PublisherID int
	Timeout     time.Duration
	// Outbound request ceiling for the whole session.
	RequestsPerSecond float64
	Burst             int
	// VASTBaseURL, when set, is used to build tag URLs for video fills.
	VASTBaseURL string
}

// HTTPGateway speaks the OpenRTB /ad protocol. Network work happens on
// helper goroutines; handlers are invoked on the scheduler.
type HTTPGateway struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	sched   clock.Scheduler
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	tracer  trace.Tracer

	mu sync.Mutex
	// instances holds every creative per slot whose commands the page has
	// not collected yet, oldest first. At most the last one is live.
	instances map[string][]*RemoteInstance
}

func NewHTTPGateway(cfg HTTPConfig, sched clock.Scheduler, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &HTTPGateway{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		sched:     sched,
		logger:    logger,
		metrics:   metrics,
		tracer:    observability.Tracer("gateway"),
		instances: make(map[string][]*RemoteInstance),
	}
}

func (g *HTTPGateway) Request(ctx context.Context, req Request, h Handler) {
	go func() {
		start := time.Now()
		resp, impURL, err := g.do(ctx, req)
		g.metrics.RecordAdRequestLatency(req.Kind.String(), time.Since(start))

		g.sched.Post(func() {
			if err != nil {
				h.OnResponse(Response{}, nil, err)
				return
			}
			if resp.Empty {
				h.OnResponse(resp, nil, nil)
				return
			}
			inst := g.register(req.SlotID, h)
			h.OnResponse(resp, inst, nil)
			if impURL != "" {
				go g.ping(impURL)
			}
		})
	}()
}

func (g *HTTPGateway) do(ctx context.Context, req Request) (resp Response, impURL string, err error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Request",
		trace.WithAttributes(
			attribute.String("slot_id", req.SlotID),
			attribute.String("ad_unit", req.AdUnitPath),
			attribute.String("kind", req.Kind.String()),
			attribute.Bool("refresh", req.Refresh),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ClassName(err))
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = Err(ErrTransient, nil, "ad request panicked: %v", r)
		}
	}()

	if err := g.limiter.Wait(ctx); err != nil {
		g.metrics.IncrementRateLimitHits("gateway")
		return Response{}, "", Err(ErrTransient, err, "rate limited")
	}

	rtb := BuildOpenRTBRequest(uuid.NewString(), g.cfg.PublisherID, req)
	body, err := json.Marshal(rtb)
	if err != nil {
		return Response{}, "", Err(ErrConfiguration, err, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, "", Err(ErrConfiguration, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", g.cfg.APIKey)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	if req.IP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.IP)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, "", Err(ErrTransient, err, "ad request failed")
	}
	defer func() {
		if cerr := httpResp.Body.Close(); cerr != nil {
			g.logger.Warn("failed to close ad response body", zap.Error(cerr))
		}
	}()

	switch {
	case httpResp.StatusCode == http.StatusNoContent:
		return Response{Empty: true}, "", nil
	case httpResp.StatusCode >= 500:
		return Response{}, "", Err(ErrTransient, nil, "ad server status %d", httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		return Response{}, "", Err(ErrConfiguration, nil, "ad server rejected request: status %d", httpResp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return Response{}, "", Err(ErrTransient, err, "read ad response")
	}
	var out OpenRTBResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, "", Err(ErrTransient, err, "decode ad response")
	}

	bid, ok := firstBid(out)
	if !ok {
		span.SetAttributes(attribute.String("ad.result", "no_fill"))
		return Response{Empty: true}, "", nil
	}

	resp = Response{
		CreativeID: bid.CrID,
		CampaignID: bid.CID,
		Markup:     bid.Adm,
		Size:       Size{W: bid.W, H: bid.H},
	}
	if resp.Size.W == 0 && len(req.Sizes) > 0 {
		resp.Size = req.Sizes[0]
	}
	if req.Kind == KindVideo && g.cfg.VASTBaseURL != "" {
		tag, err := BuildVASTTagURL(g.cfg.VASTBaseURL, req)
		if err != nil {
			return Response{}, "", err
		}
		resp.TagURL = tag
	}
	span.SetAttributes(attribute.String("ad.result", "filled"), attribute.String("creative_id", bid.CrID))
	if observability.ShouldSample(observability.GetSamplingRate()) {
		g.logger.Info("ad filled",
			zap.String("slot_id", req.SlotID),
			zap.String("creative_id", bid.CrID),
			zap.String("campaign_id", bid.CID),
			zap.String("size", resp.Size.String()),
		)
	}
	return resp, bid.ImpURL, nil
}

func firstBid(resp OpenRTBResponse) (Bid, bool) {
	for _, sb := range resp.SeatBid {
		if len(sb.Bid) > 0 {
			return sb.Bid[0], true
		}
	}
	return Bid{}, false
}

func (g *HTTPGateway) ping(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Debug("impression ping failed", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}

func (g *HTTPGateway) register(slotID string, h Handler) *RemoteInstance {
	inst := &RemoteInstance{slotID: slotID, handler: h, sched: g.sched}
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.instances[slotID][:0]
	for _, old := range g.instances[slotID] {
		if !old.drained() {
			kept = append(kept, old)
		}
	}
	g.instances[slotID] = append(kept, inst)
	return inst
}

// Instance returns the live creative for slotID, if any.
func (g *HTTPGateway) Instance(slotID string) (*RemoteInstance, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.instances[slotID]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].Destroyed() {
			return list[i], true
		}
	}
	return nil, false
}

// Drain returns and clears the pending commands of every creative rendered
// for slotID, oldest first. A destroyed creative is forgotten once its final
// commands have been collected.
func (g *HTTPGateway) Drain(slotID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	kept := g.instances[slotID][:0]
	for _, inst := range g.instances[slotID] {
		out = append(out, inst.Commands()...)
		if !inst.Destroyed() {
			kept = append(kept, inst)
		}
	}
	if len(kept) == 0 {
		delete(g.instances, slotID)
	} else {
		g.instances[slotID] = kept
	}
	return out
}

// RemoteInstance is a creative rendered by the page. Commands are queued for
// the page adapter to apply; playback events flow back through Emit.
type RemoteInstance struct {
	slotID  string
	handler Handler
	sched   clock.Scheduler

	mu        sync.Mutex
	commands  []string
	destroyed bool
}

func (i *RemoteInstance) Pause()           { i.push("pause") }
func (i *RemoteInstance) Resume()          { i.push("resume") }
func (i *RemoteInstance) Resize(size Size) { i.push("resize:" + size.String()) }

func (i *RemoteInstance) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return
	}
	i.destroyed = true
	i.commands = append(i.commands, "destroy")
}

func (i *RemoteInstance) Destroyed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed
}

// Commands returns and clears the pending command queue.
func (i *RemoteInstance) Commands() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.commands
	i.commands = nil
	return out
}

// Emit forwards a playback event reported by the page.
func (i *RemoteInstance) Emit(ev Event) error {
	if i.Destroyed() {
		return fmt.Errorf("slot %s: creative already destroyed", i.slotID)
	}
	if i.handler.OnEvent == nil {
		return nil
	}
	i.sched.Post(func() { i.handler.OnEvent(ev) })
	return nil
}

// drained reports whether a destroyed creative has nothing left to deliver.
func (i *RemoteInstance) drained() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed && len(i.commands) == 0
}

func (i *RemoteInstance) push(cmd string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.destroyed {
		i.commands = append(i.commands, cmd)
	}
}
