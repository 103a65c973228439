package authz

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/observability"
)

// DefaultTTL is how long a verdict stays cached.
const DefaultTTL = 5 * time.Minute

type Options struct {
	Mode Mode
	TTL  time.Duration
	// Fallback is consulted when the remote list cannot be used. Nil selects
	// the embedded list.
	Fallback []string
}

// Gate resolves domain authorization. Check blocks on the network and must
// not run on the scheduler goroutine; CheckAsync hands the verdict back to it.
type Gate struct {
	source  ListSource
	cache   Cache
	opts    Options
	now     func() time.Time
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

func NewGate(source ListSource, cache Cache, opts Options, now func() time.Time, logger *zap.Logger, metrics observability.MetricsRegistry) *Gate {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Fallback == nil {
		opts.Fallback = EmbeddedFallback()
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Gate{source: source, cache: cache, opts: opts, now: now, logger: logger, metrics: metrics}
}

// Cached returns an unexpired cached verdict without touching the network.
func (g *Gate) Cached(ctx context.Context, domain string) (Verdict, bool) {
	d := Normalize(domain)
	v, ok := g.cache.Get(ctx, d)
	if !ok {
		return Verdict{}, false
	}
	if !g.now().Before(v.ExpiresAt) {
		g.cache.Delete(ctx, d)
		return Verdict{}, false
	}
	v.Source = SourceCachedList
	return v, true
}

// Check returns the verdict for domain: cache first, then the remote list,
// then the fallback list.
func (g *Gate) Check(ctx context.Context, domain string) Verdict {
	if v, ok := g.Cached(ctx, domain); ok {
		g.record(v)
		return v
	}
	return g.fetch(ctx, domain, false)
}

// CheckFresh ignores and replaces any cached verdict and asks the list source
// to bypass intermediate caches.
func (g *Gate) CheckFresh(ctx context.Context, domain string) Verdict {
	g.cache.Delete(ctx, Normalize(domain))
	return g.fetch(ctx, domain, true)
}

// CheckAsync runs Check on a helper goroutine and posts done onto sched.
func (g *Gate) CheckAsync(ctx context.Context, sched clock.Scheduler, domain string, fresh bool, done func(Verdict)) {
	go func() {
		var v Verdict
		func() {
			defer func() {
				if r := recover(); r != nil {
					g.logger.Error("authorization check panicked", zap.String("panic", fmt.Sprint(r)))
					v = g.fallback(domain)
				}
			}()
			if fresh {
				v = g.CheckFresh(ctx, domain)
			} else {
				v = g.Check(ctx, domain)
			}
		}()
		sched.Post(func() { done(v) })
	}()
}

func (g *Gate) fetch(ctx context.Context, domain string, bypass bool) Verdict {
	d := Normalize(domain)
	if g.source == nil {
		return g.fallback(domain)
	}
	domains, err := g.source.Fetch(ctx, bypass)
	if err != nil {
		g.logger.Warn("authorization list fetch failed, using fallback list",
			zap.String("domain", d),
			zap.Error(err),
		)
		return g.fallback(domain)
	}

	v := g.decide(d, domains, SourceRemoteList)
	g.cache.Set(ctx, v)
	g.record(v)
	return v
}

// fallback verdicts are not cached so the next page view retries the remote list.
func (g *Gate) fallback(domain string) Verdict {
	v := g.decide(Normalize(domain), g.opts.Fallback, SourceFallbackList)
	g.record(v)
	return v
}

func (g *Gate) decide(domain string, domains []string, src Source) Verdict {
	listed := Matches(domain, domains)
	authorized := listed
	if g.opts.Mode == ModeDeny {
		authorized = !listed
	}
	return Verdict{
		Domain:     domain,
		Authorized: authorized,
		Source:     src,
		ExpiresAt:  g.now().Add(g.opts.TTL),
	}
}

func (g *Gate) record(v Verdict) {
	g.metrics.IncrementAuthorizationVerdicts(v.Source.String(), v.Authorized)
	fields := []zap.Field{
		zap.String("domain", v.Domain),
		zap.String("source", v.Source.String()),
		zap.String("mode", g.opts.Mode.String()),
	}
	if v.Authorized {
		g.logger.Debug("domain authorized", fields...)
	} else {
		g.logger.Warn("domain not authorized for ad delivery", fields...)
	}
}
