package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/openadtag/internal/api"
	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/config"
	"github.com/patrickwarner/openadtag/internal/db"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/geoip"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/placements"
)

const sweepInterval = time.Minute

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerForPage(cfg.ServiceName, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pages that ask for ?debug=1 log through this one.
	debugLogger, err := observability.InitLoggerForPage(cfg.ServiceName, true)
	if err != nil {
		return fmt.Errorf("init debug logger: %w", err)
	}
	// InitLoggerWithLevel installs its result globally; keep the main logger there.
	zap.ReplaceGlobals(logger)

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.ScriptVersion, cfg.Environment, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	var store *db.RedisStore
	if cfg.RedisAddr != "" {
		store, err = db.InitRedis(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer store.Close()
	}

	var geoSvc *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		geoSvc, err = geoip.Init(cfg.GeoIPDB)
		if err != nil {
			logger.Warn("geoip unavailable, region detection falls back to page signals", zap.Error(err))
		} else {
			defer func() { _ = geoSvc.Close() }()
		}
	}

	catalogue, err := placements.Load(cfg.PlacementsFile, logger)
	if err != nil {
		return fmt.Errorf("load placements: %w", err)
	}

	var sellers *gateway.Sellers
	if cfg.SellersFile != "" {
		sellers, err = gateway.LoadSellers(cfg.SellersFile)
		if err != nil {
			return fmt.Errorf("load sellers: %w", err)
		}
	}

	metricsRegistry := observability.NewPrometheusRegistry()

	var source authz.ListSource
	if cfg.AuthListURL != "" {
		source = authz.NewRemoteSource(cfg.AuthListURL, cfg.AuthListTimeout, logger, metricsRegistry)
	} else {
		logger.Warn("AUTH_LIST_URL not set, authorizing from the fallback list only")
	}
	var cache authz.Cache = authz.NewMemoryCache()
	if store != nil {
		cache = authz.NewRedisCache(store, logger)
	}
	gate := authz.NewGate(source, cache, cfg.AuthOptions(), time.Now, logger, metricsRegistry)

	loop := clock.NewLoop(logger)
	srvDeps := api.NewServer(logger, loop, store, geoSvc, gate, catalogue, sellers, metricsRegistry, cfg, nil)
	srvDeps.DebugLogger = debugLogger

	r := srvDeps.Router()
	r.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, cfg.ServiceName),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// The loop outlives the request context so sessions can be shut down on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("ad tag daemon running",
			zap.String("addr", addr),
			zap.Int("placements", len(catalogue.Placements)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopLoop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		if err := loop.Do(shutdownCtx, srvDeps.Shutdown); err != nil {
			logger.Warn("sessions not shut down cleanly", zap.Error(err))
		}
		return nil
	})

	loop.Post(func() { srvDeps.ScheduleSweeps(sweepInterval) })
	return g.Wait()
}
