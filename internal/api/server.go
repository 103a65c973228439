package api

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/clock"
	"github.com/patrickwarner/openadtag/internal/config"
	"github.com/patrickwarner/openadtag/internal/db"
	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/geoip"
	"github.com/patrickwarner/openadtag/internal/middleware"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/placements"
	"github.com/patrickwarner/openadtag/internal/targeting"
)

// GatewayFactory builds the ad network gateway for one page session.
type GatewayFactory func(sched clock.Scheduler, logger *zap.Logger) gateway.Gateway

// Server hosts page sessions for remote page adapters. Every session runs on
// the one shared loop; handlers hop onto it with Loop.Do.
type Server struct {
	Logger      *zap.Logger
	DebugLogger *zap.Logger
	Loop        *clock.Loop
	Store       *db.RedisStore
	GeoIP       *geoip.GeoIP
	Gate        *authz.Gate
	Catalogue   *placements.Catalogue
	Sellers     *gateway.Sellers
	Metrics     observability.MetricsRegistry
	Config      config.Config
	NewGateway  GatewayFactory
	// TokenSecret signs session tokens. Empty disables token checks.
	TokenSecret []byte

	ppid *targeting.PPIDProvider
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer constructs a Server. newGateway may be nil, in which case each
// session talks OpenRTB to the configured ad server.
func NewServer(logger *zap.Logger, loop *clock.Loop, store *db.RedisStore, geo *geoip.GeoIP, gate *authz.Gate, catalogue *placements.Catalogue, sellers *gateway.Sellers, metrics observability.MetricsRegistry, cfg config.Config, newGateway GatewayFactory) *Server {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if newGateway == nil {
		newGateway = func(sched clock.Scheduler, l *zap.Logger) gateway.Gateway {
			return gateway.NewHTTPGateway(cfg.GatewayConfig(), sched, l, metrics)
		}
	}
	var ppidStore targeting.PPIDStore
	if store != nil {
		ppidStore = store
	}
	return &Server{
		Logger:      logger,
		Loop:        loop,
		Store:       store,
		GeoIP:       geo,
		Gate:        gate,
		Catalogue:   catalogue,
		Sellers:     sellers,
		Metrics:     metrics,
		Config:      cfg,
		NewGateway:  newGateway,
		TokenSecret: []byte(cfg.SessionSecret),
		ppid:        targeting.NewPPIDProvider(ppidStore, cfg.PPIDTTL, logger),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// Router wires every page-adapter route behind the trace logger.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.CreateSessionHandler).Methods(http.MethodPost)

	sr := r.PathPrefix("/sessions/{id}").Subrouter()
	sr.HandleFunc("", s.SnapshotHandler).Methods(http.MethodGet)
	sr.HandleFunc("", s.EndSessionHandler).Methods(http.MethodDelete)
	sr.HandleFunc("/layout", s.LayoutHandler).Methods(http.MethodPost)
	sr.HandleFunc("/visibility", s.VisibilityHandler).Methods(http.MethodPost)
	sr.HandleFunc("/events", s.EventHandler).Methods(http.MethodPost)
	sr.HandleFunc("/commands", s.CommandsHandler).Methods(http.MethodGet)
	sr.HandleFunc("/placements/{placement}", s.RemovePlacementHandler).Methods(http.MethodDelete)
	sr.HandleFunc("/authorization/refresh", s.RefreshAuthorizationHandler).Methods(http.MethodPost)
	return r
}

func (s *Server) session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) register(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Config.MaxSessions > 0 && len(s.sessions) >= s.Config.MaxSessions {
		return false
	}
	s.sessions[sess.ID] = sess
	return true
}

func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SweepIdle shuts down sessions not heard from within the session TTL. It
// must run on the loop.
func (s *Server) SweepIdle() int {
	if s.Config.SessionTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.Config.SessionTTL)
	s.mu.Lock()
	var idle []*Session
	for _, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.orch.Shutdown()
		s.forget(sess.ID)
		sess.logger.Debug("idle session expired")
	}
	return len(idle)
}

// ScheduleSweeps runs SweepIdle every interval until the loop stops.
func (s *Server) ScheduleSweeps(interval time.Duration) {
	var tick func()
	tick = func() {
		if n := s.SweepIdle(); n > 0 {
			s.Logger.Info("expired idle sessions", zap.Int("count", n))
		}
		s.Loop.AfterFunc(interval, tick)
	}
	s.Loop.AfterFunc(interval, tick)
}

// Shutdown ends every session. It must run on the loop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	for _, sess := range all {
		sess.orch.Shutdown()
	}
}

func bypassRequested(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	switch u.Query().Get("nocache") {
	case "1", "true":
		return true
	}
	return false
}
