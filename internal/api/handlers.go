package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadtag/internal/gateway"
	"github.com/patrickwarner/openadtag/internal/geoip"
	"github.com/patrickwarner/openadtag/internal/middleware"
	"github.com/patrickwarner/openadtag/internal/observability"
	"github.com/patrickwarner/openadtag/internal/orchestrator"
	"github.com/patrickwarner/openadtag/internal/token"
)

const maxBody = 1 << 20

// instanceSource is implemented by gateways whose creatives are rendered by
// the remote page, such as *gateway.HTTPGateway.
type instanceSource interface {
	Instance(slotID string) (*gateway.RemoteInstance, bool)
	Drain(slotID string) []string
}

type LayoutUpdate struct {
	Viewport   *Rect           `json:"viewport,omitempty"`
	Placements []PlacementRect `json:"placements,omitempty"`
}

type VisibilityUpdate struct {
	Hidden bool `json:"hidden"`
}

type PlaybackEvent struct {
	PlacementID string `json:"placement_id"`
	Type        string `json:"type"`
	Error       string `json:"error,omitempty"`
}

type CommandsResponse struct {
	Surface   []SurfaceOp         `json:"surface"`
	Creatives map[string][]string `json:"creatives,omitempty"`
}

func (s *Server) finish(endpoint, method string, start time.Time, status int) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

func (s *Server) writeJSON(w http.ResponseWriter, endpoint, method string, start time.Time, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.Logger.Warn("encode response", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	s.finish(endpoint, method, start, status)
}

func (s *Server) fail(w http.ResponseWriter, endpoint, method string, start time.Time, status int, msg string) {
	http.Error(w, msg, status)
	s.finish(endpoint, method, start, status)
}

// onLoop runs fn on the loop, mapping a stopped loop to 503.
func (s *Server) onLoop(ctx context.Context, fn func()) int {
	if err := s.Loop.Do(ctx, fn); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// authorize resolves the session named in the path and checks its token.
func (s *Server) authorize(r *http.Request) (*Session, int, string) {
	id := mux.Vars(r)["id"]
	sess, ok := s.session(id)
	if !ok {
		return nil, http.StatusNotFound, "unknown session"
	}
	if len(s.TokenSecret) == 0 {
		return sess, http.StatusOK, ""
	}
	tok := r.Header.Get("X-Session-Token")
	if tok == "" {
		tok = r.URL.Query().Get("t")
	}
	if tok == "" {
		return nil, http.StatusUnauthorized, "token required"
	}
	claims, err := token.Verify(tok, s.TokenSecret, s.Config.SessionTTL)
	if err != nil || claims.SessionID != sess.ID {
		return nil, http.StatusUnauthorized, "invalid token"
	}
	return sess, http.StatusOK, ""
}

// CreateSessionHandler handles POST /sessions: it starts consent and
// authorization resolution for a page view and returns its handle.
func (s *Server) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "sessions"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	var req CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		logger.Warn("invalid session request", zap.Error(err))
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PageURL == "" {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "page_url required")
		return
	}

	id := newSessionID()
	in := s.prepare(r.Context(), id, req, geoip.ClientIP(r), r.UserAgent())

	debug := observability.DebugRequested(req.PageURL) || s.Config.Debug
	base := s.Logger
	if debug && s.DebugLogger != nil {
		base = s.DebugLogger
	}
	sessLogger := base.With(zap.String("session_id", id))

	var sess *Session
	var placements []string
	status := s.onLoop(r.Context(), func() {
		sess = s.build(id, req, in, sessLogger)
		if !s.register(sess) {
			sess.orch.Shutdown()
			sess = nil
			return
		}
		sess.orch.Start()
		for _, v := range sess.orch.Snapshot().Slots {
			placements = append(placements, v.ID)
		}
	})
	if status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	if sess == nil {
		logger.Warn("session limit reached", zap.Int("max_sessions", s.Config.MaxSessions))
		s.fail(w, endpoint, method, start, http.StatusServiceUnavailable, "too many sessions")
		return
	}

	resp := CreateSessionResponse{SessionID: id, Placements: placements, Debug: debug}
	if len(s.TokenSecret) > 0 {
		tok, err := token.Generate(id, sess.Domain, req.VisitorID, s.TokenSecret)
		if err != nil {
			logger.Error("sign session token", zap.Error(err))
			s.fail(w, endpoint, method, start, http.StatusInternalServerError, "token error")
			return
		}
		resp.Token = tok
	}
	logger.Info("page session started",
		zap.String("session_id", id),
		zap.String("domain", sess.Domain),
		zap.Int("placements", len(req.Placements)),
	)
	s.writeJSON(w, endpoint, method, start, http.StatusCreated, resp)
}

// SnapshotHandler handles GET /sessions/{id}.
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_snapshot"
	const method = "GET"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	var snap orchestrator.Snapshot
	if status := s.onLoop(r.Context(), func() {
		sess.lastSeen = s.now()
		snap = sess.orch.Snapshot()
	}); status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	s.writeJSON(w, endpoint, method, start, http.StatusOK, snap)
}

// LayoutHandler handles POST /sessions/{id}/layout after a scroll, resize or
// DOM change.
func (s *Server) LayoutHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_layout"
	const method = "POST"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	var upd LayoutUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&upd); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid JSON")
		return
	}
	if status := s.onLoop(r.Context(), func() {
		sess.lastSeen = s.now()
		if upd.Viewport != nil {
			sess.page.setViewport(upd.Viewport.geometry())
		}
		for _, p := range upd.Placements {
			sess.page.setWrapper(p.ID, p.Rect.geometry())
		}
		sess.orch.LayoutChanged()
	}); status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.finish(endpoint, method, start, http.StatusNoContent)
}

// VisibilityHandler handles POST /sessions/{id}/visibility (page hide/show).
func (s *Server) VisibilityHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_visibility"
	const method = "POST"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	var upd VisibilityUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&upd); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid JSON")
		return
	}
	if status := s.onLoop(r.Context(), func() {
		sess.lastSeen = s.now()
		if upd.Hidden {
			sess.orch.PageHidden()
		} else {
			sess.orch.PageShown()
		}
	}); status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.finish(endpoint, method, start, http.StatusNoContent)
}

// EventHandler handles POST /sessions/{id}/events: playback events reported
// by a creative rendered on the page.
func (s *Server) EventHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_events"
	const method = "POST"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	var ev PlaybackEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&ev); err != nil {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "invalid JSON")
		return
	}
	typ, ok := gateway.ParseEventType(ev.Type)
	if !ok {
		s.fail(w, endpoint, method, start, http.StatusBadRequest, "unknown event type")
		return
	}
	src, ok := sess.gw.(instanceSource)
	if !ok {
		s.fail(w, endpoint, method, start, http.StatusNotImplemented, "gateway does not accept page events")
		return
	}
	inst, ok := src.Instance(ev.PlacementID)
	if !ok {
		s.fail(w, endpoint, method, start, http.StatusNotFound, "no live creative")
		return
	}
	e := gateway.Event{Type: typ}
	if ev.Error != "" {
		e.Err = gateway.Err(gateway.ErrTransient, nil, "creative error: %s", ev.Error)
	}
	if err := inst.Emit(e); err != nil {
		s.fail(w, endpoint, method, start, http.StatusGone, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.finish(endpoint, method, start, http.StatusAccepted)
}

// CommandsHandler handles GET /sessions/{id}/commands. The adapter polls it
// and applies the returned DOM and creative commands in order.
func (s *Server) CommandsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_commands"
	const method = "GET"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	var resp CommandsResponse
	if status := s.onLoop(r.Context(), func() {
		sess.lastSeen = s.now()
		resp.Surface = sess.page.drain()
		src, ok := sess.gw.(instanceSource)
		if !ok {
			return
		}
		for _, v := range sess.orch.Snapshot().Slots {
			if cmds := src.Drain(v.ID); len(cmds) > 0 {
				if resp.Creatives == nil {
					resp.Creatives = make(map[string][]string)
				}
				resp.Creatives[v.ID] = cmds
			}
		}
	}); status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	if resp.Surface == nil {
		resp.Surface = []SurfaceOp{}
	}
	s.writeJSON(w, endpoint, method, start, http.StatusOK, resp)
}

// RemovePlacementHandler handles DELETE /sessions/{id}/placements/{placement}.
func (s *Server) RemovePlacementHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_remove_placement"
	const method = "DELETE"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	placement := mux.Vars(r)["placement"]
	var removed bool
	if status := s.onLoop(r.Context(), func() {
		sess.lastSeen = s.now()
		removed = sess.orch.RemovePlacement(placement)
	}); status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	if !removed {
		s.fail(w, endpoint, method, start, http.StatusNotFound, "unknown placement")
		return
	}
	w.WriteHeader(http.StatusNoContent)
	s.finish(endpoint, method, start, http.StatusNoContent)
}

// RefreshAuthorizationHandler handles POST /sessions/{id}/authorization/refresh,
// the explicit cache-bypass signal.
func (s *Server) RefreshAuthorizationHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_authorization_refresh"
	const method = "POST"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	if status := s.onLoop(r.Context(), func() {
		sess.lastSeen = s.now()
		sess.orch.BypassAuthorizationCache()
	}); status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.finish(endpoint, method, start, http.StatusAccepted)
}

// EndSessionHandler handles DELETE /sessions/{id} on page unload.
func (s *Server) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "session_end"
	const method = "DELETE"

	sess, code, msg := s.authorize(r)
	if sess == nil {
		s.fail(w, endpoint, method, start, code, msg)
		return
	}
	if status := s.onLoop(r.Context(), func() {
		sess.orch.Shutdown()
		s.forget(sess.ID)
	}); status != http.StatusOK {
		s.fail(w, endpoint, method, start, status, "scheduler unavailable")
		return
	}
	sess.logger.Debug("page session ended")
	w.WriteHeader(http.StatusNoContent)
	s.finish(endpoint, method, start, http.StatusNoContent)
}
