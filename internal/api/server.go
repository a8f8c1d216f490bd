// Package api is the external surface: the REST control plane over chi and
// the WebSocket fan-out of the bus, both consumed by the dashboard.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/manager"
	"github.com/kestrade/orbweaver/internal/models"
	"github.com/kestrade/orbweaver/internal/strategy"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

// streamerID is the strategy id the analytics endpoints control.
const streamerID = "spx-streamer"

const defaultTradesLimit = 50

// Config tunes the server.
type Config struct {
	Addr string
	// User/Password enable HTTP basic auth when both are set.
	User     string
	Password string
	// LogPath is the rotating log file /ws/logs replays and tails.
	LogPath string
}

// Server serves the REST and WebSocket surface.
type Server struct {
	cfg    Config
	mgr    *manager.Manager
	trades *tradedb.Store
	bus    *bus.Bus
	logger *logrus.Entry

	router *chi.Mux
	server *http.Server
	hub    *hub
}

// NewServer wires the routes. Call Run to serve.
func NewServer(cfg Config, mgr *manager.Manager, trades *tradedb.Store, b *bus.Bus, logger *logrus.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		trades: trades,
		bus:    b,
		logger: logger.WithField("component", "api"),
		router: chi.NewRouter(),
		hub:    newHub(logger),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	if s.cfg.User != "" && s.cfg.Password != "" {
		s.router.Use(s.basicAuth)
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Get("/strategies", s.handleListStrategies)
	s.router.Post("/strategies", s.handleCreateStrategy)
	s.router.Post("/strategies/{id}/start", s.handleStartStrategy)
	s.router.Post("/strategies/{id}/stop", s.handleStopStrategy)
	s.router.Put("/strategies/{id}", s.handleUpdateStrategy)
	s.router.Get("/strategies/{id}/trades", s.handleStrategyTrades)
	s.router.Get("/strategies/{id}/stats", s.handleStrategyStats)
	s.router.Get("/strategies/{id}/drawdown-analysis", s.handleStrategyDrawdown)

	s.router.Get("/trades/all", s.handleAllTrades)
	s.router.Get("/stats/all", s.handleAllStats)

	s.router.Post("/analytics/spx/start", s.handleStreamerStart)
	s.router.Post("/analytics/spx/stop", s.handleStreamerStop)

	s.router.Get("/ws", s.handleWS)
	s.router.Get("/ws/logs", s.handleWSLogs)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go s.hub.run(hubCtx)
	go s.pumpBus(hubCtx)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- s.server.ListenAndServe() }()
	s.logger.Infof("listening on %s", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// pumpBus feeds dashboard topics into the hub broadcast.
func (s *Server) pumpBus(ctx context.Context) {
	sub := s.bus.Subscribe(bus.TopicSystemStatus, bus.TopicSPXStreamPrice, bus.TopicSPXStreamLog)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			s.hub.send(msg)
		}
	}
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="dashboard"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mgr.GetAllStrategiesStatus())
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var cfg models.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid config body")
		return
	}
	if err := s.mgr.CreateStrategy(cfg, false); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "id": cfg.ID})
}

func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	if !s.mgr.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "manager not ready")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.mgr.StartStrategy(id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started", "id": id})
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	if !s.mgr.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "manager not ready")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.mgr.StopStrategy(id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid patch body")
		return
	}
	cfg, err := s.mgr.UpdateStrategyConfig(id, patch)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleStrategyTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, s.trades.GetTrades(id, limit))
}

func (s *Server) handleStrategyStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trades.GetStrategyStats(chi.URLParam(r, "id")))
}

func (s *Server) handleStrategyDrawdown(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trades.GetDrawdownAnalysis(chi.URLParam(r, "id")))
}

func (s *Server) handleAllTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, s.trades.GetAllTrades(limit))
}

func (s *Server) handleAllStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.trades.GetAllStats())
}

// handleStreamerStart starts the SPX streamer, creating it on first use.
func (s *Server) handleStreamerStart(w http.ResponseWriter, _ *http.Request) {
	if !s.mgr.Ready() {
		s.writeError(w, http.StatusServiceUnavailable, "manager not ready")
		return
	}
	if _, err := s.mgr.GetStrategyStatus(streamerID); errors.Is(err, manager.ErrUnknownStrategy) {
		cfg := models.StrategyConfig{
			ID:           streamerID,
			Name:         "SPX Streamer",
			Type:         strategy.TypeSPXStreamer,
			InstrumentID: "SPX",
			OrderSize:    1,
		}
		if err := s.mgr.CreateStrategy(cfg, false); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.mgr.StartStrategy(streamerID); err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started", "id": streamerID})
}

func (s *Server) handleStreamerStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.mgr.StopStrategy(streamerID); err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": streamerID})
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrUnknownStrategy):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrUnknownType), errors.Is(err, manager.ErrDuplicateID):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("encoding response: %v", err)
	}
}
