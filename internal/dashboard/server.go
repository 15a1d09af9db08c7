// Package dashboard serves the operator HTTP surface: read-only JSON status
// endpoints plus the inbound alert webhook.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/stamford_scalper/internal/alerts"
	"github.com/eddiefleurent/stamford_scalper/internal/breaker"
	"github.com/eddiefleurent/stamford_scalper/internal/broker"
	"github.com/eddiefleurent/stamford_scalper/internal/gex"
	"github.com/eddiefleurent/stamford_scalper/internal/models"
	"github.com/eddiefleurent/stamford_scalper/internal/policy"
	"github.com/eddiefleurent/stamford_scalper/internal/storage"
)

// Engine is the slice of the options engine the dashboard reads from and
// forwards alerts to.
type Engine interface {
	TrackedTrades() []models.TrackedTrade
	GEXSummaries() map[string]*gex.Summary
	HandleAlert(ctx context.Context, alert alerts.Alert) error
	KillSweep(ctx context.Context)
}

// Config holds the server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the chi-based dashboard and webhook listener.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	logger    *logrus.Logger
	port      int
	authToken string

	gateway broker.Gateway
	policy  *policy.Engine
	breaker *breaker.Breaker
	engine  Engine
	stats   *storage.Statistics
	gex     *gex.Engine
}

// NewServer wires the routes. engine and stats may be nil in status-only
// deployments; the affected endpoints then return 503.
func NewServer(cfg Config, gateway broker.Gateway, pol *policy.Engine, brk *breaker.Breaker, eng Engine, stats *storage.Statistics, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		gateway:   gateway,
		policy:    pol,
		breaker:   brk,
		engine:    eng,
		stats:     stats,
		gex:       gex.New(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/gex", s.handleGEX)
	s.router.Get("/api/gex/heatmap", s.handleGEXHeatmap)
	s.router.Get("/api/stats", s.handleStats)
	s.router.Get("/api/config", s.handleGetConfig)
	s.router.Post("/api/config", s.handleSetConfig)
	s.router.Post("/api/breaker/reset", s.handleBreakerReset)
	s.router.Post("/api/kill", s.handleKillSwitch)
	s.router.Post("/webhook/alert", s.handleAlertWebhook)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("dashboard listening on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// statusResponse is the operator's one-look view of the bot.
type statusResponse struct {
	MarketOpen    bool          `json:"marketOpen"`
	KillSwitch    bool          `json:"killSwitch"`
	Breaker       breaker.State `json:"breaker"`
	BreakerPaused bool          `json:"breakerPaused"`
	TrackedTrades int           `json:"trackedTrades"`
	Equity        float64       `json:"equity"`
	BuyingPower   float64       `json:"buyingPower"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		KillSwitch:    s.policy.KillSwitchActive(),
		Breaker:       s.breaker.Snapshot(),
		BreakerPaused: s.breaker.IsPaused(),
	}
	if s.engine != nil {
		resp.TrackedTrades = len(s.engine.TrackedTrades())
	}
	if clock, err := s.gateway.GetClock(r.Context()); err == nil {
		resp.MarketOpen = clock.IsOpen
	} else {
		s.logger.WithError(err).Warn("clock unavailable")
	}
	if account, err := s.gateway.GetAccount(r.Context()); err == nil {
		resp.Equity = account.Equity
		resp.BuyingPower = account.BuyingPower
	} else {
		s.logger.WithError(err).Warn("account unavailable")
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	equities, err := s.gateway.GetPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("fetching positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	options, err := s.gateway.GetOptionsPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("fetching options positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]broker.Position{
		"equities": equities,
		"options":  options,
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.TrackedTrades())
}

func (s *Server) handleGEX(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.GEXSummaries())
}

// heatmapMaxExpirations caps the chain fetches per request.
const heatmapMaxExpirations = 5

func (s *Server) handleGEXHeatmap(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" {
		symbol = "SPY"
	}

	snap, err := s.gateway.GetSnapshot(r.Context(), symbol)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Error("fetching spot for heatmap")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	expirations, err := s.gateway.GetOptionExpirations(r.Context(), symbol)
	if err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Error("fetching expirations for heatmap")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if len(expirations) > heatmapMaxExpirations {
		expirations = expirations[:heatmapMaxExpirations]
	}

	var chain []broker.OptionContract
	for _, exp := range expirations {
		contracts, err := s.gateway.GetOptionsSnapshots(r.Context(), symbol, exp, "")
		if err != nil {
			s.logger.WithError(err).WithField("expiration", exp).Warn("skipping expiration in heatmap")
			continue
		}
		chain = append(chain, contracts...)
	}

	s.writeJSON(w, http.StatusOK, s.gex.ComputeHeatmap(chain, snap.Price, time.Now()))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats not recorded", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.policy.Config())
}

type configUpdate struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var update configUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := s.policy.SetConfig(update.Key, update.Value); err != nil {
		s.logger.WithError(err).WithField("key", update.Key).Warn("config update rejected")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.logger.WithField("key", update.Key).Info("config updated")
	s.writeJSON(w, http.StatusOK, s.policy.Config())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, _ *http.Request) {
	s.breaker.Reset()
	s.logger.Warn("circuit breaker manually reset")
	s.writeJSON(w, http.StatusOK, s.breaker.Snapshot())
}

type killRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.policy.SetKillSwitch(req.On)
	if req.On {
		s.logger.Warn("kill switch engaged")
		if s.engine != nil {
			s.engine.KillSweep(r.Context())
		}
	} else {
		s.logger.Info("kill switch released")
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"killSwitch": s.policy.KillSwitchActive()})
}

func (s *Server) handleAlertWebhook(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}

	var alert alerts.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := alert.Normalize(); err != nil {
		s.logger.WithError(err).Warn("rejecting malformed alert")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"action":     alert.Action,
		"ticker":     alert.Ticker,
		"confidence": alert.Confidence,
	}).Info("alert received")

	if err := s.engine.HandleAlert(r.Context(), alert); err != nil {
		s.logger.WithError(err).Error("alert handling failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
