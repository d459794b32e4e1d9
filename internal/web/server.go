package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"trade_tracker/internal/cleanup"
	"trade_tracker/internal/models"
	"trade_tracker/internal/reconcile"
	"trade_tracker/internal/scheduler"
	"trade_tracker/internal/store"
)

// Server is the minimal operator API: scheduler health, bot and trade
// listings, and the force-run trigger.
type Server struct {
	coordinator *scheduler.Coordinator
	reconciler  *reconcile.Reconciler
	cleanup     *cleanup.Service
	store       store.Store
	port        string
	logger      zerolog.Logger

	httpServer *http.Server
}

func NewServer(coord *scheduler.Coordinator, rec *reconcile.Reconciler, cln *cleanup.Service, st store.Store, port string, logger zerolog.Logger) *Server {
	return &Server{
		coordinator: coord,
		reconciler:  rec,
		cleanup:     cln,
		store:       st,
		port:        port,
		logger:      logger.With().Str("component", "web").Logger(),
	}
}

func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/bots", s.handleBots)
	mux.HandleFunc("/api/bots/force-run", s.handleForceRun)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/stats", s.handleStats)

	s.httpServer = &http.Server{Addr: ":" + s.port, Handler: mux}

	s.logger.Info().Str("addr", "http://localhost:"+s.port).Msg("🌐 Web server starting")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("❌ Web server error")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("❌ Web server shutdown error")
	}
}

// handleHealth merges the coordinator's schedule view with the last
// reconciliation snapshot into one operator report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.coordinator.Health(r.Context())

	stats := s.reconciler.Stats()
	health.ReconcileDiscrepancies = stats.Discrepancies
	health.ReconcileLastRun = stats.LastRun

	if age := s.reconciler.BalanceCache().Age(time.Now()); age < 0 {
		health.BalanceAge = "never"
	} else {
		health.BalanceAge = age.Round(time.Second).String()
	}

	s.writeJSON(w, health)
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBots(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"bots":  bots,
		"count": len(bots),
	})
}

func (s *Server) handleForceRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("use POST"))
		return
	}
	botID := r.URL.Query().Get("id")
	if botID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing id parameter"))
		return
	}

	err := s.coordinator.ForceRun(r.Context(), botID)
	switch {
	case err == nil:
		s.writeJSON(w, map[string]interface{}{"status": "dispatched", "bot_id": botID})
	case errors.Is(err, models.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, models.ErrEvaluationInFlight):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, models.ErrMissingCredentials):
		s.writeError(w, http.StatusPreconditionFailed, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context(), 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	open := 0
	for _, t := range trades {
		if t.Status == models.TradeOpen {
			open++
		}
	}
	s.writeJSON(w, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
		"open":   open,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bots, err := s.store.ListBots(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	totalPnL := 0.0
	totalTrades := 0
	for _, b := range bots {
		totalPnL += b.TotalPnL
		totalTrades += b.TotalTrades
	}

	balance, balanceAt := s.reconciler.BalanceCache().Balance()
	rec := s.reconciler.Stats()

	s.writeJSON(w, map[string]interface{}{
		"bots":          len(bots),
		"total_pnl":     totalPnL,
		"total_trades":  totalTrades,
		"balance":       balance,
		"balance_at":    balanceAt,
		"reconcile":     rec,
		"cleanup_last":  s.cleanup.LastRun(),
		"timestamp":     time.Now(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
}
