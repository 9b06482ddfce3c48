// Package server provides the HTTP API for the symbol validation service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/gatekeeper/internal/broker/gateway"
	"github.com/aristath/gatekeeper/internal/contracts"
	"github.com/aristath/gatekeeper/internal/domain"
	"github.com/aristath/gatekeeper/internal/history"
	"github.com/aristath/gatekeeper/internal/pacing"
	"github.com/aristath/gatekeeper/internal/pool"
	"github.com/aristath/gatekeeper/internal/validator"
)

// ValidationService is the slice of the orchestrator the HTTP layer uses
type ValidationService interface {
	ValidateSymbolWithMetadata(ctx context.Context, raw string, timeframes []string) (*domain.ValidationResult, error)
	GetContractDetails(ctx context.Context, raw string) (*domain.ContractInfo, error)
	FetchHeadTimestamp(ctx context.Context, raw, timeframe string, forceRefresh bool) (string, error)
	Metrics() validator.MetricsSnapshot
}

// GatewayPinger checks that the brokerage gateway answers commands
type GatewayPinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration
type Config struct {
	Port      int
	Log       zerolog.Logger
	Validator ValidationService
	Store     *contracts.Store
	History   *history.Repository
	Gateway   GatewayPinger

	// Optional surfaces
	PacerStats    func() pacing.Stats
	PoolStats     func() pool.Stats
	StreamStatus  func() (*gateway.StatusEvent, bool)
	RevalidateNow func() error
}

// Server is the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	cfg      Config
	log      zerolog.Logger
	handlers *Handlers
	system   *SystemHandlers
	started  time.Time
}

// New creates the HTTP server and mounts all routes
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		log:     cfg.Log.With().Str("component", "server").Logger(),
		started: time.Now(),
	}
	s.handlers = NewHandlers(cfg.Validator, cfg.Store, cfg.History, cfg.RevalidateNow, cfg.Log)
	s.system = NewSystemHandlers(cfg.PacerStats, cfg.PoolStats, cfg.Log)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Timeout(120 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/validate", s.handlers.HandleValidate)
		r.Get("/symbols", s.handlers.HandleListSymbols)
		r.Get("/symbols/{symbol}", s.handlers.HandleGetSymbol)
		r.Get("/symbols/{symbol}/head-timestamp", s.handlers.HandleHeadTimestamp)
		r.Delete("/cache", s.handlers.HandleClearCache)
		r.Get("/metrics", s.handlers.HandleMetrics)
		r.Get("/history", s.handlers.HandleHistory)
		r.Post("/jobs/revalidate", s.handlers.HandleRevalidateNow)
		r.Get("/system/status", s.system.HandleStatus)
	})
}

// handleHealth reports gateway reachability and cache size
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gatewayStatus := "disabled"
	if s.cfg.Gateway != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Gateway.Ping(ctx); err != nil {
			gatewayStatus = "unreachable"
			s.log.Warn().Err(err).Msg("Health check: gateway unreachable")
		} else {
			gatewayStatus = "ok"
		}
	}

	data := map[string]interface{}{
		"status":         "ok",
		"gateway":        gatewayStatus,
		"cached_symbols": s.cfg.Store.Len(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.StreamStatus != nil {
		if event, fresh := s.cfg.StreamStatus(); event != nil {
			data["gateway_stream"] = map[string]interface{}{
				"state": event.State,
				"fresh": fresh,
			}
		}
	}

	writeEnvelope(w, http.StatusOK, data)
}

// Start begins serving. Blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the chi router. Primarily used for testing.
func (s *Server) Router() http.Handler {
	return s.router
}
