// Package server provides the HTTP and WebSocket surface of the arena.
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

	"github.com/casualtrader/arena/internal/config"
	"github.com/casualtrader/arena/internal/database"
	"github.com/casualtrader/arena/internal/events"
	"github.com/casualtrader/arena/internal/modules/agents"
	agenthandlers "github.com/casualtrader/arena/internal/modules/agents/handlers"
	"github.com/casualtrader/arena/internal/modules/metrics"
	"github.com/casualtrader/arena/internal/modules/sessions"
	sessionhandlers "github.com/casualtrader/arena/internal/modules/sessions/handlers"
	"github.com/casualtrader/arena/internal/modules/trading"
	tradinghandlers "github.com/casualtrader/arena/internal/modules/trading/handlers"
)

// Config wires the services the server exposes.
type Config struct {
	Log      zerolog.Logger
	Cfg      *config.Config
	DB       *database.DB
	Hub      *events.Hub
	Registry *trading.ActiveRegistry

	AgentRepo  *agents.Repository
	ModelRepo  *agents.ModelRepository
	SessionSvc *sessions.Service
	TxnRepo    *trading.TransactionRepository
	PerfRepo   *metrics.PerformanceRepository
	Trader     *trading.Service
	Executor   *trading.Executor
	Prices     metrics.PriceProvider
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	db      *database.DB
	hub     *events.Hub
	system  *SystemHandlers
	started time.Time
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("module", "server").Logger(),
		cfg:     cfg.Cfg,
		db:      cfg.DB,
		hub:     cfg.Hub,
		started: time.Now(),
	}
	s.system = NewSystemHandlers(cfg.DB, cfg.Hub, cfg.Registry, cfg.ModelRepo, s.started, s.log)

	s.setupMiddleware()
	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Cfg.APIHost, cfg.Cfg.APIPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the mounted router. Used by tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes(cfg Config) {
	// The WebSocket endpoint stays outside the timeout middleware: it holds
	// the connection open for the life of the client.
	s.router.Get("/ws", s.handleWebSocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", s.system.HandleHealth)
		r.Get("/models", s.system.HandleListModels)
		r.Get("/system/status", s.system.HandleSystemStatus)

		agenthandlers.NewHandler(cfg.AgentRepo, cfg.ModelRepo, cfg.Executor, cfg.Hub, cfg.Cfg.DefaultAIModel, cfg.Log).RegisterRoutes(r)
		sessionhandlers.NewHandler(cfg.AgentRepo, cfg.SessionSvc, cfg.TxnRepo, cfg.Log).RegisterRoutes(r)
		tradinghandlers.NewHandler(cfg.Trader, cfg.PerfRepo, cfg.Prices, cfg.Log).RegisterRoutes(r)
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
