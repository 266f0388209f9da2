// Package server exposes the HTTP API.
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

	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/database"
	"github.com/redmargin/quantgate/internal/modules/alerts"
	"github.com/redmargin/quantgate/internal/modules/audit"
	"github.com/redmargin/quantgate/internal/modules/autotune"
	"github.com/redmargin/quantgate/internal/modules/events"
	"github.com/redmargin/quantgate/internal/modules/governance"
	"github.com/redmargin/quantgate/internal/modules/holdings"
	"github.com/redmargin/quantgate/internal/modules/jobs"
	"github.com/redmargin/quantgate/internal/modules/license"
	"github.com/redmargin/quantgate/internal/modules/replay"
	"github.com/redmargin/quantgate/internal/modules/snapshots"
	"github.com/redmargin/quantgate/internal/pipeline"
	"github.com/redmargin/quantgate/internal/providers"
	"github.com/redmargin/quantgate/internal/strategies"
)

// Deps holds everything the handlers reach into.
type Deps struct {
	Cfg        *config.Config
	Log        zerolog.Logger
	Composite  *providers.Composite
	Pipeline   *pipeline.Daily
	Audit      *audit.Store
	Licenses   *license.Service
	Snapshots  *snapshots.Registry
	Alerts     *alerts.Service
	Jobs       *jobs.Service
	Governance *governance.Service
	Autotune   *autotune.Service
	Events     *events.Service
	Replay     *replay.Store
	Holdings   *holdings.Store
	Registry   *strategies.Registry
	Stores     map[string]*database.DB
	StartedAt  time.Time
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	deps   Deps
	cfg    *config.Config
}

// New creates a new HTTP server
func New(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    deps.Log.With().Str("component", "server").Logger(),
		deps:   deps,
		cfg:    deps.Cfg,
	}

	s.setupMiddleware(deps.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(120 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.AuthHeaderName},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/ops/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/market", func(r chi.Router) {
			r.Get("/bars", s.handleMarketBars)
			r.Get("/calendar", s.handleTradeCalendar)
			r.Get("/status/{symbol}", s.handleSecurityStatus)
		})

		r.Post("/signals/generate", s.handleGenerateSignals)
		r.Post("/research/run", s.handleResearchRun)
		r.Post("/research/backtest", s.handleBacktestRun)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/verify-chain", s.handleAuditVerify)
			r.Get("/export", s.handleAuditExport)
			r.Get("/events", s.handleAuditEvents)
		})

		r.Route("/licenses", func(r chi.Router) {
			r.Get("/", s.handleListLicenses)
			r.Post("/", s.handleSaveLicense)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/ingest", s.handleIngestEvents)
			r.Get("/", s.handleListEvents)
			r.Post("/validate-join", s.handleValidateJoin)
		})

		r.Route("/governance/strategies", func(r chi.Router) {
			r.Post("/", s.handleRegisterDraft)
			r.Get("/{name}", s.handleListVersions)
			r.Post("/{name}/{version}/submit", s.handleSubmitReview)
			r.Post("/{name}/{version}/decide", s.handleDecide)
		})

		r.Route("/autotune", func(r chi.Router) {
			r.Post("/profiles", s.handleSaveProfile)
			r.Get("/profiles", s.handleListProfiles)
			r.Post("/profiles/{id}/activate", s.handleActivateProfile)
			r.Post("/rollback", s.handleRollbackProfile)
			r.Post("/rollout-rules", s.handleSetRolloutRule)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Post("/subscriptions", s.handleSaveSubscription)
			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Get("/notifications", s.handleListNotifications)
			r.Post("/notifications/{id}/ack", s.handleAckNotification)
			r.Post("/sync", s.handleAlertSync)
		})

		r.Route("/ops/jobs", func(r chi.Router) {
			r.Post("/register", s.handleRegisterJob)
			r.Get("/", s.handleListJobs)
			r.Post("/{id}/run", s.handleRunJob)
			r.Get("/{id}/runs", s.handleListRuns)
			r.Post("/scheduler/tick", s.handleSchedulerTick)
			r.Get("/scheduler/sla", s.handleSchedulerSLA)
		})

		r.Route("/replay", func(r chi.Router) {
			r.Get("/stats", s.handleReplayStats)
			r.Post("/executions", s.handleRecordExecution)
			r.Get("/signals", s.handleListSignals)
		})

		r.Route("/holdings", func(r chi.Router) {
			r.Get("/", s.handleListHoldings)
			r.Post("/", s.handleUpsertHolding)
			r.Post("/cash", s.handleSetCash)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs each request with its duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}
