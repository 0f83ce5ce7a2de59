/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured request logging (slog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the parent dashboard
  6. Auth:       Bearer token on /api only

ROUTE GROUPS:
  /healthz              Liveness + database ping (public)
  /metrics              Prometheus scrape endpoint (public, optional)
  /api/consumption      Session logging
  /api/members/{id}/*   Per-member reads and settings
  /api/allowance-types  Family allowance types
  /api/grace/*          Grace requests and guardian decisions
  /api/budgets/*        Spending budgets

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/allowance-engine/screentime"
)

// RouterOptions configures the parts of the router that vary by deployment.
type RouterOptions struct {
	Auth        *Authenticator
	CORSOrigins []string

	// Metrics is served at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string

	// Ping backs /healthz.
	Ping func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ping != nil {
			if err := opts.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unavailable", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)

		r.Post("/consumption", h.LogConsumption)

		r.Route("/members/{id}", func(r chi.Router) {
			r.Get("/balances/{typeID}", h.GetBalance)
			r.Get("/consumption", h.GetConsumption)
			r.Get("/grace/status", h.GetGraceStatus)
			r.Get("/grace/logs", h.ListGraceLogs)
			r.Get("/grace/settings", h.GetGraceSettings)
			r.Put("/grace/settings", h.UpdateGraceSettings)
			r.Get("/budgets", h.ListBudgets)
		})

		r.Route("/allowance-types", func(r chi.Router) {
			r.Get("/", h.ListAllowanceTypes)
			r.Post("/", h.CreateAllowanceType)
			r.Post("/{id}/archive", h.ArchiveAllowanceType)
		})

		r.Route("/grace", func(r chi.Router) {
			r.Post("/", h.RequestGrace)
			r.Get("/pending", h.ListPendingGrace)
			r.Post("/{id}/approve", h.ResolveGrace(screentime.DecisionApprove))
			r.Post("/{id}/reject", h.ResolveGrace(screentime.DecisionReject))
			r.Post("/{id}/waive", h.WaiveGrace)
			r.Post("/{id}/repaid", h.MarkGraceRepaid)
		})

		r.Route("/budgets", func(r chi.Router) {
			r.Post("/", h.CreateBudget)
			r.Post("/{id}/spend", h.RecordSpend)
			r.Post("/{id}/evaluate", h.EvaluateBudget)
			r.Post("/{id}/activate", h.SetBudgetActive(true))
			r.Post("/{id}/deactivate", h.SetBudgetActive(false))
		})
	})

	return r
}

// requestLogger logs one line per request at Info (Warn for 5xx).
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= 500 {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
