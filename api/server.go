/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. zap:        Structured request logging
  4. CORS:       Cross-origin requests for the site portal frontend

ROUTE GROUPS:
  /api/transactions   Ledger writes
  /api/reports        Usage-report reconciliation
  /api/transfers      Site-to-site transfers
  /api/sites/*        Account reads, reservations, summaries
  /api/materials/*    Catalog management
  /metrics            Prometheus scrape endpoint
  /healthz            Liveness probe

SECURITY NOTE:
  No authentication middleware. The engine runs behind the site portal,
  which authenticates callers and passes actor identity in the payload.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, reg *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Ledger writes
		r.Post("/transactions", h.SubmitIntent)
		r.Post("/reports", h.SubmitReport)
		r.Post("/transfers", h.SubmitTransfer)

		// Accounts and reporting
		r.Route("/sites/{site}", func(r chi.Router) {
			r.Get("/summaries", h.GetSiteSummaries)
			r.Get("/summaries/categories", h.GetSiteCategorySummaries)

			r.Route("/materials/{material}", func(r chi.Router) {
				r.Get("/account", h.GetAccount)
				r.Get("/transactions", h.GetHistory)
				r.Get("/summary", h.GetSummary)
				r.Post("/reserve", h.Reserve)
				r.Post("/release", h.Release)
			})
		})

		// Catalog
		r.Route("/materials", func(r chi.Router) {
			r.Get("/", h.ListMaterials)
			r.Post("/", h.SaveMaterial)
			r.Put("/{code}/price", h.UpdatePrice)
		})
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs one line per request with method, path, status and latency.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
