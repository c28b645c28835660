/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*      Per-user stats, chain, and codes
  /api/referrals/*  Edge registration and revocation
  /api/events/*     Reward event ingestion
  /api/admin/*      Repair, rebuild, dead-letter, sweep operations
  /healthz          Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  Admin routes in particular need auth before any real deployment.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/{id}/stats", h.GetStats)
			r.Get("/{id}/chain", h.GetChain)
			r.Post("/{id}/code", h.IssueCode)
		})

		// Referral edge routes
		r.Route("/referrals", func(r chi.Router) {
			r.Post("/", h.CreateReferral)
			r.Delete("/{id}", h.RevokeReferral)
		})

		// Event routes
		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.IngestEvent)
			r.Get("/{id}", h.GetEventTransactions)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/repair/{id}", h.RepairChain)
			r.Post("/stats/{id}/rebuild", h.RebuildStats)
			r.Get("/deadletters", h.ListDeadLetters)
			r.Post("/deadletters/{txid}/requeue", h.RequeueDeadLetter)
			r.Post("/sweep", h.TriggerSweep)
		})
	})

	// Liveness probe
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
