/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the booking UI

ROUTE GROUPS:
  /health               Liveness
  /metrics              Prometheus scrape endpoint
  /api/sessions/*       Availability and mass cancellation
  /api/bookings/*       Booking lifecycle
  /api/season-tickets/* Season ticket reads
  /api/credits/*        Credit reads
  /api/admin/*          Ingress from scheduling and purchase systems

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
	"github.com/warp/booking-engine/generic"
	"github.com/warp/booking-engine/metrics"
)

// NewRouter creates a new router with all routes configured. m may be nil.
func NewRouter(h *Handler, m *metrics.Recorder) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{id}/availability", h.GetAvailability)
			r.Post("/{id}/cancel", h.CancelSession)
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/choice", h.ResolveChoice)
		})

		r.Route("/season-tickets", func(r chi.Router) {
			r.Get("/{id}", h.GetSeasonTicket)
			r.Get("/{id}/history", h.History(generic.KindSeasonTicket))
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/{id}", h.GetCredit)
			r.Get("/{id}/history", h.History(generic.KindCredit))
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sessions", h.RegisterSession)
			r.Post("/season-tickets", h.IssueSeasonTicket)
			r.Post("/credits", h.GrantCredit)
		})
	})

	return r
}
