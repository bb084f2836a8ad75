/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Latency histogram by route pattern (when enabled)
  5. CORS:       Cross-origin requests for frontend
  6. Identity:   Actor resolution, /api only

ROUTE GROUPS:
  /api/policies         Catalog
  /api/requesters/*     Directory, eligibility, submission
  /api/requests/*       Report, lookup, transitions
  /api/scenarios/*      Demo scenarios and reset (admin)
  /metrics              Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Authentication
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/salary-advance/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if h.Metrics != nil {
		r.Use(instrument(h.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderRequesterID, HeaderRole},
		AllowCredentials: true,
	}))

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.Identity.Middleware)

		r.Get("/policies", h.ListPolicies)

		// Requester routes
		r.Route("/requesters", func(r chi.Router) {
			r.Get("/", h.ListRequesters)
			r.Post("/", h.CreateRequester)
			r.Get("/{id}", h.GetRequester)
			r.Get("/{id}/eligibility", h.GetEligibility)
			r.Post("/{id}/requests", h.SubmitRequest)
		})

		// Request routes
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.ListRequests)
			r.Get("/{id}", h.GetRequest)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
			r.Post("/{id}/cancel", h.CancelRequest)
			r.Post("/{id}/close", h.CloseRequest)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// instrument observes every request under its route pattern, so
// /api/requests/17 and /api/requests/18 share one series.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			m.ObserveRequest(r.Method, route, code, start)
		})
	}
}
