/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/contracts/*      Contract servicing
  /api/penalty-rules/*  Penalty rule management
  /api/penalties/*      Manual penalty runs
  /api/reports/*        Portfolio reports
  /api/sizing/*         Stateless schedule preview
  /api/scenarios/*      Demo portfolios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness and store ping

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that enforces it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterOptions configures NewRouter. Zero values are valid.
type RouterOptions struct {
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	Store          Pinger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health(opts.Store))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/contracts", func(r chi.Router) {
			r.Get("/", h.ListContracts)
			r.Post("/", h.CreateContract)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetContract)
				r.Post("/activate", h.ActivateContract)
				r.Put("/terms", h.UpdateTerms)
				r.Get("/schedule", h.GetSchedule)
				r.Post("/payments", h.PostPayment)
				r.Get("/allocations", h.ListAllocations)
				r.Get("/settlement", h.QuoteSettlement)
				r.Post("/settlement", h.Settle)
				r.Post("/repossess", h.Repossess)
			})
		})

		r.Route("/penalty-rules", func(r chi.Router) {
			r.Get("/", h.ListPenaltyRules)
			r.Post("/", h.CreatePenaltyRule)
		})
		r.Post("/penalties/run", h.RunPenalties)

		r.Get("/reports/aging", h.AgingReport)
		r.Get("/reports/portfolio", h.PortfolioReport)
		r.Post("/sizing/preview", h.PreviewSizing)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with logrus.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
}
