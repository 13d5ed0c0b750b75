/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request counters and latency (when enabled)
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/students/*       Students, schedules, billing, settlements
  /api/lessons          Generated lessons
  /api/cancellations, /api/makeups, /api/extras/*, /api/reschedules,
  /api/rate-edits       Schedule exceptions
  /api/reports/*        Reconciliation and income forecast
  /api/admin/*          Makeup settlement and legacy migration
  /health, /metrics     Operations

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

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        *Metrics // nil disables /metrics
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetStudent)
				r.Put("/", h.UpdateStudent)
				r.Delete("/", h.DeleteStudent)
				r.Get("/counters", h.CheckCounters)
				r.Put("/counters", h.AdjustCounters)
				r.Get("/ledger", h.GetLedger)
				r.Get("/schedule", h.GetSchedule)
				r.Put("/schedule", h.ReplaceSchedule)
				r.Get("/bill", h.GetBill)
				r.Get("/settlements", h.GetSettlements)
				r.Put("/settlements", h.SaveSettlements)
				r.Get("/settlements.xlsx", h.ExportSettlements)
				r.Get("/reconciliation/{period}", h.GetReconciliation)
			})
		})

		r.Get("/lessons", h.ListLessons)

		r.Post("/cancellations", h.CancelLesson)
		r.Post("/makeups", h.ScheduleMakeup)
		r.Post("/reschedules", h.RescheduleLesson)
		r.Post("/rate-edits", h.EditLessonRate)
		r.Route("/extras", func(r chi.Router) {
			r.Post("/", h.AddExtra)
			r.Put("/{id}", h.UpdateExtra)
			r.Delete("/{id}", h.DeleteExtra)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/reconciliation", h.ReconciliationReport)
			r.Get("/forecast", h.Forecast)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/settle-makeups", h.SettleMakeups)
			r.Post("/migrate-legacy", h.MigrateLegacy)
		})
	})

	return r
}
