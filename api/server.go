/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in the request log
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. requestLog: One zerolog line per request
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/employees/*             Employees, points, history, escalations, training
  /api/contravention-types/*   Reference data (admin writes)
  /api/contraventions/*        Approval workflow
  /api/approvals/*             Approver inbox and decisions
  /api/training/*, /courses    Training lifecycle
  /api/escalations/*           Action completion
  /api/admin/*                 Bulk jobs, reset history, demo scenarios
  /health, /metrics            Liveness and Prometheus scrape

IDENTITY:
  Authentication happens upstream. The caller is read from the
  X-Actor-ID, X-Actor-Email and X-Actor-Role headers (see actorFrom).

SEE ALSO:
  - handlers.go: Handler and shared helpers
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
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerActorID, headerActorEmail, headerActorRole},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	gatherer := h.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		// Employee routes
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.With(h.requireAdmin).Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Get("/{id}/points", h.GetPoints)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/escalations", h.GetEscalations)
			r.Get("/{id}/training", h.GetTraining)
			r.With(h.requireAdmin).Post("/{id}/training", h.AssignTraining)
		})

		// Reference data
		r.Route("/contravention-types", func(r chi.Router) {
			r.Get("/", h.ListTypes)
			r.Post("/", h.CreateType)
			r.Put("/{id}", h.UpdateType)
		})

		// Workflow routes
		r.Route("/contraventions", func(r chi.Router) {
			r.Get("/", h.ListContraventions)
			r.Post("/", h.CreateContravention)
			r.Get("/{id}", h.GetContravention)
			r.Delete("/{id}", h.DeleteContravention)
			r.Post("/{id}/upload", h.UploadApproval)
			r.Post("/{id}/document", h.ReplaceDocument)
			r.Post("/{id}/resubmit", h.Resubmit)
			r.Post("/{id}/complete", h.MarkComplete)
			r.Post("/{id}/void", h.VoidContravention)
			r.Get("/{id}/approvals", h.ListApprovals)
		})

		// Approver routes
		r.Route("/approvals", func(r chi.Router) {
			r.Get("/pending", h.ListPendingApprovals)
			r.Post("/{id}/decision", h.DecideApproval)
		})

		// Training routes
		r.Route("/training", func(r chi.Router) {
			r.Post("/{id}/start", h.StartTraining)
			r.Post("/{id}/complete", h.CompleteTraining)
			r.With(h.requireAdmin).Post("/{id}/waive", h.WaiveTraining)
		})
		r.Route("/courses", func(r chi.Router) {
			r.Get("/", h.ListCourses)
			r.With(h.requireAdmin).Post("/", h.SaveCourse)
		})

		r.Post("/escalations/{id}/actions/{code}/complete", h.CompleteEscalationAction)
		r.Get("/policy", h.GetPolicy)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/fiscal-reset", h.FiscalReset)
			r.Post("/reconcile", h.Reconcile)
			r.Post("/recalculate-escalations", h.RecalculateEscalations)
			r.Post("/training-overdue", h.MarkTrainingOverdue)
			r.Post("/decay", h.ApplyDecay)
			r.Get("/reset-runs", h.ListResetRuns)
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}

// requestLog writes one line per request once the response is done.
func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// requireAdmin rejects callers without the admin role.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !actorFrom(r).Admin {
			writeError(w, http.StatusForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
