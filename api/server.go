/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:           Request logging
  2. Recoverer:        Panic recovery (500 instead of crash)
  3. RequestID:        Unique ID per request for tracing
  4. CORS:             Cross-origin requests for frontends
  5. RequirePrincipal: Identity headers, /api only

ROUTE GROUPS:
  /healthz              Liveness and store ping
  /metrics              Prometheus scrape endpoint
  /api/leave-types/*    Rule registry
  /api/rules/*          Rule registry
  /api/courses, events  Training catalogue
  /api/allocations/*    Attendance and completion
  /api/leave-requests/* Leave lifecycle
  /api/escalations      Escalation monitor
  /api/audit-logs       Compliance reporting
  /api/employees/*      Directory, balances, entitlements
  /api/holidays         Calendar
  /api/scenarios/*      Demo data loaders

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/toil-engine/metrics"
)

// RouterOptions tunes the router. Zero values give the defaults below.
type RouterOptions struct {
	AllowedOrigins []string
	RequestLogging bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	if opts.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderPrincipalID, HeaderPrincipalRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.RequirePrincipal)

		r.Route("/leave-types", func(r chi.Router) {
			r.Get("/", h.ListLeaveTypes)
			r.Post("/", h.CreateLeaveType)
			r.Put("/{code}", h.UpdateLeaveType)
			r.Post("/{code}/deactivate", h.DeactivateLeaveType)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Put("/{code}", h.UpdateRule)
			r.Post("/{code}/deactivate", h.DeactivateRule)
		})

		r.Post("/courses", h.CreateCourse)

		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.CreateEvent)
			r.Get("/{id}", h.GetEvent)
			r.Get("/{id}/allocations", h.ListAllocations)
			r.Post("/{id}/allocations", h.Allocate)
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Post("/{id}/attendance", h.MarkAttendance)
			r.Post("/{id}/completion", h.ConfirmCompletion)
		})

		r.Route("/leave-requests", func(r chi.Router) {
			r.Get("/", h.ListLeaveRequests)
			r.Post("/", h.ApplyLeave)
			r.Get("/{id}", h.GetLeaveRequest)
			r.Post("/{id}/approve", h.ApproveLeave)
			r.Post("/{id}/reject", h.RejectLeave)
			r.Post("/{id}/cancel", h.CancelLeave)
			r.Post("/{id}/override", h.OverrideLeave)
		})

		r.Get("/escalations", h.ListEscalations)
		r.Get("/audit-logs", h.ListAuditLogs)

		r.Route("/employees", func(r chi.Router) {
			r.Post("/", h.RegisterEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Post("/{id}/entitlements", h.GrantEntitlement)
		})

		r.Route("/holidays", func(r chi.Router) {
			r.Get("/", h.ListHolidays)
			r.Post("/", h.CreateHoliday)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
