/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards
  5. requireTenant: Session tenant + actor headers (per route group)

ROUTE GROUPS:
  /api/ledger/*       Posting contract, balances, summary
  /api/periods/*      Close calendar
  /api/locks/*        Ledger freezes
  /api/settlements/*  Payout state machine
  /api/overrides/*    Dual-confirmation workflow
  /api/recon/*        Gateway reconciliation
  /api/gateways/*     Router health (read-only)
  /api/route/*        Selection dry-run
  /api/webhooks/*     Gateway callbacks (HMAC-verified)
  /api/health         Liveness probe (no tenant)
  /metrics            Prometheus scrape (no tenant)

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arthapay/paycore/domain"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, reg *prometheus.Registry) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Actor-ID", "X-Actor-Role", "X-Webhook-Signature"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		})

		// Everything below runs with a session tenant.
		r.Group(func(r chi.Router) {
			r.Use(h.requireTenant)

			r.Route("/ledger", func(r chi.Router) {
				r.Post("/transactions", h.PostTransaction)
				r.Get("/transactions/{id}", h.GetTransaction)
				r.Post("/transactions/{id}/reverse", h.ReverseTransaction)
				r.Get("/balances", h.ListBalances)
				r.Get("/balances/{code}", h.GetBalance)
				r.Get("/summary", h.GetSummary)
			})

			r.Route("/periods", func(r chi.Router) {
				r.Get("/", h.ListPeriods)
				r.Post("/", h.CreatePeriod)
				r.Get("/posting-check", h.CheckPosting)
				r.Post("/{id}/close", h.ClosePeriod)
			})

			r.Route("/locks", func(r chi.Router) {
				r.Get("/", h.ListLocks)
				r.Post("/", h.ApplyLock)
				r.Get("/status", h.LockStatus)
				r.Post("/{id}/release", h.requireRole(domain.RoleFinanceAdmin, h.ReleaseLock))
			})

			r.Route("/settlements", func(r chi.Router) {
				r.Get("/", h.ListSettlements)
				r.Post("/", h.CreateSettlement)
				r.Get("/{id}", h.GetSettlement)
				r.Get("/{id}/history", h.SettlementHistory)
				r.Post("/{id}/transition", h.TransitionSettlement)
				r.Post("/{id}/retry", h.RetrySettlement)
			})

			r.Route("/overrides", func(r chi.Router) {
				r.Get("/", h.ListOverrides)
				r.Post("/", h.RequestOverride)
				r.Post("/{id}/approve", h.requireRole(domain.RoleComplianceAdmin, h.ApproveOverride))
				r.Post("/{id}/reject", h.requireRole(domain.RoleComplianceAdmin, h.RejectOverride))
			})

			r.Route("/recon", func(r chi.Router) {
				r.Post("/runs", h.RunRecon)
				r.Get("/runs/{id}", h.GetReconBatch)
				r.Get("/runs/{id}/items", h.ListReconItems)
				r.Post("/runs/{id}/cancel", h.CancelRecon)
				r.Post("/items/{id}/resolve", h.ResolveReconItem)
			})

			r.Post("/payments", h.InitiatePayment)
			r.Get("/gateways/health", h.GatewayHealth)
			r.Post("/route/preview", h.RoutePreview)

			r.Post("/webhooks/upi/qr", h.UPIWebhook)
		})
	})

	return r
}
