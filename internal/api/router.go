package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/Rx-Ventures/netvalve-orchestrator/internal/orchestrator"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/reconciler"
	"github.com/Rx-Ventures/netvalve-orchestrator/internal/session"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	sessions *session.Controller,
	orch *orchestrator.Service,
	recon *reconciler.Service,
) http.Handler {
	h := &Handlers{
		sessions: sessions,
		orch:     orch,
		recon:    recon,
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/netvalve", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		// Session initialization.
		r.Post("/hpf/session", h.InitSession)

		// Payment lifecycle.
		r.Post("/payment", h.Authorize)
		r.Post("/capture", h.Capture)
		r.Post("/refund", h.Refund)
		r.Post("/cancel", h.Cancel)
		r.Get("/status", h.Status)
		r.Get("/transactions/{id}", h.GetTransaction)

		// Webhooks.
		r.Post("/webhook", h.Webhook)
		r.Get("/webhooks/failed", h.ListFailedWebhooks)
	})

	// The storefront calls these endpoints from the browser during checkout.
	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(r)
}
