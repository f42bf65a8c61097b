/**
 * @description
 * This file sets up the HTTP router for the crowdfund-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the cross-cutting parts of the router.
type RouterOptions struct {
	Auth           AuthConfig
	AllowedOrigins []string
	Timeout        time.Duration
	Metrics        http.Handler
}

// CrowdfundRoutes creates and returns a new router for the crowdfund service.
func CrowdfundRoutes(h *CrowdfundHandlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.Timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Get("/summary", h.GetSummaryHandler)
	r.Get("/campaigns", h.ListCampaignsHandler)
	r.Get("/campaigns/{id}", h.GetCampaignHandler)
	r.Get("/campaigns/{id}/contributions/{identity}", h.GetContributionHandler)
	r.Get("/campaigns/{id}/insights", h.GetInsightsHandler)

	// Group routes that require an authenticated caller.
	r.Group(func(r chi.Router) {
		r.Use(CallerAuthMiddleware(opts.Auth))

		r.Post("/campaigns", h.CreateCampaignHandler)
		r.Post("/campaigns/{id}/contributions", h.ContributeHandler)
		r.Post("/campaigns/{id}/withdraw", h.WithdrawHandler)
		r.Post("/campaigns/{id}/refund", h.RefundHandler)
		r.Post("/campaigns/{id}/report", h.ReportHandler)

		// Moderator endpoints; authorization happens in the escrow engine.
		r.Put("/campaigns/{id}/approval", h.ApprovalHandler)
		r.Put("/campaigns/{id}/hold", h.HoldHandler)
		r.Get("/campaigns/{id}/journal", h.JournalHandler)
	})

	return r
}
