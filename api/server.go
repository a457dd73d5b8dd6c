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
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/users/*       Balance, history, points operations
  /api/rules/*       Earning and expiry rule management
  /api/tiers/*       Tier hierarchy and benefits
  /api/benefits/*    Benefit catalog
  /api/referral/*    Referral configs, slots, allocation
  /api/flags/*       Abuse flag workflow
  /healthz           Liveness probe

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
		// User balance and points operations
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
			r.Post("/earn", h.Earn)
			r.Post("/confirm", h.Confirm)
			r.Post("/redeem", h.Redeem)
			r.Post("/reverse", h.Reverse)
			r.Get("/flags", h.UserFlags)
		})

		// Rule management
		r.Route("/rules", func(r chi.Router) {
			r.Route("/earning", func(r chi.Router) {
				r.Get("/", h.ListEarningRules)
				r.Post("/", h.CreateEarningRule)
				r.Get("/{id}", h.GetEarningRule)
				r.Put("/{id}", h.UpdateEarningRule)
				r.Delete("/{id}", h.DeleteEarningRule)
			})
			r.Route("/expiry", func(r chi.Router) {
				r.Get("/", h.ListExpiryRules)
				r.Post("/", h.CreateExpiryRule)
				r.Get("/{id}", h.GetExpiryRule)
				r.Put("/{id}", h.UpdateExpiryRule)
				r.Delete("/{id}", h.DeleteExpiryRule)
			})
		})

		// Tier management
		r.Route("/tiers", func(r chi.Router) {
			r.Get("/", h.ListTiers)
			r.Post("/", h.CreateTier)
			r.Post("/reorder", h.ReorderTiers)
			r.Get("/{id}", h.GetTier)
			r.Put("/{id}", h.UpdateTier)
			r.Delete("/{id}", h.DeleteTier)
			r.Get("/{id}/benefits", h.TierBenefits)
			r.Post("/{id}/benefits/{benefitId}", h.AttachBenefit)
			r.Delete("/{id}/benefits/{benefitId}", h.DetachBenefit)
		})

		// Benefit catalog
		r.Route("/benefits", func(r chi.Router) {
			r.Get("/", h.ListBenefits)
			r.Post("/", h.CreateBenefit)
		})

		// Referral program
		r.Route("/referral", func(r chi.Router) {
			r.Route("/configs", func(r chi.Router) {
				r.Get("/", h.ListReferralConfigs)
				r.Post("/", h.CreateReferralConfig)
				r.Get("/{id}", h.GetReferralConfig)
				r.Get("/{id}/slots", h.ListSlots)
				r.Post("/{id}/slots", h.CreateSlot)
				r.Post("/{id}/allocate", h.Allocate)
			})
			r.Route("/slots", func(r chi.Router) {
				r.Put("/{id}", h.UpdateSlot)
				r.Delete("/{id}", h.DeleteSlot)
			})
		})

		// Abuse flag workflow
		r.Route("/flags", func(r chi.Router) {
			r.Get("/", h.ListFlags)
			r.Post("/", h.OpenFlag)
			r.Get("/{id}", h.GetFlag)
			r.Post("/{id}/review", h.ReviewFlag)
			r.Post("/{id}/resolve", h.ResolveFlag)
			r.Post("/{id}/dismiss", h.DismissFlag)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
