package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shelfkey/server/internal/auth"
	"github.com/shelfkey/server/internal/device"
	"github.com/shelfkey/server/internal/http/handlers"
	"github.com/shelfkey/server/internal/license"
	"github.com/shelfkey/server/internal/loan"
	"github.com/shelfkey/server/internal/metrics"
	"github.com/shelfkey/server/internal/middleware"
	"github.com/shelfkey/server/internal/repo"
)

// Deps are the collaborators the router needs
type Deps struct {
	JWT         *auth.JWTService
	Users       repo.UserRepo
	Devices     *device.Registry
	Loans       *loan.Manager
	Licenses    *license.Manager
	RateLimiter *middleware.RateLimiter
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Instrument(d.Metrics))

	r.Get("/health", handlers.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	deviceHandler := handlers.NewDeviceHandler(d.Devices, d.Logger)
	loanHandler := handlers.NewLoanHandler(d.Loans, d.Logger)
	licenseHandler := handlers.NewLicenseHandler(d.Licenses, d.Logger)

	r.Get("/licenses/public-key", licenseHandler.HandlePublicKey)

	// Protected routes (require valid JWT)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.JWT, d.Users, d.Logger))
		r.Use(middleware.RateLimitMiddleware(d.RateLimiter, middleware.UserKey))

		r.Get("/me", handlers.HandleMe)

		r.Route("/devices", func(r chi.Router) {
			r.Post("/register", deviceHandler.HandleRegister)
			r.Get("/me", deviceHandler.HandleList)
			r.Delete("/{deviceId}", deviceHandler.HandleDeactivate)
			r.Put("/{deviceId}/activity", deviceHandler.HandleActivity)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Post("/", loanHandler.HandleCreate)
			r.Get("/", loanHandler.HandleList)
			r.Post("/{loanId}/return", loanHandler.HandleReturn)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Get("/statistics", loanHandler.HandleStatistics)
				r.Get("/admin/active", loanHandler.HandleAllActive)
				r.Post("/{loanId}/revoke", loanHandler.HandleRevoke)
				r.Post("/admin/users/{userId}/return-all", loanHandler.HandleReturnAll)
			})
		})

		r.Route("/licenses", func(r chi.Router) {
			r.Post("/", licenseHandler.HandleIssue)
			r.Post("/renew", licenseHandler.HandleRenew)
			r.Get("/updates", licenseHandler.HandleUpdates)
			r.Get("/me", licenseHandler.HandleMine)
			r.Get("/expiring", licenseHandler.HandleExpiring)
		})
	})

	return r
}
