package rest

import (
	"net/http"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/metrics"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

type RouterDeps struct {
	// Cache backs the shared rate limit; nil disables it.
	Cache    domain.CacheRepository
	Handler  *Handler
	Resolver *security.Resolver
	Identity IdentityOptions

	RateLimit  int
	RateWindow time.Duration
	// ShareVisitBurst caps share-visit posts per IP per minute in-process.
	ShareVisitBurst int
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Resolver == nil {
		panic("rest.NewRouter: nil resolver")
	}
	if d.RateLimit <= 0 {
		d.RateLimit = 100
	}
	if d.RateWindow <= 0 {
		d.RateWindow = time.Minute
	}
	if d.ShareVisitBurst <= 0 {
		d.ShareVisitBurst = 30
	}

	r := chi.NewRouter()

	// Request ID + structured access log
	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(metrics.Middleware)

	// Panic recovery
	r.Use(middleware.Recoverer)

	if d.Cache != nil {
		r.Use(RateLimitMiddleware(d.Cache, d.RateLimit, d.RateWindow))
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", d.Handler.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(d.Resolver, d.Identity))

		r.Get("/balance", d.Handler.Balance)
		r.Post("/readings/charge", d.Handler.ChargeReading)
		r.Get("/transactions", d.Handler.Transactions)

		r.With(httprate.LimitByIP(d.ShareVisitBurst, time.Minute)).
			Post("/shares/{sharedID}/visits", d.Handler.ShareVisit)
		r.Get("/notifications", d.Handler.Notifications)

		r.Post("/referrals/code", d.Handler.ReferralCode)
		r.Post("/referrals/redeem", d.Handler.RedeemReferral)

		r.Post("/identity/merge", d.Handler.Merge)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/credits", d.Handler.AdminCredit)
			r.Put("/balances", d.Handler.AdminSetBalance)
		})
	})

	return r
}
