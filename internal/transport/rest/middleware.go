package rest

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/transport/rest/response"
	"github.com/google/uuid"
)

const (
	deviceIDHeader  = "X-Device-Id"
	deviceCookieTTL = 2 * 365 * 24 * time.Hour
)

type IdentityOptions struct {
	CookieName string
	// IssueDevice mints a device id cookie for callers that present neither a
	// token nor a device id.
	IssueDevice  bool
	SecureCookie bool
}

// IdentityMiddleware resolves the balance owner for every request. The device
// id is read from the X-Device-Id header first, then from the cookie.
func IdentityMiddleware(resolver *security.Resolver, opt IdentityOptions) func(next http.Handler) http.Handler {
	if resolver == nil {
		panic("IdentityMiddleware: nil resolver")
	}
	if opt.CookieName == "" {
		opt.CookieName = "tarot_device_id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := security.BearerToken(r.Header.Get("Authorization"))
			device := strings.TrimSpace(r.Header.Get(deviceIDHeader))
			if device == "" {
				if c, err := r.Cookie(opt.CookieName); err == nil {
					device = strings.TrimSpace(c.Value)
				}
			}

			if bearer == "" && device == "" && opt.IssueDevice {
				device = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     opt.CookieName,
					Value:    device,
					Path:     "/",
					MaxAge:   int(deviceCookieTTL / time.Second),
					HttpOnly: true,
					Secure:   opt.SecureCookie,
					SameSite: http.SameSiteLaxMode,
				})
			}

			p, err := resolver.Resolve(bearer, device)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrInvalidIdentity):
					fail(w, r, http.StatusBadRequest, "identity.invalid", "invalid device id", nil)
				case errors.Is(err, domain.ErrNoIdentity):
					fail(w, r, http.StatusUnauthorized, "identity.missing", "no identity", nil)
				default:
					fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects callers whose verified token does not carry the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r.Context())
		if !ok {
			fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
			return
		}
		if !p.IsAdmin() {
			fail(w, r, http.StatusForbidden, "auth.forbidden", "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware is the shared fixed-window limit backed by the cache.
func RateLimitMiddleware(cache domain.CacheRepository, limit int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, _ := cache.AllowRequest(r.Context(), clientIP(r), limit, window)
			if !allowed {
				response.RetryAfter(w, window)
				fail(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the RemoteAddr host part; X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		// JSON-only API
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "same-site")
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
