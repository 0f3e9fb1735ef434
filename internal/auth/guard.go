package auth

import (
	"net/http"

	"authgate/internal/observability"
	"authgate/internal/ratelimit"
)

// Guards are the cross-cutting checks composed in front of handlers in a
// fixed order: rate limit, then blocklist, then authentication. Each one
// short-circuits with its own response instead of wrapping call sites.

// RateLimitGuard applies the scope's anonymous budget keyed by source
// address. Authenticated, per-user budgets go through CheckRateLimit.
func RateLimitGuard(service *Service, scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := service.CheckRateLimit(r.Context(), RequestContext{
			Role:      ratelimit.RoleAnonymous,
			IPAddress: observability.ClientIP(r),
			UserAgent: r.UserAgent(),
		}, scope)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if !decision.Allowed {
			setRetryAfter(w, decision.RetryAfter)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// BlocklistGuard rejects requests from blocked source addresses before any
// handler logic runs.
func BlocklistGuard(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)
		blocked, info, err := service.blocklist.IsBlocked(r.Context(), ip)
		if err != nil {
			// Blocklist reads fail closed: an unreadable blocklist must
			// not wave blocked traffic through.
			writeAuthError(w, service.storeFailure(r.Context(), "blocklist", ip, r.UserAgent(), err))
			return
		}
		if blocked {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusForbidden, "source address blocked: "+info.Reason)
			return
		}

		next.ServeHTTP(w, r)
	})
}
