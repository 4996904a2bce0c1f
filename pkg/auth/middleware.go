package auth

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/observability"
	"github.com/rhuss/labflow/pkg/storage"
	"github.com/rhuss/labflow/pkg/transport"
)

// DefaultBypassEndpoints skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Guard configures Middleware beyond the chain itself. The zero value
// authenticates every path with no limits or restrictions.
type Guard struct {
	Limiter      RateLimiter
	Restrictions *Restrictions
	Bypass       []string
}

// Middleware authenticates requests with chain, then applies the
// guard's restrictions and rate limit. Admitted requests carry the
// identity in their context, and its subject as the storage actor.
func Middleware(chain *Chain, g Guard) transport.Middleware {
	bypass := make(map[string]struct{}, len(g.Bypass))
	for _, p := range g.Bypass {
		bypass[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := bypass[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			res := chain.Authenticate(r.Context(), r)
			if res.Decision != Allow || res.Identity == nil {
				slog.Warn("request not authenticated",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"decision", res.Decision,
					"error", res.Err,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="labflow"`)
				transport.WriteAPIError(w, api.NewUnauthorizedError("authentication required"))
				return
			}
			id := res.Identity
			if id.Subject == "" {
				slog.Error("authenticator admitted an identity without subject")
				transport.WriteAPIError(w, api.NewServerError("internal authentication error"))
				return
			}

			if err := g.Restrictions.Permit(r, id); err != nil {
				slog.Warn("request forbidden", "subject", id.Subject, "role", id.Role, "error", err)
				transport.WriteAPIError(w, api.NewForbiddenError(err.Error()))
				return
			}

			if g.Limiter != nil {
				if err := g.Limiter.Allow(r.Context(), id); err != nil {
					var le *LimitError
					if errors.As(err, &le) {
						w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(le.RetryAfter.Seconds()))))
					}
					observability.RateLimitRejected.WithLabelValues(id.Role).Inc()
					debug.Log(debug.Auth, "rate limited", "subject", id.Subject, "role", id.Role)
					transport.WriteAPIError(w, api.NewTooManyRequestsError(err.Error()))
					return
				}
			}

			debug.Log(debug.Auth, "request authenticated",
				"subject", id.Subject, "role", id.Role, "site", id.Site, "path", r.URL.Path)

			ctx := storage.SetActor(WithIdentity(r.Context(), id), id.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
