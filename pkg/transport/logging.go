package transport

import (
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// quietPaths are probed constantly by orchestrators and logged at debug.
var quietPaths = []string{"/healthz", "/readyz", "/metrics"}

// Logging writes one line per request. Server errors are logged at
// error level and rejected credentials, forbidden routes, and rate
// limits at warn, so they stand out from ordinary client mistakes.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rl := &responseLog{ResponseWriter: w}
			next.ServeHTTP(rl, r)

			status := rl.code()
			logger.LogAttrs(r.Context(), requestLevel(r.URL.Path, status), "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", rl.bytes),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", RequestIDFromContext(r.Context())),
			)
		})
	}
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return slog.LevelWarn
	case slices.Contains(quietPaths, path):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
