package authz

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"secumsg/internal/httpx"
)

// Middleware rejects requests without a valid bearer token and stores the
// verified claims in the request context. attempts may be nil; otherwise it
// is incremented with (verifier name, result).
func Middleware(v Verifier, attempts *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := "success"
			defer func() {
				if attempts != nil {
					attempts.WithLabelValues(v.Name(), result).Inc()
				}
			}()
			logAttrs := httpx.LogAttrs(r.Context())

			tok, ok := httpx.BearerToken(r)
			if !ok {
				result = "failure"
				httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token")
				slog.Warn("auth missing bearer", logAttrs...)
				return
			}
			claims, err := v.Verify(r.Context(), tok)
			if err != nil {
				result = "failure"
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				httpx.WriteError(w, http.StatusUnauthorized, msg)
				slog.Warn("auth invalid token", append(logAttrs, "error", err)...)
				return
			}
			slog.Debug("auth passed", append(logAttrs, "method", v.Name(), "subject", claims.UserID)...)
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}
