// Package router assembles the gateway's HTTP surface.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"secumsg/internal/authz"
	"secumsg/internal/httpx"
	"secumsg/internal/jwtsigner"
	"secumsg/services/gateway/internal/observability/metrics"
	"secumsg/services/gateway/internal/proxy"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Keys     *proxy.Upstream
	Messages *proxy.Upstream
	Verifier authz.Verifier
	// Signer is the development token issuer; nil disables /dev/token.
	Signer         *jwtsigner.Signer
	CORSOrigins    []string
	RateLimit      int
	RequestTimeout time.Duration
}

const devTokenTTL = time.Hour

func New(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(httpx.WithRequestAndTrace)
	r.Use(httpx.WithMetrics(metrics.HTTPRequestsTotal, metrics.HTTPRequestDurationSeconds))
	if d.RateLimit > 0 {
		r.Use(httprate.LimitByIP(d.RateLimit, time.Minute))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Trace-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// The socket authenticates with its first frame, and must not inherit
	// the request timeout.
	r.Handle("/ws", d.Messages.WebSocket())

	if d.Signer != nil {
		r.Get("/.well-known/jwks.json", d.Signer.JWKSHandler())
		r.Post("/dev/token", devToken(d.Signer))
	}

	r.Group(func(r chi.Router) {
		if d.RequestTimeout > 0 {
			r.Use(chimw.Timeout(d.RequestTimeout))
		}
		r.Use(authz.Middleware(d.Verifier, metrics.AuthenticationAttemptsTotal))

		keys := d.Keys.Forward()
		r.Post("/v1/devices", keys)
		r.Delete("/v1/devices/{deviceID}", keys)
		r.Get("/v1/devices/{deviceID}", keys)
		r.Get("/v1/devices/{deviceID}/backup", keys)
		r.Get("/v1/users/{userID}/devices", keys)

		msgs := d.Messages.Forward()
		r.Get("/v1/messages/sync", msgs)
		r.Get("/v1/read-receipts", msgs)
		r.Get("/v1/conversations", msgs)

		r.Get("/v1/me", func(w http.ResponseWriter, r *http.Request) {
			claims, _ := authz.ClaimsFrom(r.Context())
			out := map[string]any{"userId": claims.UserID}
			if claims.DeviceID != uuid.Nil {
				out["deviceId"] = claims.DeviceID
			}
			httpx.WriteJSON(w, http.StatusOK, out)
		})
	})
	return r
}

type devTokenRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId,omitempty"`
}

// devToken mints access tokens for local development. A missing userId
// creates a fresh user.
func devToken(s *jwtsigner.Signer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req devTokenRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid json")
				return
			}
		}
		userID := uuid.New()
		if req.UserID != "" {
			id, err := uuid.Parse(req.UserID)
			if err != nil || id == uuid.Nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid userId")
				return
			}
			userID = id
		}
		deviceID := uuid.Nil
		if req.DeviceID != "" {
			id, err := uuid.Parse(req.DeviceID)
			if err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "invalid deviceId")
				return
			}
			deviceID = id
		}
		tok, err := s.IssueAccessToken(userID, deviceID, devTokenTTL)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "issue token")
			return
		}
		metrics.DevTokensIssuedTotal.WithLabelValues().Inc()
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"accessToken": tok,
			"tokenType":   "Bearer",
			"expiresIn":   int(devTokenTTL.Seconds()),
			"userId":      userID,
		})
	}
}
