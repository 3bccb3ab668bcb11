package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"secumsg/internal/authz"
	"secumsg/internal/httpx"
	"secumsg/services/keys/internal/domain"
	"secumsg/services/keys/internal/dto"
	"secumsg/services/keys/internal/observability/metrics"
	"secumsg/services/keys/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 64 << 10

func NewRouter(svc *service.Service, verifier authz.Verifier) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.WithRequestAndTrace)
	r.Use(httpx.WithMetrics(metrics.HTTPRequestsTotal, metrics.HTTPRequestDurationSeconds))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handler{svc: svc}
	r.Route("/v1", func(r chi.Router) {
		r.Use(authz.Middleware(verifier, metrics.AuthenticationAttemptsTotal))
		r.Post("/devices", h.registerDevice)
		r.Get("/users/{userID}/devices", h.listDevices)
		r.Get("/devices/{deviceID}", h.getDevice)
		r.Get("/devices/{deviceID}/backup", h.getBackup)
		r.Delete("/devices/{deviceID}", h.revokeDevice)
	})
	return r
}

type handler struct {
	svc *service.Service
}

func (h *handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	logAttrs := httpx.LogAttrs(r.Context())
	claims, _ := authz.ClaimsFrom(r.Context())

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		httpx.WriteError(w, http.StatusBadRequest, "missing Idempotency-Key header")
		return
	}
	var req dto.RegisterDeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		httpx.WriteError(w, http.StatusBadRequest, "invalid json")
		slog.Warn("device registration decode failed", append(logAttrs, "error", err)...)
		return
	}

	res, err := h.svc.RegisterDevice(r.Context(), claims.UserID, idemKey, req)
	if err != nil {
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		status, msg := errorStatus(err)
		httpx.WriteError(w, status, msg)
		slog.Warn("device registration failed", append(logAttrs, "error", err, "user_id", claims.UserID, "device_id", req.DeviceID)...)
		return
	}
	result := "created"
	if res.Replayed {
		result = "replayed"
		w.Header().Set("Idempotent-Replayed", "true")
	}
	metrics.DeviceRegistrationsTotal.WithLabelValues(result).Inc()
	slog.Info("device registered", append(logAttrs, "user_id", claims.UserID, "device_id", res.Device.DeviceID, "replayed", res.Replayed)...)
	httpx.WriteJSON(w, res.Status, res.Device)
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		metrics.DirectoryLookupsTotal.WithLabelValues("list", "failure").Inc()
		httpx.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	res, err := h.svc.ListDevices(r.Context(), userID)
	if err != nil {
		metrics.DirectoryLookupsTotal.WithLabelValues("list", "failure").Inc()
		status, msg := errorStatus(err)
		httpx.WriteError(w, status, msg)
		slog.Warn("device list failed", append(httpx.LogAttrs(r.Context()), "error", err, "user_id", userID)...)
		return
	}
	metrics.DirectoryLookupsTotal.WithLabelValues("list", "success").Inc()
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		metrics.DirectoryLookupsTotal.WithLabelValues("device", "failure").Inc()
		httpx.WriteError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	res, err := h.svc.GetDevice(r.Context(), deviceID)
	if err != nil {
		metrics.DirectoryLookupsTotal.WithLabelValues("device", "failure").Inc()
		status, msg := errorStatus(err)
		httpx.WriteError(w, status, msg)
		return
	}
	metrics.DirectoryLookupsTotal.WithLabelValues("device", "success").Inc()
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) getBackup(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		metrics.DirectoryLookupsTotal.WithLabelValues("backup", "failure").Inc()
		httpx.WriteError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	res, err := h.svc.GetBackup(r.Context(), claims.UserID, deviceID)
	if err != nil {
		metrics.DirectoryLookupsTotal.WithLabelValues("backup", "failure").Inc()
		status, msg := errorStatus(err)
		httpx.WriteError(w, status, msg)
		slog.Warn("backup fetch failed", append(httpx.LogAttrs(r.Context()), "error", err, "device_id", deviceID)...)
		return
	}
	metrics.DirectoryLookupsTotal.WithLabelValues("backup", "success").Inc()
	slog.Info("backup fetched", append(httpx.LogAttrs(r.Context()), "user_id", claims.UserID, "device_id", deviceID)...)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	claims, _ := authz.ClaimsFrom(r.Context())
	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		metrics.DeviceRevocationsTotal.WithLabelValues("failure").Inc()
		httpx.WriteError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	res, err := h.svc.RevokeDevice(r.Context(), claims.UserID, deviceID)
	if err != nil {
		metrics.DeviceRevocationsTotal.WithLabelValues("failure").Inc()
		status, msg := errorStatus(err)
		httpx.WriteError(w, status, msg)
		slog.Warn("device revoke failed", append(httpx.LogAttrs(r.Context()), "error", err, "device_id", deviceID)...)
		return
	}
	metrics.DeviceRevocationsTotal.WithLabelValues("success").Inc()
	slog.Info("device revoked", append(httpx.LogAttrs(r.Context()), "user_id", claims.UserID, "device_id", deviceID)...)
	httpx.WriteJSON(w, http.StatusOK, res)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound, "device not found"
	case errors.Is(err, domain.ErrDeviceRevoked):
		return http.StatusGone, "device revoked"
	case errors.Is(err, domain.ErrDeviceConflict), errors.Is(err, service.ErrIdempotencyKeyReused):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
