package httpx

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Preserve hijacking support (needed for websocket upgrades).
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithMetrics records request counts and latencies. The vectors are expected
// to be curried with the service label already, leaving method, path and
// status (counter) or method and path (histogram).
func WithMetrics(requests *prometheus.CounterVec, durations *prometheus.HistogramVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start).Seconds()
			path := routePattern(r)
			statusStr := strconv.Itoa(sr.status)

			requests.WithLabelValues(r.Method, path, statusStr).Inc()
			durations.WithLabelValues(r.Method, path).Observe(duration)

			slog.Default().Debug("request metrics updated",
				"method", r.Method,
				"path", path,
				"status", sr.status,
				"duration_seconds", duration,
			)
		})
	}
}

// routePattern keeps label cardinality bounded by using the matched chi
// pattern instead of the raw path when one is available.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
