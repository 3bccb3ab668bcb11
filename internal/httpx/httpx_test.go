package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   xyz  ", "xyz", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, ok := BearerToken(r)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("BearerToken(%q) = %q,%v want %q,%v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestWithRequestAndTraceEchoesIDs(t *testing.T) {
	var seenReq, seenTrace string
	h := WithRequestAndTrace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenReq = RequestIDFromContext(r.Context())
		seenTrace = TraceIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if seenReq != "req-1" {
		t.Fatalf("request id not propagated: %q", seenReq)
	}
	if seenTrace == "" || w.Header().Get("X-Trace-ID") != seenTrace {
		t.Fatalf("trace id not generated/echoed: ctx=%q header=%q", seenTrace, w.Header().Get("X-Trace-ID"))
	}
}

func TestWithMetricsUsesRoutePattern(t *testing.T) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_http_requests_total"}, []string{"method", "path", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_http_request_duration_seconds"}, []string{"method", "path"})

	r := chi.NewRouter()
	r.Use(WithMetrics(requests, durations))
	r.Get("/v1/devices/{deviceID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/devices/"+id, nil))
	}

	if got := testutil.ToFloat64(requests.WithLabelValues(http.MethodGet, "/v1/devices/{deviceID}", "418")); got != 2 {
		t.Fatalf("expected 2 requests on the route pattern, got %v", got)
	}
}
