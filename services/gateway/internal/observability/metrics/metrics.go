package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Bearer token checks by verifier and result.",
		},
		[]string{"service", "method", "result"},
	)

	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Proxied requests by upstream and status class.",
		},
		[]string{"service", "upstream", "status"},
	)

	UpstreamDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream round trip time.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "upstream"},
	)

	DevTokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dev_tokens_issued_total",
			Help: "Access tokens minted by the development issuer.",
		},
		[]string{"service"},
	)
)

func MustRegister(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	AuthenticationAttemptsTotal = AuthenticationAttemptsTotal.MustCurryWith(labels)
	UpstreamRequestsTotal = UpstreamRequestsTotal.MustCurryWith(labels)
	UpstreamDurationSeconds = UpstreamDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	DevTokensIssuedTotal = DevTokensIssuedTotal.MustCurryWith(labels)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthenticationAttemptsTotal,
		UpstreamRequestsTotal,
		UpstreamDurationSeconds,
		DevTokensIssuedTotal,
	)
}
