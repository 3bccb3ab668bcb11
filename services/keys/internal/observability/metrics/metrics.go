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

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_device_registrations_total",
			Help: "Device registrations by result (created, replayed, failure).",
		},
		[]string{"service", "result"},
	)

	DeviceRevocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_device_revocations_total",
			Help: "Device revocations by result.",
		},
		[]string{"service", "result"},
	)

	DirectoryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_directory_lookups_total",
			Help: "Device list and backup lookups.",
		},
		[]string{"service", "kind", "result"},
	)
)

func MustRegister(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	AuthenticationAttemptsTotal = AuthenticationAttemptsTotal.MustCurryWith(labels)
	DeviceRegistrationsTotal = DeviceRegistrationsTotal.MustCurryWith(labels)
	DeviceRevocationsTotal = DeviceRevocationsTotal.MustCurryWith(labels)
	DirectoryLookupsTotal = DirectoryLookupsTotal.MustCurryWith(labels)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthenticationAttemptsTotal,
		DeviceRegistrationsTotal,
		DeviceRevocationsTotal,
		DirectoryLookupsTotal,
	)
}
