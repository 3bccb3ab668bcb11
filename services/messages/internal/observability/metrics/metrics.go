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

	MessagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_stored_total",
			Help: "Total number of stored messages.",
		},
		[]string{"service", "chat_type"},
	)

	MessagesCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored deliveries.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service", "chat_type"},
	)

	MessageHistoryFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_history_fetched_total",
			Help: "Total number of history fetch operations.",
		},
		[]string{"service", "scope"},
	)

	ReadUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_read_updates_total",
			Help: "Last-read updates by result (advanced, unchanged, failure).",
		},
		[]string{"service", "result"},
	)

	WSConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messages_ws_connections",
			Help: "Authenticated websocket connections.",
		},
		[]string{"service"},
	)

	WSFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_ws_frames_total",
			Help: "Websocket frames by direction and type.",
		},
		[]string{"service", "direction", "type"},
	)

	WSClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_ws_closes_total",
			Help: "Server-initiated websocket closes by close code.",
		},
		[]string{"service", "code"},
	)
)

func MustRegister(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	AuthenticationAttemptsTotal = AuthenticationAttemptsTotal.MustCurryWith(labels)
	MessagesStoredTotal = MessagesStoredTotal.MustCurryWith(labels)
	MessagesCiphertextBytes = MessagesCiphertextBytes.MustCurryWith(labels).(*prometheus.HistogramVec)
	MessageHistoryFetchedTotal = MessageHistoryFetchedTotal.MustCurryWith(labels)
	ReadUpdatesTotal = ReadUpdatesTotal.MustCurryWith(labels)
	WSConnections = WSConnections.MustCurryWith(labels)
	WSFramesTotal = WSFramesTotal.MustCurryWith(labels)
	WSClosesTotal = WSClosesTotal.MustCurryWith(labels)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthenticationAttemptsTotal,
		MessagesStoredTotal,
		MessagesCiphertextBytes,
		MessageHistoryFetchedTotal,
		ReadUpdatesTotal,
		WSConnections,
		WSFramesTotal,
		WSClosesTotal,
	)
}
