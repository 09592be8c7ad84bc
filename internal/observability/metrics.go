package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "matches_total", Help: "Total number of ride requests matched to a driver"})
	MatchBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "match_batch_size", Help: "Requests matched per accept", Buckets: []float64{1, 2, 3, 4, 5, 6, 8}})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "match_latency_seconds", Help: "Accept transaction latency seconds"})
	MatchFailures  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "match_failures_total", Help: "Accepts that matched nothing, by reason"},
		[]string{"reason"},
	)
	Compensations  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "match_compensations_total", Help: "Accept transactions rolled back after a partial failure"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "rides_completed_total", Help: "Total rides completed"})

	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_matching", Name: "point_queue_length", Help: "Pending requests per pickup point"},
		[]string{"point"},
	)
	// Summed over drivers; a per-driver label would grow without bound.
	AvailableSeats = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "ride_matching", Name: "available_seats", Help: "Available seats across tracked drivers"},
	)
	UsersOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_matching", Name: "users_online", Help: "Connected users by role"},
		[]string{"role"},
	)

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "inbound_messages_total", Help: "Inbound channel messages by event and outcome"},
		[]string{"event", "outcome"},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "deliveries_total", Help: "Outbound event deliveries by scope and result"},
		[]string{"event", "scope", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
