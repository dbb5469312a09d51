package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "matches_total", Help: "Total number of rides bound to a worker"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "match_latency_seconds", Help: "Time from ride request creation to assignment"})

	SessionsConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_matching", Name: "sessions_connected", Help: "Live duplex sessions by kind"},
		[]string{"kind"},
	)
	SessionSends = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "session_sends_total", Help: "Events pushed to sessions by kind and result"},
		[]string{"kind", "result"},
	)

	RideRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "ride_requests_total", Help: "Ride request submissions by outcome"},
		[]string{"outcome"},
	)
	AcceptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "accept_attempts_total", Help: "Ride acceptance attempts by outcome"},
		[]string{"outcome"},
	)
	RidesClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "rides_closed_total", Help: "Rides completed or cancelled"},
		[]string{"reason"},
	)

	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "location_updates_total", Help: "Worker location updates written"})
	LocationDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "location_updates_dropped_total", Help: "Malformed location updates dropped"})

	ChannelMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "channel_messages_total", Help: "Cross-process channel messages by direction and result"},
		[]string{"direction", "result"},
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
