package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimAttempts records locker claim attempts by result (success|no_capacity|error).
	ClaimAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_claim_attempts_total",
			Help: "Total number of locker claim attempts",
		},
		[]string{"result"},
	)

	// UnlockAttempts records PIN unlock attempts by result (success|unauthorized|ambiguous|error).
	UnlockAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_unlock_attempts_total",
			Help: "Total number of PIN unlock attempts",
		},
		[]string{"result"},
	)

	// OccupiedLockers tracks the number of lockers currently occupied.
	OccupiedLockers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockerd_occupied_lockers",
			Help: "Number of lockers currently occupied",
		},
	)

	// ChannelSubscribers tracks live channel connections across all lockers.
	ChannelSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockerd_channel_subscribers",
			Help: "Number of live locker channel connections",
		},
	)

	// BroadcastDeliveries counts per-connection broadcast deliveries by outcome (sent|evicted).
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockerd_broadcast_deliveries_total",
			Help: "Broadcast delivery attempts per connection",
		},
		[]string{"outcome"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockerd_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
