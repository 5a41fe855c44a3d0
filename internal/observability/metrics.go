package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "broadcasts_total", Help: "Ride offers broadcast to candidate drivers"})
	AcceptsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Rides resolved by a winning acceptance"})
	RaceLossesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "race_losses_total", Help: "Accept attempts that lost the single-winner race"})
	ExpiredTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Offer windows that elapsed with no acceptance"})
	CancelledTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Rides cancelled by the requester during broadcast"})
	NoDriversTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "no_drivers_total", Help: "Dispatch attempts that found zero eligible drivers"})

	CandidatesPerBroadcast = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "candidates_per_broadcast",
		Help:      "Eligible drivers notified per ride offer",
		Buckets:   []float64{1, 2, 5, 10, 25, 50},
	})

	PushDelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "push_delivered_total", Help: "Push notifications delivered"})
	PushFailed    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "push_failed_total", Help: "Push notifications that failed per recipient"})

	WSSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_sessions", Help: "Open websocket sessions"},
		[]string{"role"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
