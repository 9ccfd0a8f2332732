package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_negotiation"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Rides created in negotiating state"})
	OffersMade     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_made_total", Help: "Offers persisted as pending"})
	AwardsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "awards_total", Help: "Offers awarded"})
	AwardLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "award_latency_seconds", Help: "AcceptOffer latency seconds"})
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "conflicts_total", Help: "Conflict outcomes returned to callers"},
		[]string{"reason"},
	)
	FanOutCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fanout_candidates",
		Help:      "Drivers notified per fan-out",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "store_retries_total", Help: "Transient store failures retried"},
		[]string{"op"},
	)
	OffersSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_swept_total", Help: "Offers moved by the sweeper"},
		[]string{"status"},
	)
	LocationPings = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_total", Help: "Driver location pings accepted"},
		[]string{"route"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by sink and result"},
		[]string{"sink", "result"},
	)
	NotifyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "notify_queue_depth", Help: "Notifications waiting for a worker"})
	LiveSubscribers  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "live_subscribers", Help: "Open live ride subscriptions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
