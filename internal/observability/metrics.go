package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_total", Help: "Total order offers pushed to drivers"})
	OffersDelivered   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_delivered_total", Help: "Offers that reached at least one driver connection"})
	OffersUndelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_undelivered_total", Help: "Offers treated as declines because no connection took them"})

	CascadeAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taxi_dispatch",
		Name:      "offer_cascade_attempts",
		Help:      "Offer attempts spent per dispatched order",
		Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 32},
	})

	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "order_transitions_total", Help: "Order state transitions"},
		[]string{"state"},
	)

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "ws_connections", Help: "Live websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
