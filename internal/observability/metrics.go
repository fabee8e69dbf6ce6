package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QuotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "transport_broker", Name: "quotes_total", Help: "Total price quotes served"},
		[]string{"tier"},
	)
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transport_broker", Name: "orders_created_total", Help: "Total orders created"})
	DiscountsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "transport_broker", Name: "discounts_applied_total", Help: "Total discounts applied to orders"},
		[]string{"type"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "transport_broker", Name: "order_transitions_total", Help: "Total order status transitions"},
		[]string{"to"},
	)
	RoutingFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "transport_broker", Name: "routing_fallbacks_total", Help: "Route lookups that fell back to the haversine estimate"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "transport_broker", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "transport_broker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
