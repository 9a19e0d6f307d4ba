package middlewares

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_payment_http_requests_total",
			Help: "Total number of storefront order view requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_payment_http_request_duration_seconds",
			Help:    "Duration of storefront order view requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	paymentOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_payment_operations_total",
			Help: "Order fetch and payment reconciliation operations by outcome",
		},
		[]string{"operation", "status"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_payment_reconcile_duration_seconds",
			Help:    "Time spent marking an order paid, by gateway",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "status"},
	)
)

// PrometheusMiddleware collects per-route request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
	}
}

// RecordOrderOperation counts an operation by outcome.
func RecordOrderOperation(operation string, success bool) {
	paymentOperations.WithLabelValues(operation, outcome(success)).Inc()
}

// ObserveReconcile records how long a markPaid round trip took.
func ObserveReconcile(provider string, started time.Time, success bool) {
	reconcileDuration.WithLabelValues(provider, outcome(success)).Observe(time.Since(started).Seconds())
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
