package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	inventoryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_operations_total",
			Help: "Inventory ledger operations by outcome",
		},
		[]string{"op", "result"},
	)

	orderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Committed order status transitions by target status",
		},
		[]string{"to"},
	)

	paymentsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_settled_total",
			Help: "Payment settlements by outcome",
		},
		[]string{"outcome"},
	)

	webhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Provider webhooks by normalised event type",
		},
		[]string{"provider", "type"},
	)

	sweeperExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_expired_orders_total",
			Help: "Reservations rolled back by the expiry sweeper",
		},
	)

	sweeperFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sweeper_failures_total",
			Help: "Orders the expiry sweeper failed to roll back",
		},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events handed to the transport by outcome",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(inventoryOperationsTotal)
	prometheus.MustRegister(orderTransitionsTotal)
	prometheus.MustRegister(paymentsSettledTotal)
	prometheus.MustRegister(webhooksReceivedTotal)
	prometheus.MustRegister(sweeperExpiredTotal)
	prometheus.MustRegister(sweeperFailuresTotal)
	prometheus.MustRegister(eventsPublishedTotal)
}

func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func InventoryOperation(op string, err error) {
	inventoryOperationsTotal.WithLabelValues(op, result(err == nil)).Inc()
}

func OrderTransition(to string) {
	orderTransitionsTotal.WithLabelValues(to).Inc()
}

func PaymentSettled(outcome string) {
	paymentsSettledTotal.WithLabelValues(outcome).Inc()
}

func WebhookReceived(provider, eventType string) {
	webhooksReceivedTotal.WithLabelValues(provider, eventType).Inc()
}

func SweeperExpired(n int) {
	sweeperExpiredTotal.Add(float64(n))
}

func SweeperFailed() {
	sweeperFailuresTotal.Inc()
}

func EventPublished(ok bool) {
	eventsPublishedTotal.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
