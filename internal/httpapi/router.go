// Package httpapi exposes the order, inventory and payment services over
// HTTP. Handlers only translate requests and errors.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/safar/go-commerce-core/internal/metrics"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/orders"
	"github.com/safar/go-commerce-core/internal/payments"
	"github.com/safar/go-commerce-core/internal/store"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

type OrderService interface {
	CreateCart(ctx context.Context, in orders.CreateCartInput) (*models.Cart, error)
	GetCart(ctx context.Context, token string) (*models.Cart, error)
	AddToCart(ctx context.Context, token string, variantID int64, quantity int) (*models.Cart, error)
	Checkout(ctx context.Context, in orders.CheckoutInput) (*models.Order, error)
	CreateDraft(ctx context.Context, in orders.DraftInput) (*models.Order, error)
	Get(ctx context.Context, id int64) (*models.Order, error)
	History(ctx context.Context, id int64) ([]models.StatusHistory, error)
	ListByCustomer(ctx context.Context, customerID int64, cursor string, limit int) (*store.CursorPage[models.Order], error)
	ListVariants(ctx context.Context, page, pageSize int) (*store.OffsetPage[models.Variant], error)
	Reserve(ctx context.Context, orderID int64, actor string) (*models.Order, error)
	Process(ctx context.Context, orderID int64, actor string) (*models.Order, error)
	Fulfill(ctx context.Context, orderID int64, actor string) (*models.Order, error)
	Ship(ctx context.Context, orderID int64, actor string) (*models.Order, error)
	Complete(ctx context.Context, orderID int64, actor string) (*models.Order, error)
	Cancel(ctx context.Context, orderID int64, reason, actor string) (*models.Order, error)
	Refund(ctx context.Context, orderID int64, opts orders.RefundOptions) (*models.Order, error)
	TransitionTo(ctx context.Context, orderID int64, to models.OrderStatus, note, actor string) (*models.Order, error)
}

type PaymentService interface {
	CreateFromOrder(ctx context.Context, orderID int64, providerCode string) (*models.Payment, error)
	ListByOrder(ctx context.Context, orderID int64) ([]models.Payment, error)
	HandleWebhook(ctx context.Context, providerCode string, body []byte, headers http.Header) (payments.WebhookResult, error)
}

type InventoryService interface {
	Stock(ctx context.Context, variantID int64) (*models.Inventory, error)
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Orders    OrderService
	Payments  PaymentService
	Inventory InventoryService
	DB        Pinger
}

type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewRouter builds the gin engine with tracing, metrics and request logging.
func NewRouter(serviceName string, deps Deps, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(recovery(logger))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(metrics.Middleware())
	router.Use(requestLogger(logger))

	h := &Handler{deps: deps, logger: logger}

	router.GET("/healthz", h.health)
	router.GET("/readyz", h.ready)
	router.GET("/metrics", metrics.Handler())

	router.POST("/carts", h.createCart)
	router.GET("/carts/:token", h.getCart)
	router.POST("/carts/:token/items", h.addToCart)
	router.POST("/carts/:token/checkout", h.checkout)

	router.POST("/orders", h.createDraft)
	router.GET("/orders/:id", h.getOrder)
	router.GET("/orders/:id/history", h.orderHistory)
	router.GET("/orders/:id/payments", h.listPayments)
	router.POST("/orders/:id/payments", h.createPayment)
	router.POST("/orders/:id/reserve", h.step(h.deps.Orders.Reserve))
	router.POST("/orders/:id/process", h.step(h.deps.Orders.Process))
	router.POST("/orders/:id/fulfill", h.step(h.deps.Orders.Fulfill))
	router.POST("/orders/:id/ship", h.step(h.deps.Orders.Ship))
	router.POST("/orders/:id/complete", h.step(h.deps.Orders.Complete))
	router.POST("/orders/:id/cancel", h.cancelOrder)
	router.POST("/orders/:id/refund", h.refundOrder)
	router.POST("/orders/:id/transition", h.transitionOrder)

	router.GET("/customers/:id/orders", h.customerOrders)
	router.GET("/variants", h.listVariants)
	router.GET("/inventory/:variantId", h.getStock)

	router.POST("/webhooks/:provider", h.webhook)

	return router
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ready(c *gin.Context) {
	if h.deps.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "db not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
	defer cancel()
	if err := h.deps.DB.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "db not reachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func actorFrom(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := c.GetHeader("X-Actor"); h != "" {
		return h
	}
	return "api"
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}
