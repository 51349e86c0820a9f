package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/safar/go-commerce-core/internal/inventory"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/orders"
	"github.com/safar/go-commerce-core/internal/payments"
	"go.uber.org/zap"
)

type createCartRequest struct {
	Currency   string `json:"currency" binding:"required,len=3"`
	CustomerID *int64 `json:"customer_id"`
}

type addItemRequest struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

type checkoutRequest struct {
	Customer        models.CustomerSnapshot `json:"customer"`
	ShippingAddress models.Address          `json:"shipping_address"`
	BillingAddress  models.Address          `json:"billing_address"`
	ShippingTotal   int64                   `json:"shipping_total"`
	Actor           string                  `json:"actor"`
}

type draftItemRequest struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

type createDraftRequest struct {
	CustomerID      *int64                  `json:"customer_id"`
	Customer        models.CustomerSnapshot `json:"customer"`
	ShippingAddress models.Address          `json:"shipping_address"`
	BillingAddress  models.Address          `json:"billing_address"`
	Currency        string                  `json:"currency" binding:"required,len=3"`
	ShippingTotal   int64                   `json:"shipping_total"`
	Items           []draftItemRequest      `json:"items" binding:"required,min=1,dive"`
	Actor           string                  `json:"actor"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type refundRequest struct {
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
	Restock *bool  `json:"restock"`
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
	Actor  string `json:"actor"`
}

type paymentRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// bindOptional accepts an empty body for endpoints whose fields all have
// defaults.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return false
	}
	return true
}

func bindRequired(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return false
	}
	return true
}

func (h *Handler) createCart(c *gin.Context) {
	var req createCartRequest
	if !bindRequired(c, &req) {
		return
	}

	cart, err := h.deps.Orders.CreateCart(c.Request.Context(), orders.CreateCartInput{
		Currency:   req.Currency,
		CustomerID: req.CustomerID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cart)
}

func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.deps.Orders.GetCart(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) addToCart(c *gin.Context) {
	var req addItemRequest
	if !bindRequired(c, &req) {
		return
	}

	cart, err := h.deps.Orders.AddToCart(c.Request.Context(), c.Param("token"), req.VariantID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) checkout(c *gin.Context) {
	var req checkoutRequest
	if !bindOptional(c, &req) {
		return
	}

	order, err := h.deps.Orders.Checkout(c.Request.Context(), orders.CheckoutInput{
		CartToken:       c.Param("token"),
		Customer:        req.Customer,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		ShippingTotal:   req.ShippingTotal,
		Actor:           actorFrom(c, req.Actor),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) createDraft(c *gin.Context) {
	var req createDraftRequest
	if !bindRequired(c, &req) {
		return
	}

	items := make([]orders.DraftItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, orders.DraftItem{VariantID: item.VariantID, Quantity: item.Quantity})
	}

	order, err := h.deps.Orders.CreateDraft(c.Request.Context(), orders.DraftInput{
		CustomerID:      req.CustomerID,
		Customer:        req.Customer,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Currency:        req.Currency,
		ShippingTotal:   req.ShippingTotal,
		Items:           items,
		Actor:           actorFrom(c, req.Actor),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.deps.Orders.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) orderHistory(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	history, err := h.deps.Orders.History(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": history})
}

func (h *Handler) customerOrders(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	page, err := h.deps.Orders.ListByCustomer(c.Request.Context(), id, c.Query("cursor"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// step adapts the single-actor lifecycle operations to a handler.
func (h *Handler) step(op func(ctx context.Context, orderID int64, actor string) (*models.Order, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		var req actorRequest
		if !bindOptional(c, &req) {
			return
		}

		order, err := op(c.Request.Context(), id, actorFrom(c, req.Actor))
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if !bindOptional(c, &req) {
		return
	}

	order, err := h.deps.Orders.Cancel(c.Request.Context(), id, req.Reason, actorFrom(c, req.Actor))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) refundOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req refundRequest
	if !bindOptional(c, &req) {
		return
	}

	restock := true
	if req.Restock != nil {
		restock = *req.Restock
	}

	order, err := h.deps.Orders.Refund(c.Request.Context(), id, orders.RefundOptions{
		Reason:  req.Reason,
		Actor:   actorFrom(c, req.Actor),
		Restock: restock,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) transitionOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !bindRequired(c, &req) {
		return
	}

	to, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	order, err := h.deps.Orders.TransitionTo(c.Request.Context(), id, to, req.Note, actorFrom(c, req.Actor))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) createPayment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req paymentRequest
	if !bindRequired(c, &req) {
		return
	}

	payment, err := h.deps.Payments.CreateFromOrder(c.Request.Context(), id, req.Provider)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *Handler) listPayments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if _, err := h.deps.Orders.Get(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	list, err := h.deps.Payments.ListByOrder(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list})
}

func (h *Handler) listVariants(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	result, err := h.deps.Orders.ListVariants(c.Request.Context(), page, pageSize)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getStock(c *gin.Context) {
	id, ok := pathID(c, "variantId")
	if !ok {
		return
	}

	inv, err := h.deps.Inventory.Stock(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"variant_id":      inv.VariantID,
		"quantity":        inv.Quantity,
		"reserved":        inv.Reserved,
		"available":       inv.Available(),
		"allow_backorder": inv.AllowBackorder,
	})
}

// webhook acknowledges anything that a redelivery cannot change and answers
// 5xx only when the provider should retry.
func (h *Handler) webhook(c *gin.Context) {
	provider := c.Param("provider")

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	result, err := h.deps.Payments.HandleWebhook(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("webhook processing failed", zap.String("provider", provider), zap.Error(err))
			c.JSON(status, gin.H{"error": "processing failed"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": result})
}

var (
	_ OrderService     = (*orders.Service)(nil)
	_ PaymentService   = (*payments.Coordinator)(nil)
	_ InventoryService = (*inventory.Ledger)(nil)
)
