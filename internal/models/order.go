package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusDraft      OrderStatus = "draft"
	StatusReserved   OrderStatus = "reserved"
	StatusPaid       OrderStatus = "paid"
	StatusProcessing OrderStatus = "processing"
	StatusFulfilled  OrderStatus = "fulfilled"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRefunded   OrderStatus = "refunded"
)

var AllStatuses = []OrderStatus{
	StatusDraft, StatusReserved, StatusPaid, StatusProcessing, StatusFulfilled,
	StatusShipped, StatusDelivered, StatusCancelled, StatusRefunded,
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidArgument, s)
}

type Order struct {
	ID              int64            `json:"id"`
	Number          string           `json:"number"`
	CustomerID      *int64           `json:"customer_id,omitempty"`
	CartID          *int64           `json:"cart_id,omitempty"`
	Status          OrderStatus      `json:"status"`
	Currency        string           `json:"currency"`
	Subtotal        int64            `json:"subtotal"`
	TaxTotal        int64            `json:"tax_total"`
	ShippingTotal   int64            `json:"shipping_total"`
	GrandTotal      int64            `json:"grand_total"`
	ReservedUntil   *time.Time       `json:"reserved_until,omitempty"`
	Customer        CustomerSnapshot `json:"customer"`
	ShippingAddress Address          `json:"shipping_address"`
	BillingAddress  Address          `json:"billing_address"`
	Items           []OrderItem      `json:"items,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Version         int              `json:"version"`
}

// CanBePaid reports whether a payment may be opened or settled against the
// order, i.e. stock is held for it and it has not been paid yet.
func (o *Order) CanBePaid() bool {
	return o.Status == StatusReserved
}

// RecomputeTotals rebuilds every line total and tax from its snapshot and
// then the order aggregates. Tax is rounded per line.
func (o *Order) RecomputeTotals() {
	var subtotal, tax int64
	for i := range o.Items {
		o.Items[i].recompute()
		subtotal += o.Items[i].Total
		tax += o.Items[i].Tax
	}
	o.Subtotal = subtotal
	o.TaxTotal = tax
	o.GrandTotal = o.Subtotal + o.TaxTotal + o.ShippingTotal
}

type OrderItem struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"order_id"`
	VariantID  int64           `json:"variant_id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Attributes Attributes      `json:"attributes,omitempty"`
	UnitPrice  int64           `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	VATRate    decimal.Decimal `json:"vat_rate"`
	Total      int64           `json:"total"`
	Tax        int64           `json:"tax"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Reprice copies the current variant pricing onto the line.
func (i *OrderItem) Reprice(v *Variant) {
	i.UnitPrice = v.Price
	i.VATRate = v.VATRate
	i.recompute()
}

func (i *OrderItem) recompute() {
	i.Total = i.UnitPrice * int64(i.Quantity)
	i.Tax = TaxFor(i.Total, i.VATRate)
}

type StatusHistory struct {
	ID         int64       `json:"id"`
	OrderID    int64       `json:"order_id"`
	FromStatus OrderStatus `json:"from_status,omitempty"`
	ToStatus   OrderStatus `json:"to_status"`
	Actor      string      `json:"actor,omitempty"`
	Note       string      `json:"note,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

var hundred = decimal.NewFromInt(100)

// TaxFor returns round-half-up(lineTotal * vatRate / 100) in minor units.
func TaxFor(lineTotal int64, vatRate decimal.Decimal) int64 {
	if lineTotal == 0 || vatRate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(lineTotal).Mul(vatRate).Div(hundred).Round(0).IntPart()
}
