package models

import "time"

type CartStatus string

const (
	CartActive    CartStatus = "active"
	CartConverted CartStatus = "converted"
)

type Cart struct {
	ID         int64      `json:"id"`
	Token      string     `json:"token"`
	Status     CartStatus `json:"status"`
	CustomerID *int64     `json:"customer_id,omitempty"`
	Currency   string     `json:"currency"`
	Items      []CartItem `json:"items"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CartItem keeps the unit price seen when the item was added.
type CartItem struct {
	ID        int64     `json:"id"`
	CartID    int64     `json:"cart_id"`
	VariantID int64     `json:"variant_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice int64     `json:"unit_price"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
