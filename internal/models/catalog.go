package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	AllowBackorder bool      `json:"allow_backorder"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Variant struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Price      int64           `json:"price"`
	Currency   string          `json:"currency"`
	VATRate    decimal.Decimal `json:"vat_rate"`
	Attributes Attributes      `json:"attributes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Version    int             `json:"version"`
}
