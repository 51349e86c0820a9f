package models

import "time"

type Customer struct {
	ID              int64     `json:"id"`
	Email           string    `json:"email"`
	FullName        string    `json:"full_name"`
	Phone           string    `json:"phone,omitempty"`
	ShippingAddress Address   `json:"shipping_address"`
	BillingAddress  Address   `json:"billing_address"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int       `json:"version"`
}

func (c *Customer) Snapshot() CustomerSnapshot {
	return CustomerSnapshot{Email: c.Email, FullName: c.FullName, Phone: c.Phone}
}
