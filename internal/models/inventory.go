package models

import (
	"fmt"
	"time"
)

// Inventory is the stock ledger row of one sellable variant. Its methods
// assume the caller holds the row lock.
type Inventory struct {
	VariantID      int64     `json:"variant_id"`
	Quantity       int       `json:"quantity"`
	Reserved       int       `json:"reserved"`
	AllowBackorder bool      `json:"allow_backorder"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (i *Inventory) Available() int {
	return max(0, i.Quantity-i.Reserved)
}

func (i *Inventory) Reserve(qty int) error {
	if err := checkQuantity(qty); err != nil {
		return err
	}
	if i.Available() < qty && !i.AllowBackorder {
		return fmt.Errorf("%w: variant %d has %d available, %d requested",
			ErrInsufficientStock, i.VariantID, i.Available(), qty)
	}
	i.Reserved += qty
	return nil
}

// Release is tolerant of drift: over-release clamps to zero.
// It reports whether the row changed.
func (i *Inventory) Release(qty int) (bool, error) {
	if err := checkQuantity(qty); err != nil {
		return false, err
	}
	if i.Reserved == 0 {
		return false, nil
	}
	if qty >= i.Reserved {
		i.Reserved = 0
	} else {
		i.Reserved -= qty
	}
	return true, nil
}

func (i *Inventory) Confirm(qty int) error {
	if err := checkQuantity(qty); err != nil {
		return err
	}
	if i.Reserved < qty {
		return fmt.Errorf("%w: variant %d has %d reserved, confirming %d",
			ErrReservationInconsistency, i.VariantID, i.Reserved, qty)
	}
	i.Reserved -= qty
	i.Quantity -= qty
	return nil
}

func (i *Inventory) Restock(qty int) error {
	if err := checkQuantity(qty); err != nil {
		return err
	}
	i.Quantity += qty
	return nil
}

func checkQuantity(qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidArgument, qty)
	}
	return nil
}
