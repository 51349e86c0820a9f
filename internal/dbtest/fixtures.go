package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/store"
	"github.com/shopspring/decimal"
)

var seq atomic.Int64

type VariantSpec struct {
	Price          int64
	Currency       string
	VATRate        string
	Quantity       int
	AllowBackorder bool
}

// SeedVariant creates a product, one variant and its inventory row.
func SeedVariant(t *testing.T, db *sql.DB, opts VariantSpec) *models.Variant {
	t.Helper()
	ctx := context.Background()
	n := seq.Add(1)

	if opts.Currency == "" {
		opts.Currency = "EUR"
	}
	vat := decimal.Zero
	if opts.VATRate != "" {
		vat = decimal.RequireFromString(opts.VATRate)
	}

	product, err := store.CreateProduct(ctx, db, fmt.Sprintf("Product %d", n), "", opts.AllowBackorder)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	variant, err := store.CreateVariant(ctx, db, &models.Variant{
		ProductID:  product.ID,
		SKU:        fmt.Sprintf("SKU-%04d", n),
		Name:       fmt.Sprintf("Variant %d", n),
		Price:      opts.Price,
		Currency:   opts.Currency,
		VATRate:    vat,
		Attributes: models.Attributes{"size": "M"},
	})
	if err != nil {
		t.Fatalf("Create variant: %v", err)
	}

	if err := store.CreateInventory(ctx, db, variant.ID, opts.Quantity); err != nil {
		t.Fatalf("Create inventory: %v", err)
	}

	return variant
}

func SeedCustomer(t *testing.T, db *sql.DB) *models.Customer {
	t.Helper()
	n := seq.Add(1)

	c, err := store.CreateCustomer(context.Background(), db, &models.Customer{
		Email:    fmt.Sprintf("customer%d@example.com", n),
		FullName: fmt.Sprintf("Customer %d", n),
		Phone:    "+49 30 1234567",
		ShippingAddress: models.Address{
			FullName: fmt.Sprintf("Customer %d", n), Line1: "Main St 1", City: "Berlin", PostalCode: "10115", Country: "DE",
		},
	})
	if err != nil {
		t.Fatalf("Create customer: %v", err)
	}
	return c
}

func Stock(t *testing.T, db *sql.DB, variantID int64) *models.Inventory {
	t.Helper()
	inv, err := store.GetInventory(context.Background(), db, variantID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	return inv
}
