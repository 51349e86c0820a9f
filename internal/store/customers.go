package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/models"
)

const customerColumns = `id, email, full_name, phone, shipping_address, billing_address, created_at, updated_at, version`

func scanCustomer(row rowScanner) (*models.Customer, error) {
	c := &models.Customer{}
	err := row.Scan(
		&c.ID,
		&c.Email,
		&c.FullName,
		&c.Phone,
		&c.ShippingAddress,
		&c.BillingAddress,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.Version,
	)
	return c, err
}

func CreateCustomer(ctx context.Context, q DBTX, c *models.Customer) (*models.Customer, error) {
	query := `
		INSERT INTO customers (email, full_name, phone, shipping_address, billing_address, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		RETURNING ` + customerColumns

	created, err := scanCustomer(q.QueryRowContext(ctx, query,
		c.Email, c.FullName, c.Phone, c.ShippingAddress, c.BillingAddress))
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	return created, nil
}

func GetCustomer(ctx context.Context, q DBTX, id int64) (*models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`

	c, err := scanCustomer(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}

	return c, nil
}

// UpdateCustomer writes profile changes guarded by the row version.
// Orders keep their own snapshot and are unaffected.
func UpdateCustomer(ctx context.Context, q DBTX, c *models.Customer) error {
	err := q.QueryRowContext(ctx,
		`UPDATE customers
		 SET email = $1, full_name = $2, phone = $3, shipping_address = $4, billing_address = $5,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $6 AND version = $7
		 RETURNING version, updated_at`,
		c.Email, c.FullName, c.Phone, c.ShippingAddress, c.BillingAddress, c.ID, c.Version,
	).Scan(&c.Version, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrOptimisticLockFailed
		}
		return fmt.Errorf("update customer: %w", err)
	}

	return nil
}
