package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-commerce-core/internal/models"
)

const cartColumns = `id, token, status, customer_id, currency, created_at, updated_at`

func scanCart(row rowScanner) (*models.Cart, error) {
	c := &models.Cart{}
	var customerID sql.NullInt64
	err := row.Scan(
		&c.ID,
		&c.Token,
		&c.Status,
		&customerID,
		&c.Currency,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	c.CustomerID = int64Ptr(customerID)
	return c, err
}

func CreateCart(ctx context.Context, q DBTX, token, currency string, customerID *int64) (*models.Cart, error) {
	query := `
		INSERT INTO carts (token, status, customer_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING ` + cartColumns

	c, err := scanCart(q.QueryRowContext(ctx, query, token, models.CartActive, nullInt64(customerID), currency))
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}
	c.Items = []models.CartItem{}

	return c, nil
}

func GetCart(ctx context.Context, q DBTX, token string) (*models.Cart, error) {
	return getCart(ctx, q, `SELECT `+cartColumns+` FROM carts WHERE token = $1`, token)
}

func LockCart(ctx context.Context, tx *sql.Tx, token string) (*models.Cart, error) {
	return getCart(ctx, tx, `SELECT `+cartColumns+` FROM carts WHERE token = $1 FOR UPDATE`, token)
}

func getCart(ctx context.Context, q DBTX, query, token string) (*models.Cart, error) {
	c, err := scanCart(q.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, cart_id, variant_id, quantity, unit_price, created_at, updated_at
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`, c.ID)
	if err != nil {
		return nil, fmt.Errorf("get cart items: %w", err)
	}
	defer rows.Close()

	c.Items = []models.CartItem{}
	for rows.Next() {
		var item models.CartItem
		err := rows.Scan(
			&item.ID,
			&item.CartID,
			&item.VariantID,
			&item.Quantity,
			&item.UnitPrice,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		c.Items = append(c.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return c, nil
}

// UpsertCartItem adds quantity to an existing line and refreshes its price
// snapshot, or inserts a new line.
func UpsertCartItem(ctx context.Context, tx *sql.Tx, cartID, variantID int64, quantity int, unitPrice int64) (*models.CartItem, error) {
	item := &models.CartItem{}

	err := tx.QueryRowContext(ctx,
		`INSERT INTO cart_items (cart_id, variant_id, quantity, unit_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (cart_id, variant_id) DO UPDATE
		 SET quantity = cart_items.quantity + EXCLUDED.quantity,
		     unit_price = EXCLUDED.unit_price,
		     updated_at = NOW()
		 RETURNING id, cart_id, variant_id, quantity, unit_price, created_at, updated_at`,
		cartID, variantID, quantity, unitPrice,
	).Scan(
		&item.ID,
		&item.CartID,
		&item.VariantID,
		&item.Quantity,
		&item.UnitPrice,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert cart item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return nil, fmt.Errorf("touch cart: %w", err)
	}

	return item, nil
}

func MarkCartConverted(ctx context.Context, tx *sql.Tx, cartID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE carts SET status = $1, updated_at = NOW() WHERE id = $2`,
		models.CartConverted, cartID)
	if err != nil {
		return fmt.Errorf("mark cart converted: %w", err)
	}
	return nil
}
