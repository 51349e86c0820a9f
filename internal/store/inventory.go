package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/models"
)

const inventorySelect = `
		SELECT i.variant_id, i.quantity, i.reserved, p.allow_backorder, i.updated_at
		FROM inventories i
		JOIN variants v ON v.id = i.variant_id
		JOIN products p ON p.id = v.product_id
		WHERE i.variant_id = $1`

func scanInventory(row rowScanner) (*models.Inventory, error) {
	inv := &models.Inventory{}
	err := row.Scan(
		&inv.VariantID,
		&inv.Quantity,
		&inv.Reserved,
		&inv.AllowBackorder,
		&inv.UpdatedAt,
	)
	return inv, err
}

func CreateInventory(ctx context.Context, q DBTX, variantID int64, quantity int) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO inventories (variant_id, quantity, reserved, updated_at)
		 VALUES ($1, $2, 0, NOW())`,
		variantID, quantity)
	if err != nil {
		return fmt.Errorf("create inventory: %w", err)
	}
	return nil
}

func GetInventory(ctx context.Context, q DBTX, variantID int64) (*models.Inventory, error) {
	inv, err := scanInventory(q.QueryRowContext(ctx, inventorySelect, variantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrInventoryNotFound
		}
		return nil, fmt.Errorf("get inventory: %w", err)
	}
	return inv, nil
}

// LockInventory takes the exclusive row lock on the ledger row only; the
// joined catalog rows stay unlocked.
func LockInventory(ctx context.Context, tx *sql.Tx, variantID int64) (*models.Inventory, error) {
	inv, err := scanInventory(tx.QueryRowContext(ctx, inventorySelect+`
		FOR UPDATE OF i`, variantID))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return nil, fmt.Errorf("%w: inventory for variant %d", database.ErrLockTimeout, variantID)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: variant %d", models.ErrInventoryNotFound, variantID)
		}
		return nil, fmt.Errorf("lock inventory: %w", err)
	}
	return inv, nil
}

func SaveInventory(ctx context.Context, tx *sql.Tx, inv *models.Inventory) error {
	err := tx.QueryRowContext(ctx,
		`UPDATE inventories
		 SET quantity = $1, reserved = $2, updated_at = NOW()
		 WHERE variant_id = $3
		 RETURNING updated_at`,
		inv.Quantity, inv.Reserved, inv.VariantID,
	).Scan(&inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save inventory: %w", err)
	}
	return nil
}
