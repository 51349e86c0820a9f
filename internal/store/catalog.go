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

const variantColumns = `id, product_id, sku, name, price, currency, vat_rate, attributes, created_at, updated_at, version`

func scanVariant(row rowScanner) (*models.Variant, error) {
	v := &models.Variant{}
	err := row.Scan(
		&v.ID,
		&v.ProductID,
		&v.SKU,
		&v.Name,
		&v.Price,
		&v.Currency,
		&v.VATRate,
		&v.Attributes,
		&v.CreatedAt,
		&v.UpdatedAt,
		&v.Version,
	)
	return v, err
}

func CreateProduct(ctx context.Context, q DBTX, name, description string, allowBackorder bool) (*models.Product, error) {
	p := &models.Product{}

	query := `
		INSERT INTO products (name, description, allow_backorder, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, name, description, allow_backorder, created_at, updated_at`

	err := q.QueryRowContext(ctx, query, name, description, allowBackorder).Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.AllowBackorder,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return p, nil
}

func CreateVariant(ctx context.Context, q DBTX, v *models.Variant) (*models.Variant, error) {
	query := `
		INSERT INTO variants (product_id, sku, name, price, currency, vat_rate, attributes, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)
		RETURNING ` + variantColumns

	created, err := scanVariant(q.QueryRowContext(ctx, query,
		v.ProductID, v.SKU, v.Name, v.Price, v.Currency, v.VATRate, v.Attributes))
	if err != nil {
		return nil, fmt.Errorf("create variant: %w", err)
	}

	return created, nil
}

func GetVariant(ctx context.Context, q DBTX, id int64) (*models.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE id = $1`

	v, err := scanVariant(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrVariantNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return v, nil
}

// GetVariants loads the current pricing of several variants. Missing ids are
// reported as ErrVariantNotFound.
func GetVariants(ctx context.Context, q DBTX, ids []int64) (map[int64]*models.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE id = ANY($1)`

	rows, err := q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get variants: %w", err)
	}
	defer rows.Close()

	variants := make(map[int64]*models.Variant, len(ids))
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants[v.ID] = v
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, id := range ids {
		if _, ok := variants[id]; !ok {
			return nil, fmt.Errorf("%w: id %d", models.ErrVariantNotFound, id)
		}
	}

	return variants, nil
}

func UpdateVariantPrice(ctx context.Context, q DBTX, id, price int64, version int) error {
	result, err := q.ExecContext(ctx,
		`UPDATE variants
		 SET price = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND version = $3`,
		price, id, version)
	if err != nil {
		return fmt.Errorf("update variant price: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrOptimisticLockFailed
	}

	return nil
}

func ListVariants(ctx context.Context, q DBTX, page, pageSize int) (*OffsetPage[models.Variant], error) {
	var total int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM variants`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count variants: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `SELECT ` + variantColumns + ` FROM variants ORDER BY id LIMIT $1 OFFSET $2`

	rows, err := q.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	variants := []models.Variant{}
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return NewOffsetPage(variants, total, page, pageSize), nil
}
