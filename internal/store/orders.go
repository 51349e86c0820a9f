package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/go-commerce-core/internal/models"
)

const orderColumns = `id, number, status, customer_id, cart_id, currency,
		subtotal, tax_total, shipping_total, grand_total, reserved_until,
		customer_email, customer_name, customer_phone, shipping_address, billing_address,
		created_at, updated_at, version`

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var (
		customerID    sql.NullInt64
		cartID        sql.NullInt64
		reservedUntil sql.NullTime
	)
	err := row.Scan(
		&o.ID,
		&o.Number,
		&o.Status,
		&customerID,
		&cartID,
		&o.Currency,
		&o.Subtotal,
		&o.TaxTotal,
		&o.ShippingTotal,
		&o.GrandTotal,
		&reservedUntil,
		&o.Customer.Email,
		&o.Customer.FullName,
		&o.Customer.Phone,
		&o.ShippingAddress,
		&o.BillingAddress,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.Version,
	)
	o.CustomerID = int64Ptr(customerID)
	o.CartID = int64Ptr(cartID)
	o.ReservedUntil = timePtr(reservedUntil)
	return o, err
}

func InsertOrder(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO orders (number, status, customer_id, cart_id, currency,
		     subtotal, tax_total, shipping_total, grand_total, reserved_until,
		     customer_email, customer_name, customer_phone, shipping_address, billing_address,
		     created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW(), 1)
		 RETURNING id, created_at, updated_at, version`,
		o.Number, o.Status, nullInt64(o.CustomerID), nullInt64(o.CartID), o.Currency,
		o.Subtotal, o.TaxTotal, o.ShippingTotal, o.GrandTotal, nullTime(o.ReservedUntil),
		o.Customer.Email, o.Customer.FullName, o.Customer.Phone, o.ShippingAddress, o.BillingAddress,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt, &o.Version)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func InsertOrderItems(ctx context.Context, tx *sql.Tx, orderID int64, items []models.OrderItem) error {
	for i := range items {
		item := &items[i]
		item.OrderID = orderID
		err := tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, variant_id, sku, name, attributes,
			     unit_price, quantity, vat_rate, total, tax, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			 RETURNING id, created_at`,
			orderID, item.VariantID, item.SKU, item.Name, item.Attributes,
			item.UnitPrice, item.Quantity, item.VATRate, item.Total, item.Tax,
		).Scan(&item.ID, &item.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func GetOrder(ctx context.Context, q DBTX, id int64) (*models.Order, error) {
	return loadOrder(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

// LockOrder loads the order with its items under an exclusive row lock.
func LockOrder(ctx context.Context, tx *sql.Tx, id int64) (*models.Order, error) {
	return loadOrder(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

// LockExpiredOrder locks the order only if it is still an expired reservation
// and no other transaction holds it. Otherwise it returns ErrOrderNotFound.
func LockExpiredOrder(ctx context.Context, tx *sql.Tx, id int64, now time.Time) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE id = $1 AND status = $2 AND reserved_until < $3
		FOR UPDATE SKIP LOCKED`
	return loadOrder(ctx, tx, query, id, models.StatusReserved, now)
}

func loadOrder(ctx context.Context, q DBTX, query string, args ...any) (*models.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := listOrderItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

func listOrderItems(ctx context.Context, q DBTX, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, variant_id, sku, name, attributes, unit_price, quantity, vat_rate, total, tax, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.VariantID,
			&item.SKU,
			&item.Name,
			&item.Attributes,
			&item.UnitPrice,
			&item.Quantity,
			&item.VATRate,
			&item.Total,
			&item.Tax,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// UpdateOrder persists status, totals and reservation deadline.
func UpdateOrder(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	err := tx.QueryRowContext(ctx,
		`UPDATE orders
		 SET status = $1, subtotal = $2, tax_total = $3, shipping_total = $4, grand_total = $5,
		     reserved_until = $6, updated_at = NOW(), version = version + 1
		 WHERE id = $7
		 RETURNING updated_at, version`,
		o.Status, o.Subtotal, o.TaxTotal, o.ShippingTotal, o.GrandTotal,
		nullTime(o.ReservedUntil), o.ID,
	).Scan(&o.UpdatedAt, &o.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrOrderNotFound
		}
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func UpdateOrderItemPricing(ctx context.Context, tx *sql.Tx, items []models.OrderItem) error {
	for _, item := range items {
		_, err := tx.ExecContext(ctx,
			`UPDATE order_items
			 SET unit_price = $1, vat_rate = $2, total = $3, tax = $4
			 WHERE id = $5`,
			item.UnitPrice, item.VATRate, item.Total, item.Tax, item.ID)
		if err != nil {
			return fmt.Errorf("update order item %d: %w", item.ID, err)
		}
	}
	return nil
}

func AppendStatusHistory(ctx context.Context, q DBTX, h *models.StatusHistory) error {
	var from sql.NullString
	if h.FromStatus != "" {
		from = sql.NullString{String: string(h.FromStatus), Valid: true}
	}

	err := q.QueryRowContext(ctx,
		`INSERT INTO order_status_history (order_id, from_status, to_status, actor, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id, created_at`,
		h.OrderID, from, h.ToStatus, h.Actor, h.Note,
	).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

func ListStatusHistory(ctx context.Context, q DBTX, orderID int64) ([]models.StatusHistory, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, from_status, to_status, actor, note, created_at
		 FROM order_status_history
		 WHERE order_id = $1
		 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	history := []models.StatusHistory{}
	for rows.Next() {
		var (
			h    models.StatusHistory
			from sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.OrderID, &from, &h.ToStatus, &h.Actor, &h.Note, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		h.FromStatus = models.OrderStatus(from.String)
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return history, nil
}

func ListOrdersCursor(ctx context.Context, q DBTX, customerID int64, cursor string, limit int) (*CursorPage[models.Order], error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: decode cursor: %v", models.ErrInvalidArgument, err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE customer_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := q.QueryContext(ctx, query, customerID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage[models.Order]{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ListExpiredReservations returns ids of reserved orders whose deadline has
// passed, oldest first, skipping ids in exclude.
func ListExpiredReservations(ctx context.Context, q DBTX, now time.Time, limit int, exclude []int64) ([]int64, error) {
	if exclude == nil {
		exclude = []int64{}
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id
		 FROM orders
		 WHERE status = $1
		   AND reserved_until < $2
		   AND NOT (id = ANY($3))
		 ORDER BY reserved_until, id
		 LIMIT $4`,
		models.StatusReserved, now, pq.Array(exclude), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}
