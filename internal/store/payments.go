package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/safar/go-commerce-core/internal/models"
)

const paymentColumns = `id, order_id, provider, provider_reference, status, amount, currency, redirect_url, payload, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	p := &models.Payment{}
	var payload []byte
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.Provider,
		&p.ProviderReference,
		&p.Status,
		&p.Amount,
		&p.Currency,
		&p.RedirectURL,
		&payload,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	p.Payload = json.RawMessage(payload)
	return p, err
}

func InsertPayment(ctx context.Context, q DBTX, p *models.Payment) error {
	payload := []byte(p.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	err := q.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, provider, provider_reference, status, amount, currency,
		     redirect_url, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		p.OrderID, p.Provider, p.ProviderReference, p.Status, p.Amount, p.Currency,
		p.RedirectURL, payload,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func GetPayment(ctx context.Context, q DBTX, id int64) (*models.Payment, error) {
	return getPayment(ctx, q, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func GetPaymentByReference(ctx context.Context, q DBTX, provider, reference string) (*models.Payment, error) {
	return getPayment(ctx, q,
		`SELECT `+paymentColumns+` FROM payments WHERE provider = $1 AND provider_reference = $2`,
		provider, reference)
}

func LockPayment(ctx context.Context, tx *sql.Tx, id int64) (*models.Payment, error) {
	return getPayment(ctx, tx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func LockPaymentByReference(ctx context.Context, tx *sql.Tx, provider, reference string) (*models.Payment, error) {
	return getPayment(ctx, tx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider = $1 AND provider_reference = $2 FOR UPDATE`,
		provider, reference)
}

// FindPendingPayment returns the open payment for (order, provider), if any.
func FindPendingPayment(ctx context.Context, q DBTX, orderID int64, provider string) (*models.Payment, error) {
	return getPayment(ctx, q,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE order_id = $1 AND provider = $2 AND status = $3`,
		orderID, provider, models.PaymentPending)
}

// LockPaidPayment locks the most recent settled payment of an order.
func LockPaidPayment(ctx context.Context, tx *sql.Tx, orderID int64) (*models.Payment, error) {
	return getPayment(ctx, tx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE order_id = $1 AND status = $2
		 ORDER BY id DESC
		 LIMIT 1
		 FOR UPDATE`,
		orderID, models.PaymentPaid)
}

func getPayment(ctx context.Context, q DBTX, query string, args ...any) (*models.Payment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func UpdatePaymentStatus(ctx context.Context, q DBTX, p *models.Payment) error {
	err := q.QueryRowContext(ctx,
		`UPDATE payments SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at`,
		p.Status, p.ID,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrPaymentNotFound
		}
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func ListPaymentsByOrder(ctx context.Context, q DBTX, orderID int64) ([]models.Payment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return payments, nil
}
