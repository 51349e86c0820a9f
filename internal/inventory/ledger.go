// Package inventory applies stock ledger operations under row locks.
package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/metrics"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/store"
	"go.uber.org/zap"
)

type op string

const (
	opReserve op = "reserve"
	opRelease op = "release"
	opConfirm op = "confirm"
	opRestock op = "restock"
)

type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	txOpts database.TxOptions
}

func NewLedger(db *sql.DB, logger *zap.Logger, txOpts database.TxOptions) *Ledger {
	return &Ledger{db: db, logger: logger, txOpts: txOpts}
}

// Line is a quantity of one variant taken from an order.
type Line struct {
	VariantID int64
	Quantity  int
}

// LinesFor merges order items per variant and sorts them by variant id, which
// is the lock order every multi-line operation uses.
func LinesFor(items []models.OrderItem) []Line {
	qty := make(map[int64]int, len(items))
	for _, item := range items {
		qty[item.VariantID] += item.Quantity
	}

	lines := make([]Line, 0, len(qty))
	for id, q := range qty {
		lines = append(lines, Line{VariantID: id, Quantity: q})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].VariantID < lines[j].VariantID })
	return lines
}

func (l *Ledger) Reserve(ctx context.Context, variantID int64, qty int) (*models.Inventory, error) {
	return l.run(ctx, opReserve, variantID, qty)
}

func (l *Ledger) Release(ctx context.Context, variantID int64, qty int) (*models.Inventory, error) {
	return l.run(ctx, opRelease, variantID, qty)
}

// Confirm finalises a sale. ErrReservationInconsistency means the caller
// confirmed stock it never reserved and must be treated as an alarm.
func (l *Ledger) Confirm(ctx context.Context, variantID int64, qty int) (*models.Inventory, error) {
	return l.run(ctx, opConfirm, variantID, qty)
}

func (l *Ledger) Restock(ctx context.Context, variantID int64, qty int) (*models.Inventory, error) {
	return l.run(ctx, opRestock, variantID, qty)
}

func (l *Ledger) Stock(ctx context.Context, variantID int64) (*models.Inventory, error) {
	return store.GetInventory(ctx, l.db, variantID)
}

// ReserveLines reserves every line or fails on the first shortfall; the
// caller's transaction rollback undoes the lines already reserved.
func (l *Ledger) ReserveLines(ctx context.Context, tx *sql.Tx, lines []Line) error {
	return l.applyLines(ctx, tx, opReserve, lines)
}

func (l *Ledger) ReleaseLines(ctx context.Context, tx *sql.Tx, lines []Line) error {
	return l.applyLines(ctx, tx, opRelease, lines)
}

func (l *Ledger) ConfirmLines(ctx context.Context, tx *sql.Tx, lines []Line) error {
	return l.applyLines(ctx, tx, opConfirm, lines)
}

func (l *Ledger) RestockLines(ctx context.Context, tx *sql.Tx, lines []Line) error {
	return l.applyLines(ctx, tx, opRestock, lines)
}

func (l *Ledger) run(ctx context.Context, o op, variantID int64, qty int) (*models.Inventory, error) {
	var inv *models.Inventory
	err := database.WithRetry(ctx, l.db, l.txOpts, func(tx *sql.Tx) error {
		var err error
		inv, err = l.apply(ctx, tx, o, variantID, qty)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (l *Ledger) applyLines(ctx context.Context, tx *sql.Tx, o op, lines []Line) error {
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].VariantID < sorted[j].VariantID })

	for _, line := range sorted {
		if _, err := l.apply(ctx, tx, o, line.VariantID, line.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// apply counts every row operation, including those inside a caller's
// transaction, by outcome.
func (l *Ledger) apply(ctx context.Context, tx *sql.Tx, o op, variantID int64, qty int) (*models.Inventory, error) {
	inv, err := l.change(ctx, tx, o, variantID, qty)
	metrics.InventoryOperation(string(o), err)
	return inv, err
}

func (l *Ledger) change(ctx context.Context, tx *sql.Tx, o op, variantID int64, qty int) (*models.Inventory, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: %s quantity must be positive, got %d", models.ErrInvalidArgument, o, qty)
	}

	inv, err := store.LockInventory(ctx, tx, variantID)
	if err != nil {
		return nil, err
	}

	changed := true
	switch o {
	case opReserve:
		err = inv.Reserve(qty)
	case opRelease:
		changed, err = inv.Release(qty)
	case opConfirm:
		err = inv.Confirm(qty)
	case opRestock:
		err = inv.Restock(qty)
	}
	if err != nil {
		if o == opConfirm {
			l.logger.Error("inventory confirm rejected",
				zap.Int64("variant_id", variantID),
				zap.Int("quantity", qty),
				zap.Int("reserved", inv.Reserved),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if !changed {
		return inv, nil
	}

	if err := store.SaveInventory(ctx, tx, inv); err != nil {
		return nil, err
	}

	l.logger.Debug("inventory updated",
		zap.String("op", string(o)),
		zap.Int64("variant_id", variantID),
		zap.Int("quantity", inv.Quantity),
		zap.Int("reserved", inv.Reserved),
	)
	return inv, nil
}
