package inventory

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/dbtest"
	"github.com/safar/go-commerce-core/internal/models"
	"go.uber.org/zap/zaptest"
)

func newLedger(t *testing.T) (*Ledger, *sql.DB) {
	db := dbtest.New(t)
	return NewLedger(db, zaptest.NewLogger(t), database.DefaultTxOptions()), db
}

func TestReserveThenConfirm(t *testing.T) {
	ledger, db := newLedger(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 10})

	inv, err := ledger.Reserve(ctx, v.ID, 2)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if inv.Reserved != 2 || inv.Quantity != 10 {
		t.Errorf("Expected quantity=10 reserved=2, got %+v", inv)
	}

	inv, err = ledger.Confirm(ctx, v.ID, 2)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if inv.Reserved != 0 || inv.Quantity != 8 {
		t.Errorf("Expected quantity=8 reserved=0, got %+v", inv)
	}
}

func TestReserveInsufficientStockLeavesRowUnchanged(t *testing.T) {
	ledger, db := newLedger(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 3})

	if _, err := ledger.Reserve(ctx, v.ID, 2); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	_, err := ledger.Reserve(ctx, v.ID, 2)
	if !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}

	if inv := dbtest.Stock(t, db, v.ID); inv.Reserved != 2 {
		t.Errorf("Expected reserved to stay at 2, got %d", inv.Reserved)
	}
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	ledger, db := newLedger(t)
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 3})

	for _, qty := range []int{0, -2} {
		if _, err := ledger.Reserve(context.Background(), v.ID, qty); !errors.Is(err, models.ErrInvalidArgument) {
			t.Errorf("Reserve(%d): expected ErrInvalidArgument, got %v", qty, err)
		}
	}
}

func TestReserveBackorderExceedsQuantity(t *testing.T) {
	ledger, db := newLedger(t)
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 1, AllowBackorder: true})

	inv, err := ledger.Reserve(context.Background(), v.ID, 5)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if inv.Reserved != 5 {
		t.Errorf("Expected reserved 5, got %d", inv.Reserved)
	}
}

func TestReleaseRoundTripAndClamp(t *testing.T) {
	ledger, db := newLedger(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 10})

	if _, err := ledger.Reserve(ctx, v.ID, 1); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := ledger.Reserve(ctx, v.ID, 5); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := ledger.Release(ctx, v.ID, 5); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if inv := dbtest.Stock(t, db, v.ID); inv.Reserved != 1 {
		t.Errorf("Expected reserved back at 1, got %d", inv.Reserved)
	}

	if _, err := ledger.Release(ctx, v.ID, 100); err != nil {
		t.Fatalf("Over-release should clamp, got %v", err)
	}
	if _, err := ledger.Release(ctx, v.ID, 1); err != nil {
		t.Fatalf("Release of empty reservation should be a no-op, got %v", err)
	}
	if inv := dbtest.Stock(t, db, v.ID); inv.Reserved != 0 || inv.Quantity != 10 {
		t.Errorf("Expected quantity=10 reserved=0, got %+v", inv)
	}
}

func TestConfirmWithoutReservationIsInconsistent(t *testing.T) {
	ledger, db := newLedger(t)
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 10})

	_, err := ledger.Confirm(context.Background(), v.ID, 1)
	if !errors.Is(err, models.ErrReservationInconsistency) {
		t.Fatalf("Expected ErrReservationInconsistency, got %v", err)
	}
	if inv := dbtest.Stock(t, db, v.ID); inv.Quantity != 10 {
		t.Errorf("Expected quantity untouched, got %d", inv.Quantity)
	}
}

func TestRestock(t *testing.T) {
	ledger, db := newLedger(t)
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 4})

	inv, err := ledger.Restock(context.Background(), v.ID, 3)
	if err != nil {
		t.Fatalf("Restock: %v", err)
	}
	if inv.Quantity != 7 {
		t.Errorf("Expected quantity 7, got %d", inv.Quantity)
	}
}

func TestUnknownVariant(t *testing.T) {
	ledger, _ := newLedger(t)

	_, err := ledger.Reserve(context.Background(), 424242, 1)
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentReserveLastUnit(t *testing.T) {
	ledger, db := newLedger(t)
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 1})

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Reserve(context.Background(), v.ID, 1)
			results <- err
		}()
	}

	wg.Wait()
	close(results)

	succeeded, short := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrInsufficientStock):
			short++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if succeeded != 1 || short != workers-1 {
		t.Errorf("Expected 1 success and %d shortfalls, got %d and %d", workers-1, succeeded, short)
	}
	if inv := dbtest.Stock(t, db, v.ID); inv.Reserved != 1 {
		t.Errorf("Expected reserved 1, got %d", inv.Reserved)
	}
}

func TestReserveLinesIsAllOrNothing(t *testing.T) {
	ledger, db := newLedger(t)
	ctx := context.Background()
	plenty := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 10})
	scarce := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 500, Quantity: 1})

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return ledger.ReserveLines(ctx, tx, []Line{
			{VariantID: scarce.ID, Quantity: 2},
			{VariantID: plenty.ID, Quantity: 3},
		})
	})
	if !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}

	if inv := dbtest.Stock(t, db, plenty.ID); inv.Reserved != 0 {
		t.Errorf("Expected rollback of the first line, reserved=%d", inv.Reserved)
	}
}

// counter sums the samples of a registered counter that carry the labels.
func counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue samples
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestLineOperationsAreCounted(t *testing.T) {
	ledger, db := newLedger(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, db, dbtest.VariantSpec{Price: 1000, Quantity: 10})

	reserveOK := map[string]string{"op": "reserve", "result": "ok"}
	confirmOK := map[string]string{"op": "confirm", "result": "ok"}
	reserveErr := map[string]string{"op": "reserve", "result": "error"}
	beforeReserve := counter(t, "inventory_operations_total", reserveOK)
	beforeConfirm := counter(t, "inventory_operations_total", confirmOK)
	beforeErr := counter(t, "inventory_operations_total", reserveErr)

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		lines := []Line{{VariantID: v.ID, Quantity: 2}}
		if err := ledger.ReserveLines(ctx, tx, lines); err != nil {
			return err
		}
		return ledger.ConfirmLines(ctx, tx, lines)
	})
	if err != nil {
		t.Fatalf("Reserve and confirm lines: %v", err)
	}

	err = database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return ledger.ReserveLines(ctx, tx, []Line{{VariantID: v.ID, Quantity: 50}})
	})
	if !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}

	if got := counter(t, "inventory_operations_total", reserveOK) - beforeReserve; got != 1 {
		t.Errorf("Expected 1 counted reserve, got %v", got)
	}
	if got := counter(t, "inventory_operations_total", confirmOK) - beforeConfirm; got != 1 {
		t.Errorf("Expected 1 counted confirm, got %v", got)
	}
	if got := counter(t, "inventory_operations_total", reserveErr) - beforeErr; got != 1 {
		t.Errorf("Expected 1 counted failed reserve, got %v", got)
	}
}

func TestLinesForMergesAndSorts(t *testing.T) {
	lines := LinesFor([]models.OrderItem{
		{VariantID: 9, Quantity: 1},
		{VariantID: 2, Quantity: 2},
		{VariantID: 9, Quantity: 4},
	})

	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %v", lines)
	}
	if lines[0] != (Line{VariantID: 2, Quantity: 2}) || lines[1] != (Line{VariantID: 9, Quantity: 5}) {
		t.Errorf("Unexpected lines %v", lines)
	}
}
