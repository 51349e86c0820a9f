package orders

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/dbtest"
	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/inventory"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/store"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	db       *sql.DB
	svc      *Service
	ledger   *inventory.Ledger
	recorder *events.Recorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	db := dbtest.New(t)
	logger := zaptest.NewLogger(t)
	txOpts := database.DefaultTxOptions()

	f := &fixture{
		db:       db,
		ledger:   inventory.NewLedger(db, logger, txOpts),
		recorder: &events.Recorder{},
		now:      time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(db, f.ledger, models.DefaultTransitions(), f.recorder, logger,
		Config{ReservationTimeout: 15 * time.Minute, TxOptions: txOpts},
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) draft(t *testing.T, items ...DraftItem) *models.Order {
	t.Helper()
	o, err := f.svc.CreateDraft(context.Background(), DraftInput{
		Customer:        models.CustomerSnapshot{Email: "buyer@example.com", FullName: "Buyer"},
		ShippingAddress: models.Address{Line1: "Main St 1", City: "Berlin", Country: "DE"},
		Currency:        "EUR",
		ShippingTotal:   500,
		Items:           items,
		Actor:           "test",
	})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	return o
}

// paid drives an order through reservation and settlement the way the
// payment coordinator does.
func (f *fixture) paid(t *testing.T, o *models.Order) *models.Order {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.Reserve(ctx, o.ID, "test"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	err := database.WithTransaction(ctx, f.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		locked, err := store.LockOrder(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if err := f.ledger.ConfirmLines(ctx, tx, inventory.LinesFor(locked.Items)); err != nil {
			return err
		}
		_, err = f.svc.MarkAsPaidTx(ctx, tx, locked, "test")
		return err
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	got, err := f.svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func TestCheckoutConvertsCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := dbtest.SeedCustomer(t, f.db)
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1999, VATRate: "0.19", Quantity: 5})

	cart, err := f.svc.CreateCart(ctx, CreateCartInput{Currency: "eur", CustomerID: &customer.ID})
	if err != nil {
		t.Fatalf("CreateCart: %v", err)
	}
	if cart.Currency != "EUR" {
		t.Errorf("Expected EUR, got %s", cart.Currency)
	}

	if _, err := f.svc.AddToCart(ctx, cart.Token, v.ID, 1); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	cart, err = f.svc.AddToCart(ctx, cart.Token, v.ID, 1)
	if err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 2 {
		t.Fatalf("Expected one line with quantity 2, got %+v", cart.Items)
	}

	o, err := f.svc.Checkout(ctx, CheckoutInput{CartToken: cart.Token, ShippingTotal: 490, Actor: "customer"})
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if o.Status != models.StatusDraft {
		t.Errorf("Expected draft, got %s", o.Status)
	}
	if o.Customer.Email != customer.Email {
		t.Errorf("Expected snapshot email %s, got %s", customer.Email, o.Customer.Email)
	}
	if o.ShippingAddress.City != "Berlin" {
		t.Errorf("Expected shipping address from profile, got %+v", o.ShippingAddress)
	}
	// 2 x 1999 = 3998, tax 759.62 -> 760
	if o.Subtotal != 3998 || o.TaxTotal != 760 || o.GrandTotal != 3998+760+490 {
		t.Errorf("Unexpected totals: subtotal=%d tax=%d grand=%d", o.Subtotal, o.TaxTotal, o.GrandTotal)
	}

	if _, err := f.svc.Checkout(ctx, CheckoutInput{CartToken: cart.Token}); !errors.Is(err, models.ErrCartConverted) {
		t.Errorf("Expected ErrCartConverted on second checkout, got %v", err)
	}
	if _, err := f.svc.AddToCart(ctx, cart.Token, v.ID, 1); !errors.Is(err, models.ErrCartConverted) {
		t.Errorf("Expected ErrCartConverted on add, got %v", err)
	}

	if f.recorder.Count(events.OrderCreated) != 1 {
		t.Errorf("Expected one order.created event, got %v", f.recorder.Names())
	}
}

func TestOrderSnapshotSurvivesProfileEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := dbtest.SeedCustomer(t, f.db)
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 5})

	o, err := f.svc.CreateDraft(ctx, DraftInput{
		CustomerID: &customer.ID,
		Currency:   "EUR",
		Items:      []DraftItem{{VariantID: v.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}

	stale := *customer
	customer.Email = "moved@example.com"
	customer.ShippingAddress.City = "Hamburg"
	if err := store.UpdateCustomer(ctx, f.db, customer); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}
	if err := store.UpdateCustomer(ctx, f.db, &stale); !errors.Is(err, database.ErrOptimisticLockFailed) {
		t.Errorf("Expected ErrOptimisticLockFailed for stale version, got %v", err)
	}

	got, err := f.svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Customer.Email != stale.Email || got.ShippingAddress.City != "Berlin" {
		t.Errorf("Expected order snapshot unchanged, got %+v / %+v", got.Customer, got.ShippingAddress)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cart, err := f.svc.CreateCart(ctx, CreateCartInput{Currency: "EUR"})
	if err != nil {
		t.Fatalf("CreateCart: %v", err)
	}

	_, err = f.svc.Checkout(ctx, CheckoutInput{
		CartToken: cart.Token,
		Customer:  models.CustomerSnapshot{Email: "x@example.com"},
	})
	if !errors.Is(err, models.ErrEmptyOrder) {
		t.Fatalf("Expected ErrEmptyOrder, got %v", err)
	}
}

func TestAddToCartRejectsCurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Currency: "USD", Quantity: 1})

	cart, err := f.svc.CreateCart(ctx, CreateCartInput{Currency: "EUR"})
	if err != nil {
		t.Fatalf("CreateCart: %v", err)
	}

	if _, err := f.svc.AddToCart(ctx, cart.Token, v.ID, 1); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument, got %v", err)
	}
	if _, err := f.svc.AddToCart(ctx, cart.Token, v.ID, 0); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("Expected ErrInvalidArgument for zero quantity, got %v", err)
	}
}

func TestCreateDraftValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateDraft(ctx, DraftInput{Currency: "EUR"}); !errors.Is(err, models.ErrEmptyOrder) {
		t.Errorf("Expected ErrEmptyOrder, got %v", err)
	}

	_, err := f.svc.CreateDraft(ctx, DraftInput{
		Currency: "EUR",
		Items:    []DraftItem{{VariantID: 999999, Quantity: 1}},
		Customer: models.CustomerSnapshot{Email: "x@example.com"},
	})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected not found for unknown variant, got %v", err)
	}
}

func TestReserveHoldsStockAndSetsDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 5})
	o := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 2})

	// price change between draft and reservation is picked up
	if err := store.UpdateVariantPrice(ctx, f.db, v.ID, 1200, v.Version); err != nil {
		t.Fatalf("UpdateVariantPrice: %v", err)
	}

	reserved, err := f.svc.Reserve(ctx, o.ID, "test")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if reserved.Status != models.StatusReserved {
		t.Errorf("Expected reserved, got %s", reserved.Status)
	}
	if reserved.ReservedUntil == nil || !reserved.ReservedUntil.Equal(f.now.Add(15*time.Minute)) {
		t.Errorf("Unexpected reserved_until %v", reserved.ReservedUntil)
	}
	if reserved.Subtotal != 2400 {
		t.Errorf("Expected repriced subtotal 2400, got %d", reserved.Subtotal)
	}
	if inv := dbtest.Stock(t, f.db, v.ID); inv.Reserved != 2 || inv.Quantity != 5 {
		t.Errorf("Expected quantity=5 reserved=2, got %+v", inv)
	}

	if _, err := f.svc.Reserve(ctx, o.ID, "test"); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second reserve, got %v", err)
	}

	history, err := f.svc.History(ctx, o.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].FromStatus != "" || history[1].ToStatus != models.StatusReserved {
		t.Errorf("Unexpected history %+v", history)
	}
}

func TestReserveShortfallAbortsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plenty := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 10})
	scarce := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 1})
	o := f.draft(t, DraftItem{VariantID: plenty.ID, Quantity: 3}, DraftItem{VariantID: scarce.ID, Quantity: 2})

	_, err := f.svc.Reserve(ctx, o.ID, "test")
	if !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}

	if inv := dbtest.Stock(t, f.db, plenty.ID); inv.Reserved != 0 {
		t.Errorf("Expected no reservation on first line, got %d", inv.Reserved)
	}
	got, err := f.svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusDraft {
		t.Errorf("Expected order to stay draft, got %s", got.Status)
	}
}

func TestCancelReservedReleasesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 5})
	o := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 2})

	if _, err := f.svc.Reserve(ctx, o.ID, "test"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	cancelled, err := f.svc.Cancel(ctx, o.ID, "customer request", "admin")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.ReservedUntil != nil {
		t.Errorf("Unexpected order after cancel: status=%s reserved_until=%v", cancelled.Status, cancelled.ReservedUntil)
	}
	if inv := dbtest.Stock(t, f.db, v.ID); inv.Reserved != 0 || inv.Quantity != 5 {
		t.Errorf("Expected stock fully released, got %+v", inv)
	}

	if _, err := f.svc.Cancel(ctx, o.ID, "again", "admin"); !errors.Is(err, models.ErrCannotCancelCompleted) {
		t.Errorf("Expected ErrCannotCancelCompleted, got %v", err)
	}
}

func TestCancelPaidRestocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 5})
	o := f.paid(t, f.draft(t, DraftItem{VariantID: v.ID, Quantity: 2}))

	if inv := dbtest.Stock(t, f.db, v.ID); inv.Quantity != 3 || inv.Reserved != 0 {
		t.Fatalf("Expected quantity=3 after settlement, got %+v", inv)
	}

	if _, err := f.svc.Cancel(ctx, o.ID, "fraud", "admin"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if inv := dbtest.Stock(t, f.db, v.ID); inv.Quantity != 5 {
		t.Errorf("Expected quantity restored to 5, got %+v", inv)
	}
}

func TestCancelProcessingRestocks(t *testing.T) {
	tests := []struct {
		name  string
		steps int
		want  models.OrderStatus
	}{
		{"processing", 1, models.StatusProcessing},
		{"fulfilled", 2, models.StatusFulfilled},
		{"shipped", 3, models.StatusShipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 10})
			o := f.paid(t, f.draft(t, DraftItem{VariantID: v.ID, Quantity: 2}))

			payment := &models.Payment{
				OrderID: o.ID, Provider: "stripe", ProviderReference: "pi_cancel_" + tt.name,
				Status: models.PaymentPaid, Amount: o.GrandTotal, Currency: o.Currency,
			}
			if err := store.InsertPayment(ctx, f.db, payment); err != nil {
				t.Fatalf("InsertPayment: %v", err)
			}

			// A second customer's hold on the same variant must survive the cancel.
			other := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 3})
			if _, err := f.svc.Reserve(ctx, other.ID, "test"); err != nil {
				t.Fatalf("Reserve: %v", err)
			}

			steps := []func(context.Context, int64, string) (*models.Order, error){f.svc.Process, f.svc.Fulfill, f.svc.Ship}
			for _, step := range steps[:tt.steps] {
				if _, err := step(ctx, o.ID, "warehouse"); err != nil {
					t.Fatalf("Step: %v", err)
				}
			}

			cancelled, err := f.svc.Cancel(ctx, o.ID, "customer request", "admin")
			if err != nil {
				t.Fatalf("Cancel from %s: %v", tt.want, err)
			}
			if cancelled.Status != models.StatusCancelled {
				t.Errorf("Expected cancelled, got %s", cancelled.Status)
			}
			if inv := dbtest.Stock(t, f.db, v.ID); inv.Quantity != 10 || inv.Reserved != 3 {
				t.Errorf("Expected quantity=10 reserved=3, got %d/%d", inv.Quantity, inv.Reserved)
			}

			got, err := store.GetPayment(ctx, f.db, payment.ID)
			if err != nil {
				t.Fatalf("GetPayment: %v", err)
			}
			if got.Status != models.PaymentRefunded {
				t.Errorf("Expected payment refunded, got %s", got.Status)
			}
		})
	}
}

func TestFulfilmentChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 5})
	o := f.paid(t, f.draft(t, DraftItem{VariantID: v.ID, Quantity: 1}))

	if _, err := f.svc.Ship(ctx, o.ID, "warehouse"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition when shipping a paid order, got %v", err)
	}

	steps := []func(context.Context, int64, string) (*models.Order, error){
		f.svc.Process, f.svc.Fulfill, f.svc.Ship, f.svc.Complete,
	}
	for _, step := range steps {
		if _, err := step(ctx, o.ID, "warehouse"); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	got, err := f.svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusDelivered {
		t.Errorf("Expected delivered, got %s", got.Status)
	}
	if _, err := f.svc.Cancel(ctx, o.ID, "late", "admin"); !errors.Is(err, models.ErrCannotCancelCompleted) {
		t.Errorf("Expected ErrCannotCancelCompleted, got %v", err)
	}

	for _, name := range []string{events.OrderProcessing, events.OrderFulfilled, events.OrderShipped, events.OrderDelivered} {
		if f.recorder.Count(name) != 1 {
			t.Errorf("Expected one %s event, got %v", name, f.recorder.Names())
		}
	}
}

func TestRefundWithRestock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 10})
	o := f.paid(t, f.draft(t, DraftItem{VariantID: v.ID, Quantity: 3}))

	payment := &models.Payment{
		OrderID: o.ID, Provider: "stripe", ProviderReference: "pi_refund",
		Status: models.PaymentPaid, Amount: o.GrandTotal, Currency: o.Currency,
	}
	if err := store.InsertPayment(ctx, f.db, payment); err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}

	refunded, err := f.svc.Refund(ctx, o.ID, RefundOptions{Reason: "damaged", Actor: "admin", Restock: true})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.Status != models.StatusRefunded {
		t.Errorf("Expected refunded, got %s", refunded.Status)
	}
	if inv := dbtest.Stock(t, f.db, v.ID); inv.Quantity != 10 {
		t.Errorf("Expected quantity back at 10, got %d", inv.Quantity)
	}

	got, err := store.GetPayment(ctx, f.db, payment.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.Status != models.PaymentRefunded {
		t.Errorf("Expected payment refunded, got %s", got.Status)
	}

	if _, err := f.svc.Refund(ctx, o.ID, RefundOptions{Actor: "admin"}); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition on second refund, got %v", err)
	}
}

func TestRefundDraftRejected(t *testing.T) {
	f := newFixture(t)
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 10})
	o := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 1})

	_, err := f.svc.Refund(context.Background(), o.ID, RefundOptions{Actor: "admin"})
	var te *models.TransitionError
	if !errors.As(err, &te) || te.From != models.StatusDraft {
		t.Fatalf("Expected TransitionError from draft, got %v", err)
	}
}

func TestMarkAsFailedReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 4})
	o := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 4})

	if _, err := f.svc.Reserve(ctx, o.ID, "test"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	failed, err := f.svc.MarkAsFailed(ctx, o.ID, "provider")
	if err != nil {
		t.Fatalf("MarkAsFailed: %v", err)
	}
	if failed.Status != models.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", failed.Status)
	}
	if inv := dbtest.Stock(t, f.db, v.ID); inv.Reserved != 0 {
		t.Errorf("Expected reservation released, got %d", inv.Reserved)
	}
}

func TestExpireTxRequiresLapsedReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 4})
	o := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 2})

	if _, err := f.svc.Reserve(ctx, o.ID, "test"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	expire := func(at time.Time) error {
		return database.WithTransaction(ctx, f.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
			locked, err := store.LockOrder(ctx, tx, o.ID)
			if err != nil {
				return err
			}
			_, err = f.svc.ExpireTx(ctx, tx, locked, at)
			return err
		})
	}

	if err := expire(f.now.Add(time.Minute)); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState before deadline, got %v", err)
	}
	if err := expire(f.now.Add(16 * time.Minute)); err != nil {
		t.Fatalf("ExpireTx: %v", err)
	}
	if inv := dbtest.Stock(t, f.db, v.ID); inv.Reserved != 0 {
		t.Errorf("Expected reservation released, got %d", inv.Reserved)
	}
}

func TestTransitionToFollowsTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 4})
	o := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 1})

	if _, err := f.svc.TransitionTo(ctx, o.ID, models.StatusShipped, "", "admin"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
	got, err := f.svc.TransitionTo(ctx, o.ID, models.StatusCancelled, "duplicate", "admin")
	if err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}
	if f.recorder.Count(events.OrderStatusChanged) != 1 {
		t.Errorf("Expected one status change event, got %v", f.recorder.Names())
	}
}

func TestGetUnknownOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Get(context.Background(), 424242); !errors.Is(err, models.ErrOrderNotFound) {
		t.Fatalf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestListByCustomerPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := dbtest.SeedCustomer(t, f.db)
	other := dbtest.SeedCustomer(t, f.db)
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 50})

	create := func(customerID int64) *models.Order {
		o, err := f.svc.CreateDraft(ctx, DraftInput{
			CustomerID: &customerID,
			Currency:   "EUR",
			Items:      []DraftItem{{VariantID: v.ID, Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("CreateDraft: %v", err)
		}
		return o
	}
	first := create(customer.ID)
	create(other.ID)
	second := create(customer.ID)
	third := create(customer.ID)

	page, err := f.svc.ListByCustomer(ctx, customer.ID, "", 2)
	if err != nil {
		t.Fatalf("ListByCustomer: %v", err)
	}
	items := page.Items
	if len(items) != 2 || !page.HasMore || page.NextCursor == "" {
		t.Fatalf("Expected a full first page with a cursor, got %d items hasMore=%v", len(items), page.HasMore)
	}
	if items[0].ID != third.ID || items[1].ID != second.ID {
		t.Errorf("Expected newest first, got %d, %d", items[0].ID, items[1].ID)
	}

	page, err = f.svc.ListByCustomer(ctx, customer.ID, page.NextCursor, 2)
	if err != nil {
		t.Fatalf("ListByCustomer: %v", err)
	}
	items = page.Items
	if len(items) != 1 || items[0].ID != first.ID || page.HasMore {
		t.Errorf("Expected only the oldest order on the last page, got %+v", items)
	}

	if _, err := f.svc.ListByCustomer(ctx, customer.ID, "not-a-cursor!", 2); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for a bad cursor, got %v", err)
	}
}

func transitionsTo(t *testing.T, to models.OrderStatus) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "order_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "to" && lp.GetValue() == string(to) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestTransitionCountedOnceAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := dbtest.SeedVariant(t, f.db, dbtest.VariantSpec{Price: 1000, Quantity: 5})
	o := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 1})
	before := transitionsTo(t, models.StatusCancelled)

	attempts := 0
	_, err := f.svc.mutate(ctx, o.ID, func(tx *sql.Tx, locked *models.Order) ([]events.Event, error) {
		attempts++
		if err := f.svc.transition(ctx, tx, locked, models.StatusCancelled, "test", ""); err != nil {
			return nil, err
		}
		if attempts == 1 {
			return nil, &pq.Error{Code: "40001"}
		}
		return []events.Event{orderEvent(events.OrderCancelled, locked, nil)}, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("Expected a retried attempt, got %d attempts", attempts)
	}
	if got := transitionsTo(t, models.StatusCancelled) - before; got != 1 {
		t.Errorf("Expected 1 counted transition, got %v", got)
	}

	before = transitionsTo(t, models.StatusReserved)
	other := f.draft(t, DraftItem{VariantID: v.ID, Quantity: 1})
	_, err = f.svc.mutate(ctx, other.ID, func(tx *sql.Tx, locked *models.Order) ([]events.Event, error) {
		if err := f.svc.transition(ctx, tx, locked, models.StatusReserved, "test", ""); err != nil {
			return nil, err
		}
		return nil, models.ErrInsufficientStock
	})
	if !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("Expected ErrInsufficientStock, got %v", err)
	}
	if got := transitionsTo(t, models.StatusReserved) - before; got != 0 {
		t.Errorf("Expected rolled back transition not to be counted, got %v", got)
	}
}
