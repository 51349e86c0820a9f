// Package orders owns the order lifecycle: draft creation, reservation,
// settlement hooks and the post-payment fulfilment steps.
package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/inventory"
	"github.com/safar/go-commerce-core/internal/metrics"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/store"
	"go.uber.org/zap"
)

type Config struct {
	ReservationTimeout time.Duration
	TxOptions          database.TxOptions
}

type Service struct {
	db          *sql.DB
	ledger      *inventory.Ledger
	transitions *models.TransitionTable
	sink        events.Sink
	logger      *zap.Logger
	cfg         Config
	now         func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, mainly for reservation deadlines in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(db *sql.DB, ledger *inventory.Ledger, transitions *models.TransitionTable,
	sink events.Sink, logger *zap.Logger, cfg Config, opts ...Option) *Service {
	s := &Service{
		db:          db,
		ledger:      ledger,
		transitions: transitions,
		sink:        sink,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Order, error) {
	return store.GetOrder(ctx, s.db, id)
}

func (s *Service) History(ctx context.Context, id int64) ([]models.StatusHistory, error) {
	if _, err := store.GetOrder(ctx, s.db, id); err != nil {
		return nil, err
	}
	return store.ListStatusHistory(ctx, s.db, id)
}

func (s *Service) ListByCustomer(ctx context.Context, customerID int64, cursor string, limit int) (*store.CursorPage[models.Order], error) {
	return store.ListOrdersCursor(ctx, s.db, customerID, cursor, limit)
}

// ListVariants pages through the catalog with current prices.
func (s *Service) ListVariants(ctx context.Context, page, pageSize int) (*store.OffsetPage[models.Variant], error) {
	return store.ListVariants(ctx, s.db, page, pageSize)
}

// mutate locks the order, runs fn and emits the returned events once the
// transaction has committed. fn may run more than once on retry.
func (s *Service) mutate(ctx context.Context, orderID int64,
	fn func(tx *sql.Tx, o *models.Order) ([]events.Event, error)) (*models.Order, error) {
	var (
		order   *models.Order
		pending []events.Event
	)

	err := database.WithRetry(ctx, s.db, s.cfg.TxOptions, func(tx *sql.Tx) error {
		o, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		evs, err := fn(tx, o)
		if err != nil {
			return err
		}
		order, pending = o, evs
		return nil
	})
	if err != nil {
		return nil, err
	}

	RecordTransitions(pending)
	s.sink.Emit(ctx, pending...)
	return order, nil
}

// transition validates and persists a status change with its history row.
func (s *Service) transition(ctx context.Context, tx *sql.Tx, o *models.Order, to models.OrderStatus, actor, note string) error {
	from := o.Status
	if err := s.transitions.Validate(from, to); err != nil {
		return err
	}

	o.Status = to
	if to != models.StatusReserved {
		o.ReservedUntil = nil
	}

	if err := store.UpdateOrder(ctx, tx, o); err != nil {
		return err
	}

	if err := store.AppendStatusHistory(ctx, tx, &models.StatusHistory{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Note:       note,
	}); err != nil {
		return err
	}

	s.logger.Info("order transitioned",
		zap.Int64("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	return nil
}

// RecordTransitions counts the status changes carried by order events. It
// must only see events of a committed transaction, so callers of the *Tx
// methods invoke it after their own commit.
func RecordTransitions(evs []events.Event) {
	for _, e := range evs {
		if to, ok := e.Payload["status"].(models.OrderStatus); ok {
			metrics.OrderTransition(string(to))
		}
	}
}

func orderEvent(name string, o *models.Order, extra map[string]any) events.Event {
	payload := map[string]any{
		"order_id":    o.ID,
		"number":      o.Number,
		"status":      o.Status,
		"currency":    o.Currency,
		"grand_total": o.GrandTotal,
		"email":       o.Customer.Email,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return events.New(name, o.ID, payload)
}

func invalidState(o *models.Order, expected ...models.OrderStatus) error {
	return fmt.Errorf("%w: order %s is %s, expected one of %v", models.ErrInvalidState, o.Number, o.Status, expected)
}
