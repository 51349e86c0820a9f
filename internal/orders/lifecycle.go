package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/inventory"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/store"
	"go.uber.org/zap"
)

// Reserve re-prices a draft from current variant pricing, holds stock for
// every line and stamps the reservation deadline. Any shortfall aborts the
// whole reservation.
func (s *Service) Reserve(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	return s.mutate(ctx, orderID, func(tx *sql.Tx, o *models.Order) ([]events.Event, error) {
		if o.Status != models.StatusDraft {
			return nil, invalidState(o, models.StatusDraft)
		}
		if len(o.Items) == 0 {
			return nil, models.ErrEmptyOrder
		}

		ids := make([]int64, 0, len(o.Items))
		for _, item := range o.Items {
			ids = append(ids, item.VariantID)
		}
		variants, err := store.GetVariants(ctx, tx, ids)
		if err != nil {
			return nil, err
		}

		for i := range o.Items {
			v := variants[o.Items[i].VariantID]
			if v.Currency != o.Currency {
				return nil, fmt.Errorf("%w: variant %s is priced in %s, order is in %s",
					models.ErrInvalidArgument, v.SKU, v.Currency, o.Currency)
			}
			o.Items[i].Reprice(v)
		}
		o.RecomputeTotals()

		if err := store.UpdateOrderItemPricing(ctx, tx, o.Items); err != nil {
			return nil, err
		}

		if err := s.ledger.ReserveLines(ctx, tx, inventory.LinesFor(o.Items)); err != nil {
			return nil, err
		}

		until := s.now().Add(s.cfg.ReservationTimeout).UTC()
		o.ReservedUntil = &until
		if err := s.transition(ctx, tx, o, models.StatusReserved, actor, ""); err != nil {
			return nil, err
		}

		return []events.Event{orderEvent(events.OrderReserved, o, map[string]any{"reserved_until": until})}, nil
	})
}

// MarkAsPaidTx moves a reserved order to paid inside the settlement
// transaction. Inventory must already be confirmed by the caller.
func (s *Service) MarkAsPaidTx(ctx context.Context, tx *sql.Tx, o *models.Order, actor string) ([]events.Event, error) {
	if !o.CanBePaid() {
		return nil, invalidState(o, models.StatusReserved)
	}
	if err := s.transition(ctx, tx, o, models.StatusPaid, actor, ""); err != nil {
		return nil, err
	}
	return []events.Event{orderEvent(events.OrderPaid, o, nil)}, nil
}

// MarkAsFailedTx cancels an unpaid order inside the settlement transaction.
// Releasing held stock is the caller's job.
func (s *Service) MarkAsFailedTx(ctx context.Context, tx *sql.Tx, o *models.Order, actor, note string) ([]events.Event, error) {
	if o.Status != models.StatusDraft && o.Status != models.StatusReserved {
		return nil, invalidState(o, models.StatusDraft, models.StatusReserved)
	}
	if err := s.transition(ctx, tx, o, models.StatusCancelled, actor, note); err != nil {
		return nil, err
	}
	return []events.Event{orderEvent(events.OrderCancelled, o, map[string]any{"reason": "payment_failed"})}, nil
}

// MarkAsFailed is the standalone form of MarkAsFailedTx. It also releases the
// stock of a reserved order so nothing stays held by a cancelled order.
func (s *Service) MarkAsFailed(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	return s.mutate(ctx, orderID, func(tx *sql.Tx, o *models.Order) ([]events.Event, error) {
		if o.Status == models.StatusReserved {
			if err := s.ledger.ReleaseLines(ctx, tx, inventory.LinesFor(o.Items)); err != nil {
				return nil, err
			}
		}
		return s.MarkAsFailedTx(ctx, tx, o, actor, "")
	})
}

func (s *Service) Process(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.StatusPaid, models.StatusProcessing, actor, events.OrderProcessing)
}

func (s *Service) Fulfill(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.StatusProcessing, models.StatusFulfilled, actor, events.OrderFulfilled)
}

func (s *Service) Ship(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.StatusFulfilled, models.StatusShipped, actor, events.OrderShipped)
}

func (s *Service) Complete(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	return s.advance(ctx, orderID, models.StatusShipped, models.StatusDelivered, actor, events.OrderDelivered)
}

func (s *Service) advance(ctx context.Context, orderID int64, from, to models.OrderStatus, actor, eventName string) (*models.Order, error) {
	return s.mutate(ctx, orderID, func(tx *sql.Tx, o *models.Order) ([]events.Event, error) {
		if o.Status != from {
			return nil, &models.TransitionError{From: o.Status, To: to}
		}
		if err := s.transition(ctx, tx, o, to, actor, ""); err != nil {
			return nil, err
		}
		return []events.Event{orderEvent(eventName, o, nil)}, nil
	})
}

// Cancel gives back any stock the order still holds. A reservation is
// released. Once the order is paid its units have left the reserved pool, so
// they are restocked and the settled payment is marked refunded.
func (s *Service) Cancel(ctx context.Context, orderID int64, reason, actor string) (*models.Order, error) {
	return s.mutate(ctx, orderID, func(tx *sql.Tx, o *models.Order) ([]events.Event, error) {
		switch o.Status {
		case models.StatusCancelled, models.StatusDelivered, models.StatusRefunded:
			return nil, fmt.Errorf("%w: order %s is %s", models.ErrCannotCancelCompleted, o.Number, o.Status)
		}
		if err := s.transitions.Validate(o.Status, models.StatusCancelled); err != nil {
			return nil, err
		}

		lines := inventory.LinesFor(o.Items)
		switch o.Status {
		case models.StatusReserved:
			if err := s.ledger.ReleaseLines(ctx, tx, lines); err != nil {
				return nil, err
			}
		case models.StatusPaid, models.StatusProcessing, models.StatusFulfilled, models.StatusShipped:
			if err := s.refundSettledPayment(ctx, tx, o); err != nil {
				return nil, err
			}
			if err := s.ledger.RestockLines(ctx, tx, lines); err != nil {
				return nil, err
			}
		}

		if err := s.transition(ctx, tx, o, models.StatusCancelled, actor, reason); err != nil {
			return nil, err
		}
		return []events.Event{orderEvent(events.OrderCancelled, o, map[string]any{"reason": reason})}, nil
	})
}

type RefundOptions struct {
	Reason  string
	Actor   string
	Restock bool
}

// Refund marks the settled payment refunded and optionally puts the sold
// units back on hand. The provider-side refund is not issued here.
func (s *Service) Refund(ctx context.Context, orderID int64, opts RefundOptions) (*models.Order, error) {
	return s.mutate(ctx, orderID, func(tx *sql.Tx, o *models.Order) ([]events.Event, error) {
		if err := s.transitions.Validate(o.Status, models.StatusRefunded); err != nil {
			return nil, err
		}

		if err := s.refundSettledPayment(ctx, tx, o); err != nil {
			return nil, err
		}

		if opts.Restock {
			if err := s.ledger.RestockLines(ctx, tx, inventory.LinesFor(o.Items)); err != nil {
				return nil, err
			}
		}

		if err := s.transition(ctx, tx, o, models.StatusRefunded, opts.Actor, opts.Reason); err != nil {
			return nil, err
		}
		return []events.Event{orderEvent(events.OrderRefunded, o, map[string]any{
			"reason":  opts.Reason,
			"restock": opts.Restock,
		})}, nil
	})
}

// refundSettledPayment marks the order's paid payment refunded. An order
// moved past reserved by hand may have none.
func (s *Service) refundSettledPayment(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	payment, err := store.LockPaidPayment(ctx, tx, o.ID)
	switch {
	case errors.Is(err, models.ErrPaymentNotFound):
		s.logger.Warn("order has no settled payment to refund",
			zap.Int64("order_id", o.ID), zap.String("order_number", o.Number))
		return nil
	case err != nil:
		return err
	}
	payment.Status = models.PaymentRefunded
	return store.UpdatePaymentStatus(ctx, tx, payment)
}

// TransitionTo is the administrative path for any edge in the transition
// table. It has no inventory or payment side effects.
func (s *Service) TransitionTo(ctx context.Context, orderID int64, to models.OrderStatus, note, actor string) (*models.Order, error) {
	return s.mutate(ctx, orderID, func(tx *sql.Tx, o *models.Order) ([]events.Event, error) {
		from := o.Status
		if err := s.transition(ctx, tx, o, to, actor, note); err != nil {
			return nil, err
		}
		return []events.Event{orderEvent(events.OrderStatusChanged, o, map[string]any{
			"from": from,
			"to":   to,
			"note": note,
		})}, nil
	})
}

// ExpireTx rolls back a lapsed reservation on an order the caller has locked.
func (s *Service) ExpireTx(ctx context.Context, tx *sql.Tx, o *models.Order, now time.Time) ([]events.Event, error) {
	if o.Status != models.StatusReserved {
		return nil, invalidState(o, models.StatusReserved)
	}
	if o.ReservedUntil == nil || !o.ReservedUntil.Before(now) {
		return nil, fmt.Errorf("%w: reservation of order %s has not expired", models.ErrInvalidState, o.Number)
	}

	if err := s.ledger.ReleaseLines(ctx, tx, inventory.LinesFor(o.Items)); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, tx, o, models.StatusCancelled, "system:sweeper", "reservation expired"); err != nil {
		return nil, err
	}
	return []events.Event{orderEvent(events.OrderCancelled, o, map[string]any{"reason": "reservation_expired"})}, nil
}
