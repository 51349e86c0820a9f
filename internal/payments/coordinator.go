package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/inventory"
	"github.com/safar/go-commerce-core/internal/metrics"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/orders"
	"github.com/safar/go-commerce-core/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type WebhookResult string

const (
	WebhookProcessed WebhookResult = "processed"
	WebhookIgnored   WebhookResult = "ignored"
	WebhookDuplicate WebhookResult = "duplicate"
	WebhookRejected  WebhookResult = "rejected"
)

// Coordinator links payment rows to the order and inventory state they
// settle. Success and failure handling is idempotent by payment status.
type Coordinator struct {
	db       *sql.DB
	registry *Registry
	orders   *orders.Service
	ledger   *inventory.Ledger
	sink     events.Sink
	dedup    Deduper
	logger   *zap.Logger
	txOpts   database.TxOptions
	tracer   trace.Tracer
}

func NewCoordinator(db *sql.DB, registry *Registry, orderService *orders.Service, ledger *inventory.Ledger,
	sink events.Sink, dedup Deduper, logger *zap.Logger, txOpts database.TxOptions) *Coordinator {
	if dedup == nil {
		dedup = NoopDeduper{}
	}
	return &Coordinator{
		db:       db,
		registry: registry,
		orders:   orderService,
		ledger:   ledger,
		sink:     sink,
		dedup:    dedup,
		logger:   logger,
		txOpts:   txOpts,
		tracer:   otel.Tracer("payments"),
	}
}

// CreateFromOrder opens a payment for a reserved order. An existing pending
// payment for the same provider is returned unchanged, so double submits never
// charge twice. The provider call runs while the order row is locked.
func (c *Coordinator) CreateFromOrder(ctx context.Context, orderID int64, providerCode string) (*models.Payment, error) {
	ctx, span := c.tracer.Start(ctx, "payments.CreateFromOrder", trace.WithAttributes(
		attribute.Int64("order_id", orderID),
		attribute.String("provider", providerCode),
	))
	defer span.End()

	provider, err := c.registry.Get(providerCode)
	if err != nil {
		return nil, err
	}

	var (
		payment *models.Payment
		pending []events.Event
	)
	err = database.WithTransaction(ctx, c.db, c.txOpts, func(tx *sql.Tx) error {
		o, err := store.LockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !o.CanBePaid() {
			return fmt.Errorf("%w: order %s is %s", models.ErrNotPayable, o.Number, o.Status)
		}

		existing, err := store.FindPendingPayment(ctx, tx, o.ID, providerCode)
		if err == nil {
			payment = existing
			return nil
		}
		if !errors.Is(err, models.ErrPaymentNotFound) {
			return err
		}

		intent, err := provider.CreatePayment(ctx, o)
		if err != nil {
			return fmt.Errorf("create %s payment: %w", providerCode, err)
		}

		p := &models.Payment{
			OrderID:           o.ID,
			Provider:          providerCode,
			ProviderReference: intent.ProviderReference,
			Status:            models.PaymentPending,
			Amount:            o.GrandTotal,
			Currency:          o.Currency,
			RedirectURL:       intent.RedirectURL,
			Payload:           intent.Payload,
		}
		if err := store.InsertPayment(ctx, tx, p); err != nil {
			return err
		}

		payment = p
		pending = []events.Event{paymentEvent(events.PaymentCreated, p, o)}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if len(pending) > 0 {
		c.logger.Info("payment created",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("order_id", payment.OrderID),
			zap.String("provider", providerCode),
			zap.String("provider_reference", payment.ProviderReference),
		)
	}
	c.sink.Emit(ctx, pending...)
	return payment, nil
}

// HandleSuccess settles a pending payment: the payment is marked paid, every
// reserved line is confirmed and the order moves to paid, all in one
// transaction. A payment that is already paid is left alone.
func (c *Coordinator) HandleSuccess(ctx context.Context, paymentID int64) error {
	_, err := c.settleSuccess(ctx, func(tx *sql.Tx) (*models.Payment, error) {
		return store.LockPayment(ctx, tx, paymentID)
	})
	return err
}

// HandleFailure marks a pending payment failed, releases the stock its order
// holds and cancels the order. A payment that is already failed is left alone.
func (c *Coordinator) HandleFailure(ctx context.Context, providerCode, providerReference string) error {
	_, err := c.settleFailure(ctx, providerCode, providerReference)
	return err
}

func (c *Coordinator) settleSuccess(ctx context.Context, lock func(tx *sql.Tx) (*models.Payment, error)) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "payments.HandleSuccess")
	defer span.End()

	var (
		applied bool
		pending []events.Event
	)
	err := database.WithRetry(ctx, c.db, c.txOpts, func(tx *sql.Tx) error {
		applied, pending = false, nil

		p, err := lock(tx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int64("payment_id", p.ID), attribute.Int64("order_id", p.OrderID))

		switch p.Status {
		case models.PaymentPaid:
			return nil
		case models.PaymentPending:
		default:
			return fmt.Errorf("%w: payment %d is %s", models.ErrNotPayable, p.ID, p.Status)
		}

		o, err := store.LockOrder(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}
		if !o.CanBePaid() {
			return fmt.Errorf("%w: payment %d settled for order %s which is %s",
				models.ErrInvalidState, p.ID, o.Number, o.Status)
		}

		p.Status = models.PaymentPaid
		if err := store.UpdatePaymentStatus(ctx, tx, p); err != nil {
			return err
		}
		if err := c.ledger.ConfirmLines(ctx, tx, inventory.LinesFor(o.Items)); err != nil {
			return err
		}
		orderEvents, err := c.orders.MarkAsPaidTx(ctx, tx, o, "provider:"+p.Provider)
		if err != nil {
			return err
		}

		applied = true
		pending = append([]events.Event{paymentEvent(events.PaymentSucceeded, p, o)}, orderEvents...)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, models.ErrReservationInconsistency) {
			c.logger.Error("reservation inconsistency while settling payment", zap.Error(err))
		}
		return false, err
	}

	if applied {
		metrics.PaymentSettled("paid")
		orders.RecordTransitions(pending)
		c.sink.Emit(ctx, pending...)
	} else {
		metrics.PaymentSettled("duplicate")
	}
	return applied, nil
}

func (c *Coordinator) settleFailure(ctx context.Context, providerCode, providerReference string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "payments.HandleFailure", trace.WithAttributes(
		attribute.String("provider", providerCode),
		attribute.String("provider_reference", providerReference),
	))
	defer span.End()

	var (
		applied bool
		pending []events.Event
	)
	err := database.WithRetry(ctx, c.db, c.txOpts, func(tx *sql.Tx) error {
		applied, pending = false, nil

		p, err := store.LockPaymentByReference(ctx, tx, providerCode, providerReference)
		if err != nil {
			return err
		}

		switch p.Status {
		case models.PaymentFailed:
			return nil
		case models.PaymentPending:
		default:
			return fmt.Errorf("%w: payment %d is %s", models.ErrNotFailable, p.ID, p.Status)
		}

		p.Status = models.PaymentFailed
		if err := store.UpdatePaymentStatus(ctx, tx, p); err != nil {
			return err
		}

		o, err := store.LockOrder(ctx, tx, p.OrderID)
		if err != nil {
			return err
		}
		applied = true
		pending = []events.Event{paymentEvent(events.PaymentFailed, p, o)}

		switch o.Status {
		case models.StatusReserved:
			if err := c.ledger.ReleaseLines(ctx, tx, inventory.LinesFor(o.Items)); err != nil {
				return err
			}
		case models.StatusDraft:
		default:
			c.logger.Warn("payment failed for an order that is no longer payable",
				zap.Int64("payment_id", p.ID),
				zap.Int64("order_id", o.ID),
				zap.String("status", string(o.Status)),
			)
			return nil
		}

		orderEvents, err := c.orders.MarkAsFailedTx(ctx, tx, o, "provider:"+p.Provider, "payment failed")
		if err != nil {
			return err
		}
		pending = append(pending, orderEvents...)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if applied {
		metrics.PaymentSettled("failed")
		orders.RecordTransitions(pending)
		c.sink.Emit(ctx, pending...)
	} else {
		metrics.PaymentSettled("duplicate")
	}
	return applied, nil
}

// HandleWebhook parses and applies one provider delivery. Unknown event
// types and unknown references are acknowledged without a state change.
// Business rejections are reported as WebhookRejected with a nil error since
// a redelivery cannot succeed; any other error should make the provider retry.
func (c *Coordinator) HandleWebhook(ctx context.Context, providerCode string, body []byte, headers http.Header) (WebhookResult, error) {
	ctx, span := c.tracer.Start(ctx, "payments.HandleWebhook", trace.WithAttributes(
		attribute.String("provider", providerCode),
	))
	defer span.End()

	provider, err := c.registry.Get(providerCode)
	if err != nil {
		return "", err
	}

	ev, err := provider.ParseWebhook(ctx, body, headers)
	if err != nil {
		c.logger.Warn("webhook rejected by parser", zap.String("provider", providerCode), zap.Error(err))
		return "", err
	}
	metrics.WebhookReceived(providerCode, string(ev.Type))

	log := c.logger.With(
		zap.String("provider", providerCode),
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.RawType),
		zap.String("provider_reference", ev.ProviderReference),
	)

	if ev.EventID != "" {
		seen, err := c.dedup.Seen(ctx, providerCode, ev.EventID)
		if err != nil {
			log.Warn("webhook dedup lookup failed", zap.Error(err))
		} else if seen {
			log.Info("webhook already processed")
			return WebhookDuplicate, nil
		}
	}

	result, err := c.apply(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrPaymentNotFound):
		log.Warn("webhook for unknown payment")
		result, err = WebhookIgnored, nil
	case isRejection(err):
		log.Error("webhook rejected", zap.Error(err))
		result, err = WebhookRejected, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("webhook processing failed", zap.Error(err))
		return "", err
	}

	if ev.EventID != "" {
		if err := c.dedup.Mark(ctx, providerCode, ev.EventID); err != nil {
			log.Warn("webhook dedup mark failed", zap.Error(err))
		}
	}
	span.SetAttributes(attribute.String("result", string(result)))
	log.Info("webhook handled", zap.String("result", string(result)))
	return result, nil
}

func (c *Coordinator) apply(ctx context.Context, ev *WebhookEvent) (WebhookResult, error) {
	var (
		applied bool
		err     error
	)
	switch ev.Type {
	case EventPaid:
		applied, err = c.settleSuccess(ctx, func(tx *sql.Tx) (*models.Payment, error) {
			return store.LockPaymentByReference(ctx, tx, ev.Provider, ev.ProviderReference)
		})
	case EventFailed:
		applied, err = c.settleFailure(ctx, ev.Provider, ev.ProviderReference)
	default:
		return WebhookIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if !applied {
		return WebhookDuplicate, nil
	}
	return WebhookProcessed, nil
}

func (c *Coordinator) ListByOrder(ctx context.Context, orderID int64) ([]models.Payment, error) {
	return store.ListPaymentsByOrder(ctx, c.db, orderID)
}

// isRejection reports business-rule errors that a redelivery cannot fix.
func isRejection(err error) bool {
	return errors.Is(err, models.ErrNotPayable) ||
		errors.Is(err, models.ErrNotFailable) ||
		errors.Is(err, models.ErrInvalidState) ||
		errors.Is(err, models.ErrInvalidTransition)
}

func paymentEvent(name string, p *models.Payment, o *models.Order) events.Event {
	return events.New(name, o.ID, map[string]any{
		"payment_id":         p.ID,
		"order_id":           o.ID,
		"order_number":       o.Number,
		"provider":           p.Provider,
		"provider_reference": p.ProviderReference,
		"status":             p.Status,
		"amount":             p.Amount,
		"currency":           p.Currency,
	})
}
