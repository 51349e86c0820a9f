package orders

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/store"
	"go.uber.org/zap"
)

type CreateCartInput struct {
	Currency   string
	CustomerID *int64
}

func (s *Service) CreateCart(ctx context.Context, in CreateCartInput) (*models.Cart, error) {
	if len(in.Currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", models.ErrInvalidArgument)
	}
	if in.CustomerID != nil {
		if _, err := store.GetCustomer(ctx, s.db, *in.CustomerID); err != nil {
			return nil, err
		}
	}
	return store.CreateCart(ctx, s.db, uuid.NewString(), strings.ToUpper(in.Currency), in.CustomerID)
}

func (s *Service) GetCart(ctx context.Context, token string) (*models.Cart, error) {
	return store.GetCart(ctx, s.db, token)
}

// AddToCart snapshots the variant's current price onto the cart line.
func (s *Service) AddToCart(ctx context.Context, token string, variantID int64, quantity int) (*models.Cart, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", models.ErrInvalidArgument, quantity)
	}

	var cart *models.Cart
	err := database.WithTransaction(ctx, s.db, s.cfg.TxOptions, func(tx *sql.Tx) error {
		c, err := store.LockCart(ctx, tx, token)
		if err != nil {
			return err
		}
		if c.Status != models.CartActive {
			return models.ErrCartConverted
		}

		v, err := store.GetVariant(ctx, tx, variantID)
		if err != nil {
			return err
		}
		if v.Currency != c.Currency {
			return fmt.Errorf("%w: variant %s is priced in %s, cart is in %s",
				models.ErrInvalidArgument, v.SKU, v.Currency, c.Currency)
		}

		if _, err := store.UpsertCartItem(ctx, tx, c.ID, v.ID, quantity, v.Price); err != nil {
			return err
		}

		cart, err = store.LockCart(ctx, tx, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

type CheckoutInput struct {
	CartToken       string
	Customer        models.CustomerSnapshot
	ShippingAddress models.Address
	BillingAddress  models.Address
	ShippingTotal   int64
	Actor           string
}

// Checkout converts an active cart into a draft order. Line prices are the
// ones captured in the cart; the cart is immutable afterwards.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*models.Order, error) {
	if in.ShippingTotal < 0 {
		return nil, fmt.Errorf("%w: shipping total must not be negative", models.ErrInvalidArgument)
	}

	var order *models.Order
	err := database.WithTransaction(ctx, s.db, s.cfg.TxOptions, func(tx *sql.Tx) error {
		cart, err := store.LockCart(ctx, tx, in.CartToken)
		if err != nil {
			return err
		}
		if cart.Status != models.CartActive {
			return models.ErrCartConverted
		}
		if len(cart.Items) == 0 {
			return models.ErrEmptyOrder
		}

		ids := make([]int64, 0, len(cart.Items))
		for _, item := range cart.Items {
			ids = append(ids, item.VariantID)
		}
		variants, err := store.GetVariants(ctx, tx, ids)
		if err != nil {
			return err
		}

		items := make([]models.OrderItem, 0, len(cart.Items))
		for _, ci := range cart.Items {
			items = append(items, snapshotLine(variants[ci.VariantID], ci.Quantity, ci.UnitPrice))
		}

		o := &models.Order{
			CustomerID:      cart.CustomerID,
			CartID:          &cart.ID,
			Currency:        cart.Currency,
			ShippingTotal:   in.ShippingTotal,
			Customer:        in.Customer,
			ShippingAddress: in.ShippingAddress,
			BillingAddress:  in.BillingAddress,
			Items:           items,
		}
		if err := s.fillCustomer(ctx, tx, o); err != nil {
			return err
		}

		if err := s.insertDraft(ctx, tx, o, in.Actor); err != nil {
			return err
		}
		if err := store.MarkCartConverted(ctx, tx, cart.ID); err != nil {
			return err
		}

		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sink.Emit(ctx, orderEvent(events.OrderCreated, order, map[string]any{"source": "cart"}))
	return order, nil
}

type DraftItem struct {
	VariantID int64
	Quantity  int
}

type DraftInput struct {
	CustomerID      *int64
	Customer        models.CustomerSnapshot
	ShippingAddress models.Address
	BillingAddress  models.Address
	Currency        string
	ShippingTotal   int64
	Items           []DraftItem
	Actor           string
}

// CreateDraft builds a draft order from a direct item list at current prices.
func (s *Service) CreateDraft(ctx context.Context, in DraftInput) (*models.Order, error) {
	if len(in.Items) == 0 {
		return nil, models.ErrEmptyOrder
	}
	if in.ShippingTotal < 0 {
		return nil, fmt.Errorf("%w: shipping total must not be negative", models.ErrInvalidArgument)
	}
	for _, item := range in.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive, got %d", models.ErrInvalidArgument, item.Quantity)
		}
	}
	currency := strings.ToUpper(in.Currency)

	var order *models.Order
	err := database.WithTransaction(ctx, s.db, s.cfg.TxOptions, func(tx *sql.Tx) error {
		ids := make([]int64, 0, len(in.Items))
		for _, item := range in.Items {
			ids = append(ids, item.VariantID)
		}
		variants, err := store.GetVariants(ctx, tx, ids)
		if err != nil {
			return err
		}

		items := make([]models.OrderItem, 0, len(in.Items))
		for _, di := range in.Items {
			v := variants[di.VariantID]
			if v.Currency != currency {
				return fmt.Errorf("%w: variant %s is priced in %s, order is in %s",
					models.ErrInvalidArgument, v.SKU, v.Currency, currency)
			}
			items = append(items, snapshotLine(v, di.Quantity, v.Price))
		}

		o := &models.Order{
			CustomerID:      in.CustomerID,
			Currency:        currency,
			ShippingTotal:   in.ShippingTotal,
			Customer:        in.Customer,
			ShippingAddress: in.ShippingAddress,
			BillingAddress:  in.BillingAddress,
			Items:           items,
		}
		if err := s.fillCustomer(ctx, tx, o); err != nil {
			return err
		}

		if err := s.insertDraft(ctx, tx, o, in.Actor); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.sink.Emit(ctx, orderEvent(events.OrderCreated, order, map[string]any{"source": "direct"}))
	return order, nil
}

// fillCustomer copies the customer profile into any snapshot fields the
// caller left empty.
func (s *Service) fillCustomer(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	if o.CustomerID != nil {
		c, err := store.GetCustomer(ctx, tx, *o.CustomerID)
		if err != nil {
			return err
		}
		if o.Customer.Email == "" {
			o.Customer = c.Snapshot()
		}
		if o.ShippingAddress == (models.Address{}) {
			o.ShippingAddress = c.ShippingAddress
		}
		if o.BillingAddress == (models.Address{}) {
			o.BillingAddress = c.BillingAddress
		}
	}
	if o.BillingAddress == (models.Address{}) {
		o.BillingAddress = o.ShippingAddress
	}
	if o.Customer.Email == "" {
		return fmt.Errorf("%w: customer email is required", models.ErrInvalidArgument)
	}
	return nil
}

func (s *Service) insertDraft(ctx context.Context, tx *sql.Tx, o *models.Order, actor string) error {
	o.Number = s.orderNumber()
	o.Status = models.StatusDraft
	o.RecomputeTotals()

	if err := store.InsertOrder(ctx, tx, o); err != nil {
		return err
	}
	if err := store.InsertOrderItems(ctx, tx, o.ID, o.Items); err != nil {
		return err
	}
	if err := store.AppendStatusHistory(ctx, tx, &models.StatusHistory{
		OrderID:  o.ID,
		ToStatus: models.StatusDraft,
		Actor:    actor,
	}); err != nil {
		return err
	}

	s.logger.Info("order created",
		zap.Int64("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.Int("items", len(o.Items)),
		zap.Int64("grand_total", o.GrandTotal),
	)
	return nil
}

func (s *Service) orderNumber() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("ORD-%s-%s", s.now().UTC().Format("20060102"), id[:8])
}

// snapshotLine copies catalog data onto an order line so later catalog edits
// do not change the order.
func snapshotLine(v *models.Variant, quantity int, unitPrice int64) models.OrderItem {
	attrs := make(models.Attributes, len(v.Attributes))
	for k, val := range v.Attributes {
		attrs[k] = val
	}
	return models.OrderItem{
		VariantID:  v.ID,
		SKU:        v.SKU,
		Name:       v.Name,
		Attributes: attrs,
		UnitPrice:  unitPrice,
		Quantity:   quantity,
		VATRate:    v.VATRate,
	}
}
