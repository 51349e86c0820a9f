// Package sweeper cancels orders whose stock reservation lapsed without a
// payment and hands the held units back to the ledger.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/metrics"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/orders"
	"github.com/safar/go-commerce-core/internal/store"
	"go.uber.org/zap"
)

type Config struct {
	BatchSize  int
	MaxBatches int
	TxOptions  database.TxOptions
}

type Sweeper struct {
	db     *sql.DB
	orders *orders.Service
	sink   events.Sink
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(db *sql.DB, orderService *orders.Service, sink events.Sink, logger *zap.Logger, cfg Config, opts ...Option) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 1
	}
	s := &Sweeper{
		db:     db,
		orders: orderService,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarises one Run.
type Result struct {
	Scanned   int
	Cancelled int
	Skipped   int
	Failed    int
}

// Run expires every lapsed reservation it can reach in at most MaxBatches
// batches. Each order is handled in its own transaction; a failing order is
// logged and left for the next run without stopping the others.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var (
		res     Result
		exclude []int64
	)
	now := s.now()

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		ids, err := store.ListExpiredReservations(ctx, s.db, now, s.cfg.BatchSize, exclude)
		if err != nil {
			return res, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Scanned++

			expired, err := s.expire(ctx, id, now)
			switch {
			case err != nil:
				res.Failed++
				exclude = append(exclude, id)
				metrics.SweeperFailed()
				s.logger.Error("failed to expire reservation", zap.Int64("order_id", id), zap.Error(err))
			case !expired:
				res.Skipped++
				exclude = append(exclude, id)
			default:
				res.Cancelled++
			}
		}

		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	metrics.SweeperExpired(res.Cancelled)
	if res.Scanned > 0 {
		s.logger.Info("reservation sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

// expire reports false when the order was locked by someone else or no
// longer qualifies by the time it was locked.
func (s *Sweeper) expire(ctx context.Context, orderID int64, now time.Time) (bool, error) {
	var pending []events.Event

	err := database.WithTransaction(ctx, s.db, s.cfg.TxOptions, func(tx *sql.Tx) error {
		o, err := store.LockExpiredOrder(ctx, tx, orderID, now)
		if err != nil {
			return err
		}
		pending, err = s.orders.ExpireTx(ctx, tx, o, now)
		return err
	})
	if errors.Is(err, models.ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	orders.RecordTransitions(pending)
	s.sink.Emit(ctx, pending...)
	return true, nil
}

// Start runs a sweep immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", interval))
	for {
		if _, err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("reservation sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
