package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/safar/go-commerce-core/internal/config"
	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/httpapi"
	"github.com/safar/go-commerce-core/internal/inventory"
	"github.com/safar/go-commerce-core/internal/logging"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/orders"
	"github.com/safar/go-commerce-core/internal/payments"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.New(cfg.Log, cfg.ServiceName)
	if err != nil {
		log.Fatalf("Init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	var pub events.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	} else {
		pub = events.NewLogPublisher(logger)
	}
	queue := events.NewQueue(pub, cfg.Kafka.Buffer, logger)
	queue.Start(context.Background())

	var dedup payments.Deduper = payments.NoopDeduper{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, webhook dedup disabled", zap.Error(err))
		} else {
			dedup = payments.NewRedisDeduper(rdb, cfg.Redis.DedupTTL)
		}
	}

	registry, err := payments.NewRegistry(
		payments.NewStripeProvider(cfg.Payments.Stripe, logger),
		payments.NewPayPalProvider(cfg.Payments.PayPal, logger),
	)
	if err != nil {
		logger.Fatal("build payment registry", zap.Error(err))
	}
	if cfg.Payments.PayPal.WebhookID == "" {
		logger.Warn("PAYPAL_WEBHOOK_ID not set, paypal webhooks will be rejected")
	}

	txOpts := database.DefaultTxOptions()
	txOpts.MaxRetries = cfg.Database.MaxTxRetries
	txOpts.LockTimeout = cfg.Database.LockTimeout

	ledger := inventory.NewLedger(db, logger, txOpts)
	orderService := orders.NewService(db, ledger, models.DefaultTransitions(), queue, logger, orders.Config{
		ReservationTimeout: cfg.Reservation.Timeout,
		TxOptions:          txOpts,
	})
	coordinator := payments.NewCoordinator(db, registry, orderService, ledger, queue, dedup, logger, txOpts)

	router := httpapi.NewRouter(cfg.ServiceName, httpapi.Deps{
		Orders:    orderService,
		Payments:  coordinator,
		Inventory: ledger,
		DB:        db,
	}, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port), zap.Strings("providers", registry.Codes()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	queue.Close()
	queue.Wait()
	logger.Info("server stopped")
}
