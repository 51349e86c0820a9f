package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/safar/go-commerce-core/internal/config"
	"github.com/safar/go-commerce-core/internal/database"
	"github.com/safar/go-commerce-core/internal/events"
	"github.com/safar/go-commerce-core/internal/inventory"
	"github.com/safar/go-commerce-core/internal/logging"
	"github.com/safar/go-commerce-core/internal/models"
	"github.com/safar/go-commerce-core/internal/orders"
	"github.com/safar/go-commerce-core/internal/sweeper"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.New(cfg.Log, cfg.ServiceName+"-sweeper")
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
	} else {
		pub = events.NewLogPublisher(logger)
	}
	queue := events.NewQueue(pub, cfg.Kafka.Buffer, logger)
	queue.Start(context.Background())
	defer queue.Wait()
	defer queue.Close()

	txOpts := database.DefaultTxOptions()
	txOpts.MaxRetries = cfg.Database.MaxTxRetries
	txOpts.LockTimeout = cfg.Database.LockTimeout

	ledger := inventory.NewLedger(db, logger, txOpts)
	orderService := orders.NewService(db, ledger, models.DefaultTransitions(), queue, logger, orders.Config{
		ReservationTimeout: cfg.Reservation.Timeout,
		TxOptions:          txOpts,
	})

	sw := sweeper.New(db, orderService, queue, logger, sweeper.Config{
		BatchSize:  cfg.Sweeper.BatchSize,
		MaxBatches: cfg.Sweeper.MaxBatches,
		TxOptions:  txOpts,
	})

	if *once {
		res, err := sw.Run(ctx)
		if err != nil {
			logger.Error("sweep failed", zap.Error(err))
			return
		}
		logger.Info("sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("cancelled", res.Cancelled),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
		return
	}

	sw.Start(ctx, cfg.Sweeper.Interval)
}
