package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	"github.com/ariefcatur/go-marketplace-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/postgres"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	service := cfg.ServiceName + "-inventory"
	log, err := logging.New(cfg.LogLevel, service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, service, log); err != nil {
		log.Fatal("inventory exited", zap.Error(err))
	}
}

func run(cfg config.Config, service string, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The watcher reads the same ledger the API writes, so it needs the
	// shared database.
	if cfg.StorageDriver != config.StoragePostgres {
		return fmt.Errorf("inventory watcher requires STORAGE_DRIVER=%s", config.StoragePostgres)
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		return err
	}

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 256, log)
	prod.Start(ctx)

	svc := inventory.NewService(&postgres.Ledger{DB: db}, rdb, kafkax.NewEventPublisher(prod, service), log)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.InventoryGroup, inventory.Topics(), cfg.InventoryWorkers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("inventory consumer started",
			zap.String("group", cfg.InventoryGroup),
			zap.Strings("topics", inventory.Topics()),
			zap.Int("workers", cfg.InventoryWorkers))
		return cons.Start(gctx, svc.HandleStockMoved)
	})

	err = g.Wait()
	log.Info("shutting down consumer")
	stop()
	prod.WaitClosed()
	return err
}
