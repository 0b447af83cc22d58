package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	"github.com/ariefcatur/go-marketplace-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

const reconcileBatch = 100

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.closeFn()

	if cfg.SeedFile != "" {
		products, records, err := loadSeed(ctx, cfg.SeedFile, store.seed)
		if err != nil {
			return err
		}
		log.Info("seed loaded", zap.Int("products", products), zap.Int("stock_records", records))
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		return err
	}

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)
	publisher := kafkax.NewEventPublisher(prod, cfg.ServiceName)

	resolver := catalog.NewResolver(store.source, store.ledger)
	carts, err := cart.NewService(cart.ServiceDeps{
		Store:    &redisx.CartStore{RDB: rdb, TTL: cfg.CartTTL},
		Resolver: resolver,
		Logger:   log.Named("cart"),
	})
	if err != nil {
		return err
	}
	svc, err := orders.NewService(orders.Deps{
		Store:           store.orders,
		Ledger:          store.ledger,
		Resolver:        resolver,
		Carts:           carts,
		Publisher:       publisher,
		StatusCache:     &redisx.StatusCache{RDB: rdb},
		Logger:          log.Named("orders"),
		CancelReasonMax: cfg.CancelReasonMax,
	})
	if err != nil {
		return err
	}

	router := httpx.NewRouter(log)
	h := &httpx.Handler{
		Carts:  carts,
		Orders: svc,
		Stock:  store.ledger,
		Levels: &redisx.StockLevels{RDB: rdb},
		Idem:   &redisx.Idempotency{RDB: rdb},
		Logger: log,
	}
	h.Register(router)
	srv := httpx.NewServer(cfg.HTTPAddr, router)

	pay := payments.NewHandler(svc, rdb, log.Named("payments"))
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentGroup, []string{orders.TopicPaymentResult}, cfg.PaymentWorkers, log.Named("payments"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.Info("payment consumer started",
			zap.String("group", cfg.PaymentGroup),
			zap.Int("workers", cfg.PaymentWorkers))
		return cons.Start(gctx, pay.HandlePaymentResult)
	})
	g.Go(func() error {
		reconcileLoop(gctx, svc, cfg.ReconcileInterval, log.Named("reconcile"))
		return nil
	})

	err = g.Wait()
	stop()
	prod.WaitClosed()
	return err
}

// reconcileLoop retries stock releases for cancelled orders whose release
// did not complete.
func reconcileLoop(ctx context.Context, svc *orders.Service, every time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := svc.ReconcileReleases(ctx, reconcileBatch)
			if err != nil && ctx.Err() == nil {
				log.Error("reconcile releases", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("released stock for cancelled orders", zap.Int("orders", n))
			}
		}
	}
}
