package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/postgres"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

// storage is the set of stores picked by STORAGE_DRIVER.
type storage struct {
	ledger  stock.Ledger
	source  catalog.Source
	orders  orders.Store
	seed    seeder
	closeFn func()
}

type seeder struct {
	putProduct func(ctx context.Context, p catalog.Product) error
	putStock   func(ctx context.Context, rec stock.Record) error
}

func openStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (*storage, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory:
		ledger := stock.NewMemoryLedger()
		src := catalog.NewMemorySource()
		log.Warn("using in-memory storage; state is lost on restart")
		return &storage{
			ledger: ledger,
			source: src,
			orders: orders.NewMemoryStore(),
			seed: seeder{
				putProduct: func(_ context.Context, p catalog.Product) error { src.Put(p); return nil },
				putStock:   func(_ context.Context, rec stock.Record) error { ledger.Put(rec); return nil },
			},
			closeFn: func() {},
		}, nil
	case config.StoragePostgres:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		return postgresStorage(db), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
}

func postgresStorage(db *pgxpool.Pool) *storage {
	ledger := &postgres.Ledger{DB: db}
	src := &postgres.CatalogSource{DB: db}
	return &storage{
		ledger:  ledger,
		source:  src,
		orders:  &postgres.OrderStore{DB: db},
		seed:    seeder{putProduct: src.PutProduct, putStock: ledger.PutRecord},
		closeFn: db.Close,
	}
}

type seedFile struct {
	Products []catalog.Product `json:"products"`
	Stock    []stock.Record    `json:"stock"`
}

// loadSeed upserts catalog products and stock records from a JSON file.
func loadSeed(ctx context.Context, path string, s seeder) (int, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := json.Unmarshal(b, &f); err != nil {
		return 0, 0, fmt.Errorf("decode seed file: %w", err)
	}
	for _, p := range f.Products {
		if err := s.putProduct(ctx, p); err != nil {
			return 0, 0, fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	for _, rec := range f.Stock {
		if rec.Quantity < 0 {
			return 0, 0, fmt.Errorf("seed stock %s: negative quantity", rec.SKU)
		}
		if err := s.putStock(ctx, rec); err != nil {
			return 0, 0, fmt.Errorf("seed stock %s: %w", rec.SKU, err)
		}
	}
	return len(f.Products), len(f.Stock), nil
}
