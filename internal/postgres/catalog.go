package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
)

// CatalogSource reads products from the catalog tables the catalog service
// owns. PutProduct exists for seeding.
type CatalogSource struct{ DB *pgxpool.Pool }

var _ catalog.Source = (*CatalogSource)(nil)

func (c *CatalogSource) Product(ctx context.Context, productID string) (catalog.Product, error) {
	var p catalog.Product
	err := c.DB.QueryRow(ctx, `
		SELECT id, seller_id, name, price_cents, compare_at_cents, active
		FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.SellerID, &p.Name, &p.PriceCents, &p.CompareAtCents, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Product{}, apperr.NotFound("product %s", productID)
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("load product %s: %w", productID, err)
	}

	rows, err := c.DB.Query(ctx, `
		SELECT id, name, price_cents, compare_at_cents, active
		FROM product_variations WHERE product_id=$1 ORDER BY position, id`, productID)
	if err != nil {
		return catalog.Product{}, fmt.Errorf("load variations of %s: %w", productID, err)
	}
	for rows.Next() {
		var v catalog.Variation
		if err := rows.Scan(&v.ID, &v.Name, &v.PriceCents, &v.CompareAtCents, &v.Active); err != nil {
			rows.Close()
			return catalog.Product{}, fmt.Errorf("scan variation: %w", err)
		}
		p.Variations = append(p.Variations, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return catalog.Product{}, fmt.Errorf("load variations of %s: %w", productID, err)
	}
	if len(p.Variations) == 0 {
		return p, nil
	}

	vidx := make(map[string]int, len(p.Variations))
	for i, v := range p.Variations {
		vidx[v.ID] = i
	}
	rows, err = c.DB.Query(ctx, `
		SELECT variation_id, id, name, price_cents, compare_at_cents, active
		FROM variation_options WHERE product_id=$1 ORDER BY variation_id, position, id`, productID)
	if err != nil {
		return catalog.Product{}, fmt.Errorf("load options of %s: %w", productID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var variationID string
		var o catalog.Option
		if err := rows.Scan(&variationID, &o.ID, &o.Name, &o.PriceCents, &o.CompareAtCents, &o.Active); err != nil {
			return catalog.Product{}, fmt.Errorf("scan option: %w", err)
		}
		if i, ok := vidx[variationID]; ok {
			p.Variations[i].Options = append(p.Variations[i].Options, o)
		}
	}
	if err := rows.Err(); err != nil {
		return catalog.Product{}, fmt.Errorf("load options of %s: %w", productID, err)
	}
	return p, nil
}

// PutProduct upserts a product with its variations and options.
func (c *CatalogSource) PutProduct(ctx context.Context, p catalog.Product) error {
	return inTx(ctx, c.DB, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO products(id, seller_id, name, price_cents, compare_at_cents, active)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE
			SET seller_id=EXCLUDED.seller_id, name=EXCLUDED.name, price_cents=EXCLUDED.price_cents,
			    compare_at_cents=EXCLUDED.compare_at_cents, active=EXCLUDED.active, updated_at=now()`,
			p.ID, p.SellerID, p.Name, p.PriceCents, p.CompareAtCents, p.Active); err != nil {
			return fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
		for vi, v := range p.Variations {
			if _, err := tx.Exec(ctx, `
				INSERT INTO product_variations(product_id, id, name, price_cents, compare_at_cents, active, position)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
				ON CONFLICT (product_id, id) DO UPDATE
				SET name=EXCLUDED.name, price_cents=EXCLUDED.price_cents, compare_at_cents=EXCLUDED.compare_at_cents,
				    active=EXCLUDED.active, position=EXCLUDED.position`,
				p.ID, v.ID, v.Name, v.PriceCents, v.CompareAtCents, v.Active, vi); err != nil {
				return fmt.Errorf("upsert variation %s: %w", v.ID, err)
			}
			for oi, o := range v.Options {
				if _, err := tx.Exec(ctx, `
					INSERT INTO variation_options(product_id, variation_id, id, name, price_cents, compare_at_cents, active, position)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
					ON CONFLICT (product_id, variation_id, id) DO UPDATE
					SET name=EXCLUDED.name, price_cents=EXCLUDED.price_cents, compare_at_cents=EXCLUDED.compare_at_cents,
					    active=EXCLUDED.active, position=EXCLUDED.position`,
					p.ID, v.ID, o.ID, o.Name, o.PriceCents, o.CompareAtCents, o.Active, oi); err != nil {
					return fmt.Errorf("upsert option %s: %w", o.ID, err)
				}
			}
		}
		return nil
	})
}
