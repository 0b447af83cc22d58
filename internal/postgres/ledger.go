package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

// Ledger keeps stock in stock_records and per-order holds in reservations.
// Multi-SKU reservations lock rows with FOR UPDATE in sku_key order.
type Ledger struct{ DB *pgxpool.Pool }

var _ stock.Ledger = (*Ledger)(nil)

// PutRecord creates or overwrites a SKU's quantity and alert threshold.
func (l *Ledger) PutRecord(ctx context.Context, rec stock.Record) error {
	_, err := l.DB.Exec(ctx, `
		INSERT INTO stock_records(sku_key, product_id, variation_id, option_id, quantity, low_stock_alert)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (sku_key) DO UPDATE
		SET quantity = EXCLUDED.quantity, low_stock_alert = EXCLUDED.low_stock_alert, updated_at = now()`,
		rec.SKU.Key(), rec.SKU.ProductID, rec.SKU.VariationID, rec.SKU.OptionID, rec.Quantity, rec.LowStockAlert)
	if err != nil {
		return fmt.Errorf("put stock record %s: %w", rec.SKU, err)
	}
	return nil
}

func (l *Ledger) Reserve(ctx context.Context, sku stock.SKU, qty int) error {
	if qty <= 0 {
		return apperr.New(apperr.KindInvalidQuantity, "reserve quantity must be positive").WithSKU(sku.Key())
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE stock_records SET quantity = quantity - $2, updated_at = now()
		WHERE sku_key = $1 AND quantity >= $2`, sku.Key(), qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", sku, err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	rec, err := l.Peek(ctx, sku)
	if err != nil {
		return err
	}
	return apperr.New(apperr.KindInsufficientStock, "requested %d, available %d", qty, rec.Quantity).WithSKU(sku.Key())
}

func (l *Ledger) Release(ctx context.Context, sku stock.SKU, qty int) error {
	if qty <= 0 {
		return apperr.New(apperr.KindInvalidQuantity, "release quantity must be positive").WithSKU(sku.Key())
	}
	ct, err := l.DB.Exec(ctx, `
		UPDATE stock_records SET quantity = quantity + $2, updated_at = now()
		WHERE sku_key = $1`, sku.Key(), qty)
	if err != nil {
		return fmt.Errorf("release %s: %w", sku, err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("no stock record").WithSKU(sku.Key())
	}
	return nil
}

func (l *Ledger) Peek(ctx context.Context, sku stock.SKU) (stock.Record, error) {
	rec := stock.Record{SKU: sku}
	err := l.DB.QueryRow(ctx, `SELECT quantity, low_stock_alert FROM stock_records WHERE sku_key=$1`, sku.Key()).
		Scan(&rec.Quantity, &rec.LowStockAlert)
	if errors.Is(err, pgx.ErrNoRows) {
		return stock.Record{}, apperr.NotFound("no stock record").WithSKU(sku.Key())
	}
	if err != nil {
		return stock.Record{}, fmt.Errorf("peek %s: %w", sku, err)
	}
	return rec, nil
}

// ReserveOrder locks every involved SKU, checks all of them and only then
// decrements. Any shortfall rolls the whole transaction back.
func (l *Ledger) ReserveOrder(ctx context.Context, orderID string, lines []stock.Line) error {
	if orderID == "" {
		return apperr.Validation("order id is required")
	}
	if len(lines) == 0 {
		return apperr.Validation("no lines to reserve").WithOrder(orderID)
	}
	for _, ln := range lines {
		if ln.Qty <= 0 {
			return apperr.New(apperr.KindInvalidQuantity, "reserve quantity must be positive").
				WithOrder(orderID).WithLine(ln.LineID).WithSKU(ln.SKU.Key())
		}
	}
	agg := stock.Aggregate(lines)
	keys := make([]string, len(agg))
	for i, ln := range agg {
		keys[i] = ln.SKU.Key()
	}

	return inTx(ctx, l.DB, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations WHERE order_id=$1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("check reservation: %w", err)
		}
		if exists {
			return apperr.New(apperr.KindConflict, "order already holds a reservation").WithOrder(orderID)
		}

		rows, err := tx.Query(ctx, `
			SELECT sku_key, quantity FROM stock_records
			WHERE sku_key = ANY($1)
			ORDER BY sku_key
			FOR UPDATE`, keys)
		if err != nil {
			return fmt.Errorf("lock stock: %w", err)
		}
		available := make(map[string]int, len(keys))
		for rows.Next() {
			var key string
			var qty int
			if err := rows.Scan(&key, &qty); err != nil {
				rows.Close()
				return fmt.Errorf("scan stock: %w", err)
			}
			available[key] = qty
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock stock: %w", err)
		}

		for _, ln := range agg {
			have, ok := available[ln.SKU.Key()]
			if !ok {
				return apperr.NotFound("no stock record").WithOrder(orderID).WithLine(ln.LineID).WithSKU(ln.SKU.Key())
			}
			if have < ln.Qty {
				return apperr.New(apperr.KindInsufficientStock, "requested %d, available %d", ln.Qty, have).
					WithOrder(orderID).WithLine(ln.LineID).WithSKU(ln.SKU.Key())
			}
		}

		for _, ln := range agg {
			if _, err := tx.Exec(ctx, `UPDATE stock_records SET quantity = quantity - $2, updated_at = now() WHERE sku_key=$1`,
				ln.SKU.Key(), ln.Qty); err != nil {
				return fmt.Errorf("decrement %s: %w", ln.SKU, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO reservations(order_id, sku_key, line_id, qty, status)
				VALUES ($1,$2,$3,$4,$5)`,
				orderID, ln.SKU.Key(), ln.LineID, ln.Qty, stock.ReservationReserved); err != nil {
				return fmt.Errorf("record reservation: %w", err)
			}
		}
		return nil
	})
}

// ReleaseOrder flips the order's reserved rows to released and gives their
// quantity back in the same transaction, so a second call finds nothing to
// release.
func (l *Ledger) ReleaseOrder(ctx context.Context, orderID string) ([]stock.Line, error) {
	var released []stock.Line
	err := inTx(ctx, l.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE reservations SET status=$2, updated_at=now()
			WHERE order_id=$1 AND status=$3
			RETURNING sku_key, line_id, qty`,
			orderID, stock.ReservationReleased, stock.ReservationReserved)
		if err != nil {
			return fmt.Errorf("release reservations: %w", err)
		}
		for rows.Next() {
			var key string
			var ln stock.Line
			if err := rows.Scan(&key, &ln.LineID, &ln.Qty); err != nil {
				rows.Close()
				return fmt.Errorf("scan reservation: %w", err)
			}
			sku, err := stock.ParseKey(key)
			if err != nil {
				rows.Close()
				return err
			}
			ln.SKU = sku
			released = append(released, ln)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("release reservations: %w", err)
		}

		if len(released) == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservations WHERE order_id=$1)`, orderID).Scan(&exists); err != nil {
				return fmt.Errorf("check reservation: %w", err)
			}
			if !exists {
				return apperr.NotFound("no reservation").WithOrder(orderID)
			}
			return nil
		}

		sort.Slice(released, func(i, j int) bool { return released[i].SKU.Key() < released[j].SKU.Key() })
		for _, ln := range released {
			if _, err := tx.Exec(ctx, `UPDATE stock_records SET quantity = quantity + $2, updated_at = now() WHERE sku_key=$1`,
				ln.SKU.Key(), ln.Qty); err != nil {
				return fmt.Errorf("restore %s: %w", ln.SKU, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func (l *Ledger) CommitOrder(ctx context.Context, orderID string) error {
	ct, err := l.DB.Exec(ctx, `
		UPDATE reservations SET status=$2, updated_at=now()
		WHERE order_id=$1 AND status=$3`,
		orderID, stock.ReservationCommitted, stock.ReservationReserved)
	if err != nil {
		return fmt.Errorf("commit reservations: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	var total, released int
	err = l.DB.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status=$2)
		FROM reservations WHERE order_id=$1`, orderID, stock.ReservationReleased).Scan(&total, &released)
	if err != nil {
		return fmt.Errorf("check reservation: %w", err)
	}
	switch {
	case total == 0:
		return apperr.NotFound("no reservation").WithOrder(orderID)
	case released > 0:
		return apperr.New(apperr.KindInvalidState, "reservation already released").WithOrder(orderID)
	}
	return nil
}
