package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

// OrderStore persists orders with their items and cancellation history.
// Updates are guarded by the version column.
type OrderStore struct{ DB *pgxpool.Pool }

var _ orders.Store = (*OrderStore)(nil)

const orderColumns = `id, buyer_id, seller_id, shipping_address, payment_method,
	subtotal_cents, shipping_fee_cents, total_cents,
	payment_status, fulfillment_status, cancellation_status, cancel_reason, cancelled_by,
	created_at, updated_at, paid_at, shipped_at, delivered_at, completed_at, cancelled_at,
	cancellation_requested_at, stock_released_at, version`

func (s *OrderStore) Insert(ctx context.Context, os ...orders.Order) error {
	return inTx(ctx, s.DB, func(tx pgx.Tx) error {
		for _, o := range os {
			addr, pm, err := marshalOrderJSON(o)
			if err != nil {
				return err
			}
			ct, err := tx.Exec(ctx, `
				INSERT INTO orders(`+orderColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
				ON CONFLICT (id) DO NOTHING`,
				o.ID, o.BuyerID, o.SellerID, addr, pm,
				o.SubtotalCents, o.ShippingFeeCents, o.TotalCents,
				o.PaymentStatus, o.FulfillmentStatus, o.CancellationStatus, o.CancelReason, o.CancelledBy,
				o.CreatedAt, o.UpdatedAt, o.PaidAt, o.ShippedAt, o.DeliveredAt, o.CompletedAt, o.CancelledAt,
				o.CancellationRequestedAt, o.StockReleasedAt, o.Version)
			if err != nil {
				return fmt.Errorf("insert order %s: %w", o.ID, err)
			}
			if ct.RowsAffected() == 0 {
				return apperr.New(apperr.KindConflict, "order already exists").WithOrder(o.ID)
			}

			for i, it := range o.Items {
				if _, err := tx.Exec(ctx, `
					INSERT INTO order_items(order_id, id, position, cart_line_id, product_id, variation_id, option_id,
					                        name, qty, unit_price_cents, subtotal_cents)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
					o.ID, it.ID, i, it.CartLineID, it.ProductID, it.VariationID, it.OptionID,
					it.Name, it.Quantity, it.UnitPriceCents, it.SubtotalCents); err != nil {
					return fmt.Errorf("insert order item %s: %w", it.ID, err)
				}
			}
			if err := upsertCancellations(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *OrderStore) Get(ctx context.Context, orderID string) (orders.Order, error) {
	o, err := scanOrder(s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, apperr.NotFound("order").WithOrder(orderID)
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	loaded := []orders.Order{o}
	if err := s.loadChildren(ctx, loaded); err != nil {
		return orders.Order{}, err
	}
	return loaded[0], nil
}

func (s *OrderStore) Update(ctx context.Context, o orders.Order, expectedVersion int64) error {
	return inTx(ctx, s.DB, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			UPDATE orders SET
				payment_status=$3, fulfillment_status=$4, cancellation_status=$5,
				cancel_reason=$6, cancelled_by=$7, updated_at=$8,
				paid_at=$9, shipped_at=$10, delivered_at=$11, completed_at=$12, cancelled_at=$13,
				cancellation_requested_at=$14, stock_released_at=$15, version=$16
			WHERE id=$1 AND version=$2`,
			o.ID, expectedVersion,
			o.PaymentStatus, o.FulfillmentStatus, o.CancellationStatus,
			o.CancelReason, o.CancelledBy, o.UpdatedAt,
			o.PaidAt, o.ShippedAt, o.DeliveredAt, o.CompletedAt, o.CancelledAt,
			o.CancellationRequestedAt, o.StockReleasedAt, o.Version)
		if err != nil {
			return fmt.Errorf("update order %s: %w", o.ID, err)
		}
		if ct.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check order %s: %w", o.ID, err)
			}
			if !exists {
				return apperr.NotFound("order").WithOrder(o.ID)
			}
			return apperr.New(apperr.KindConflict, "order modified concurrently").WithOrder(o.ID)
		}
		return upsertCancellations(ctx, tx, o)
	})
}

func (s *OrderStore) List(ctx context.Context, f orders.ListFilter) ([]orders.Order, error) {
	var where []string
	var args []any
	if f.BuyerID != "" {
		args = append(args, f.BuyerID)
		where = append(where, fmt.Sprintf("buyer_id=$%d", len(args)))
	}
	if f.SellerID != "" {
		args = append(args, f.SellerID)
		where = append(where, fmt.Sprintf("seller_id=$%d", len(args)))
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))
	return s.query(ctx, q, args...)
}

func (s *OrderStore) ListPendingReleases(ctx context.Context, limit int) ([]orders.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE cancellation_status=$1 AND stock_released_at IS NULL
		ORDER BY updated_at LIMIT $2`, orders.CancellationApproved, limit)
}

func (s *OrderStore) query(ctx context.Context, q string, args ...any) ([]orders.Order, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	out := make([]orders.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	rows.Close()
	if err := s.loadChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadChildren fills items and cancellation requests for a batch of orders.
func (s *OrderStore) loadChildren(ctx context.Context, os []orders.Order) error {
	if len(os) == 0 {
		return nil
	}
	ids := make([]string, len(os))
	idx := make(map[string]int, len(os))
	for i, o := range os {
		ids[i] = o.ID
		idx[o.ID] = i
	}

	rows, err := s.DB.Query(ctx, `
		SELECT order_id, id, cart_line_id, product_id, variation_id, option_id, name, qty, unit_price_cents, subtotal_cents
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	for rows.Next() {
		var orderID string
		var it orders.LineItem
		if err := rows.Scan(&orderID, &it.ID, &it.CartLineID, &it.ProductID, &it.VariationID, &it.OptionID,
			&it.Name, &it.Quantity, &it.UnitPriceCents, &it.SubtotalCents); err != nil {
			rows.Close()
			return fmt.Errorf("scan order item: %w", err)
		}
		o := &os[idx[orderID]]
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load order items: %w", err)
	}

	rows, err = s.DB.Query(ctx, `
		SELECT id, order_id, buyer_id, reason, requested_at, resolution, rejection_reason, resolved_at, resolved_by
		FROM cancellation_requests WHERE order_id = ANY($1) ORDER BY order_id, requested_at, id`, ids)
	if err != nil {
		return fmt.Errorf("load cancellation requests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c orders.CancellationRequest
		if err := rows.Scan(&c.ID, &c.OrderID, &c.BuyerID, &c.Reason, &c.RequestedAt, &c.Resolution,
			&c.RejectionReason, &c.ResolvedAt, &c.ResolvedBy); err != nil {
			return fmt.Errorf("scan cancellation request: %w", err)
		}
		o := &os[idx[c.OrderID]]
		o.Cancellations = append(o.Cancellations, c)
	}
	return rows.Err()
}

func upsertCancellations(ctx context.Context, tx pgx.Tx, o orders.Order) error {
	for _, c := range o.Cancellations {
		_, err := tx.Exec(ctx, `
			INSERT INTO cancellation_requests(id, order_id, buyer_id, reason, requested_at, resolution,
			                                  rejection_reason, resolved_at, resolved_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO UPDATE
			SET resolution=EXCLUDED.resolution, rejection_reason=EXCLUDED.rejection_reason,
			    resolved_at=EXCLUDED.resolved_at, resolved_by=EXCLUDED.resolved_by`,
			c.ID, o.ID, c.BuyerID, c.Reason, c.RequestedAt, c.Resolution,
			c.RejectionReason, c.ResolvedAt, c.ResolvedBy)
		if err != nil {
			return fmt.Errorf("save cancellation request %s: %w", c.ID, err)
		}
	}
	return nil
}

func marshalOrderJSON(o orders.Order) ([]byte, []byte, error) {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal shipping address: %w", err)
	}
	pm, err := json.Marshal(o.PaymentMethod)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payment method: %w", err)
	}
	return addr, pm, nil
}

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	var addr, pm []byte
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &addr, &pm,
		&o.SubtotalCents, &o.ShippingFeeCents, &o.TotalCents,
		&o.PaymentStatus, &o.FulfillmentStatus, &o.CancellationStatus, &o.CancelReason, &o.CancelledBy,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.ShippedAt, &o.DeliveredAt, &o.CompletedAt, &o.CancelledAt,
		&o.CancellationRequestedAt, &o.StockReleasedAt, &o.Version)
	if err != nil {
		return orders.Order{}, err
	}
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return orders.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(pm, &o.PaymentMethod); err != nil {
		return orders.Order{}, fmt.Errorf("decode payment method: %w", err)
	}
	return o, nil
}
