package stock

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	ReservationReserved  = "reserved"
	ReservationReleased  = "released"
	ReservationCommitted = "committed"
)

// SKU is the stock-keeping key: a product, a product variation, or a
// product variation option.
type SKU struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
	OptionID    string `json:"option_id,omitempty"`
}

// Key renders the SKU as "product", "product/variation" or "product/variation/option".
func (s SKU) Key() string {
	switch {
	case s.OptionID != "":
		return s.ProductID + "/" + s.VariationID + "/" + s.OptionID
	case s.VariationID != "":
		return s.ProductID + "/" + s.VariationID
	default:
		return s.ProductID
	}
}

func (s SKU) String() string { return s.Key() }

func ParseKey(key string) (SKU, error) {
	parts := strings.Split(strings.TrimSpace(key), "/")
	if len(parts) > 3 || parts[0] == "" {
		return SKU{}, fmt.Errorf("stock: malformed sku key %q", key)
	}
	sku := SKU{ProductID: parts[0]}
	if len(parts) > 1 {
		sku.VariationID = parts[1]
	}
	if len(parts) > 2 {
		sku.OptionID = parts[2]
	}
	return sku, nil
}

// Record is the available quantity held for one SKU.
type Record struct {
	SKU           SKU `json:"sku"`
	Quantity      int `json:"quantity"`
	LowStockAlert int `json:"low_stock_alert"`
}

// Low reports whether the record sits at or below its alert threshold.
func (r Record) Low() bool { return r.Quantity <= r.LowStockAlert }

// Line is one quantity to reserve against a SKU. LineID names the caller's
// line so an InsufficientStock error can point at it.
type Line struct {
	LineID string `json:"line_id,omitempty"`
	SKU    SKU    `json:"sku"`
	Qty    int    `json:"qty"`
}

// Ledger owns per-SKU quantities. Reserve/Release on a single SKU are atomic;
// ReserveOrder reserves every line of an order or none of them, and
// ReleaseOrder gives back only what the order still holds.
type Ledger interface {
	Reserve(ctx context.Context, sku SKU, qty int) error
	Release(ctx context.Context, sku SKU, qty int) error
	Peek(ctx context.Context, sku SKU) (Record, error)

	ReserveOrder(ctx context.Context, orderID string, lines []Line) error
	ReleaseOrder(ctx context.Context, orderID string) ([]Line, error)
	CommitOrder(ctx context.Context, orderID string) error
}

// Aggregate folds lines sharing a SKU into one and orders the result by SKU
// key, which is the lock acquisition order for multi-SKU reservations.
func Aggregate(lines []Line) []Line {
	byKey := make(map[string]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		k := l.SKU.Key()
		if i, ok := byKey[k]; ok {
			out[i].Qty += l.Qty
			continue
		}
		byKey[k] = len(out)
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU.Key() < out[j].SKU.Key() })
	return out
}
