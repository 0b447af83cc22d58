// Package catalog resolves product/variation/option references against the
// external catalog into price and stock snapshots.
package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

// Prices are integer minor units (cents). A zero price on a variation or
// option means "inherit from the parent".
type Option struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PriceCents     int64  `json:"price_cents"`
	CompareAtCents int64  `json:"compare_at_cents"`
	Active         bool   `json:"active"`
}

type Variation struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	PriceCents     int64    `json:"price_cents"`
	CompareAtCents int64    `json:"compare_at_cents"`
	Active         bool     `json:"active"`
	Options        []Option `json:"options,omitempty"`
}

type Product struct {
	ID             string      `json:"id"`
	SellerID       string      `json:"seller_id"`
	Name           string      `json:"name"`
	PriceCents     int64       `json:"price_cents"`
	CompareAtCents int64       `json:"compare_at_cents"`
	Active         bool        `json:"active"`
	Variations     []Variation `json:"variations,omitempty"`
}

// Ref points at something a buyer can put in a cart.
type Ref struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
	OptionID    string `json:"option_id,omitempty"`
}

func (r Ref) Normalize() Ref {
	return Ref{
		ProductID:   strings.TrimSpace(r.ProductID),
		VariationID: strings.TrimSpace(r.VariationID),
		OptionID:    strings.TrimSpace(r.OptionID),
	}
}

// Snapshot is the authoritative price and stock pointer for a Ref at one instant.
type Snapshot struct {
	Ref            Ref       `json:"ref"`
	SellerID       string    `json:"seller_id"`
	Name           string    `json:"name"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	CompareAtCents int64     `json:"compare_at_cents"`
	SKU            stock.SKU `json:"sku"`
	Available      bool      `json:"is_available"`
}

// Source is the catalog service collaborator.
type Source interface {
	Product(ctx context.Context, productID string) (Product, error)
}

// StockReader is the read side of the stock ledger.
type StockReader interface {
	Peek(ctx context.Context, sku stock.SKU) (stock.Record, error)
}

type Resolver struct {
	source Source
	stock  StockReader
}

func NewResolver(source Source, stock StockReader) *Resolver {
	return &Resolver{source: source, stock: stock}
}

// Resolve applies option > variation > product precedence for price and
// stock. A product with variations needs a variation; a variation with
// options needs an option.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (Snapshot, error) {
	ref = ref.Normalize()
	if ref.ProductID == "" {
		return Snapshot{}, apperr.Validation("product id is required")
	}
	if ref.OptionID != "" && ref.VariationID == "" {
		return Snapshot{}, apperr.Validation("option %s given without a variation", ref.OptionID)
	}

	p, err := r.source.Product(ctx, ref.ProductID)
	if err != nil {
		return Snapshot{}, err
	}
	if !p.Active {
		return Snapshot{}, apperr.NotFound("product %s is not active", p.ID)
	}

	snap := Snapshot{
		Ref:            ref,
		SellerID:       p.SellerID,
		Name:           p.Name,
		UnitPriceCents: p.PriceCents,
		CompareAtCents: p.CompareAtCents,
		SKU:            stock.SKU{ProductID: p.ID},
	}

	switch {
	case ref.VariationID == "":
		if len(p.Variations) > 0 {
			return Snapshot{}, apperr.Validation("product %s requires a variation", p.ID)
		}
	default:
		v, ok := findVariation(p, ref.VariationID)
		if !ok || !v.Active {
			return Snapshot{}, apperr.NotFound("variation %s of product %s", ref.VariationID, p.ID)
		}
		snap.Name = joinName(snap.Name, v.Name)
		snap.UnitPriceCents = pick(v.PriceCents, snap.UnitPriceCents)
		snap.CompareAtCents = pick(v.CompareAtCents, snap.CompareAtCents)
		snap.SKU.VariationID = v.ID

		if ref.OptionID == "" {
			if len(v.Options) > 0 {
				return Snapshot{}, apperr.Validation("variation %s requires an option", v.ID)
			}
			break
		}
		o, ok := findOption(v, ref.OptionID)
		if !ok || !o.Active {
			return Snapshot{}, apperr.NotFound("option %s of variation %s", ref.OptionID, v.ID)
		}
		snap.Name = joinName(snap.Name, o.Name)
		snap.UnitPriceCents = pick(o.PriceCents, snap.UnitPriceCents)
		snap.CompareAtCents = pick(o.CompareAtCents, snap.CompareAtCents)
		snap.SKU.OptionID = o.ID
	}

	rec, err := r.stock.Peek(ctx, snap.SKU)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Available = rec.Quantity > 0
	return snap, nil
}

func findVariation(p Product, id string) (Variation, bool) {
	for _, v := range p.Variations {
		if v.ID == id {
			return v, true
		}
	}
	return Variation{}, false
}

func findOption(v Variation, id string) (Option, bool) {
	for _, o := range v.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

func pick(override, fallback int64) int64 {
	if override > 0 {
		return override
	}
	return fallback
}

func joinName(base, part string) string {
	if part == "" {
		return base
	}
	return base + " - " + part
}

// MemorySource serves products from memory.
type MemorySource struct {
	mu       sync.RWMutex
	products map[string]Product
}

func NewMemorySource(products ...Product) *MemorySource {
	s := &MemorySource{products: make(map[string]Product, len(products))}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *MemorySource) Put(p Product) {
	s.mu.Lock()
	s.products[p.ID] = p
	s.mu.Unlock()
}

func (s *MemorySource) Product(_ context.Context, productID string) (Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return Product{}, apperr.NotFound("product %s", productID)
	}
	return p, nil
}
