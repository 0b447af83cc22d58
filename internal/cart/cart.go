// Package cart holds each buyer's provisional selection. Cart membership never
// reserves stock; prices captured here are for display and are re-resolved at
// checkout.
package cart

import (
	"time"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/stock"
)

type Line struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	VariationID    string    `json:"variation_id,omitempty"`
	OptionID       string    `json:"option_id,omitempty"`
	SellerID       string    `json:"seller_id"`
	Name           string    `json:"name"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	AddedAt        time.Time `json:"added_at"`
}

func (l Line) Ref() catalog.Ref {
	return catalog.Ref{ProductID: l.ProductID, VariationID: l.VariationID, OptionID: l.OptionID}
}

// Key identifies the product/variation/option a line points at.
func (l Line) Key() string {
	return stock.SKU{ProductID: l.ProductID, VariationID: l.VariationID, OptionID: l.OptionID}.Key()
}

// Cart is one buyer's ordered list of lines. Version increments on every
// saved mutation and guards concurrent writers.
type Cart struct {
	BuyerID   string    `json:"buyer_id"`
	Lines     []Line    `json:"lines"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

func (c *Cart) find(lineID string) int {
	for i, l := range c.Lines {
		if l.ID == lineID {
			return i
		}
	}
	return -1
}

// Add merges into an existing line with the same key, else appends.
func (c *Cart) Add(line Line) Line {
	k := line.Key()
	for i := range c.Lines {
		if c.Lines[i].Key() == k {
			c.Lines[i].Quantity += line.Quantity
			c.Lines[i].UnitPriceCents = line.UnitPriceCents
			return c.Lines[i]
		}
	}
	c.Lines = append(c.Lines, line)
	return line
}

// SetQuantity sets an absolute quantity; zero removes the line.
func (c *Cart) SetQuantity(lineID string, qty int) error {
	if qty < 0 {
		return apperr.New(apperr.KindInvalidQuantity, "quantity must not be negative").WithLine(lineID)
	}
	i := c.find(lineID)
	if i < 0 {
		return apperr.NotFound("cart line").WithLine(lineID)
	}
	if qty == 0 {
		c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
		return nil
	}
	c.Lines[i].Quantity = qty
	return nil
}

func (c *Cart) Remove(lineID string) error {
	i := c.find(lineID)
	if i < 0 {
		return apperr.NotFound("cart line").WithLine(lineID)
	}
	c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
	return nil
}

// Select returns copies of the named lines in request order.
func (c *Cart) Select(lineIDs []string) ([]Line, error) {
	if len(lineIDs) == 0 {
		return nil, apperr.Validation("no cart lines selected")
	}
	seen := make(map[string]bool, len(lineIDs))
	out := make([]Line, 0, len(lineIDs))
	for _, id := range lineIDs {
		if seen[id] {
			return nil, apperr.Validation("cart line selected twice").WithLine(id)
		}
		seen[id] = true
		i := c.find(id)
		if i < 0 {
			return nil, apperr.NotFound("cart line").WithLine(id)
		}
		out = append(out, c.Lines[i])
	}
	return out, nil
}

// RemoveLines drops the named lines, ignoring ids already gone.
func (c *Cart) RemoveLines(lineIDs []string) {
	drop := make(map[string]bool, len(lineIDs))
	for _, id := range lineIDs {
		drop[id] = true
	}
	kept := c.Lines[:0]
	for _, l := range c.Lines {
		if !drop[l.ID] {
			kept = append(kept, l)
		}
	}
	c.Lines = kept
}

// Claim removes the given lines, provided each is still present with the
// same product and quantity.
func (c *Cart) Claim(lines []Line) error {
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		i := c.find(l.ID)
		if i < 0 || c.Lines[i].Key() != l.Key() || c.Lines[i].Quantity != l.Quantity {
			return apperr.New(apperr.KindConflict, "cart line changed during checkout").WithLine(l.ID)
		}
		ids = append(ids, l.ID)
	}
	c.RemoveLines(ids)
	return nil
}

// Restore re-adds lines under their original ids. A line whose product was
// added again in the meantime merges its quantity into that line.
func (c *Cart) Restore(lines []Line) {
	for _, l := range lines {
		if c.find(l.ID) >= 0 {
			continue
		}
		merged := false
		for i := range c.Lines {
			if c.Lines[i].Key() == l.Key() {
				c.Lines[i].Quantity += l.Quantity
				merged = true
				break
			}
		}
		if !merged {
			c.Lines = append(c.Lines, l)
		}
	}
}

// SubtotalCents is the display subtotal at cart-time prices.
func (c Cart) SubtotalCents() int64 {
	var total int64
	for _, l := range c.Lines {
		total += l.UnitPriceCents * int64(l.Quantity)
	}
	return total
}
