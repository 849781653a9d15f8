package cart

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/internal/pricing"
)

// LineView is a cart line joined with live product data.
type LineView struct {
	ProductID      uuid.UUID `json:"productId"`
	Name           string    `json:"name"`
	ImageURL       *string   `json:"imageUrl,omitempty"`
	UnitPriceCents int64     `json:"unitPriceCents"`
	Quantity       int       `json:"quantity"`
	LineTotalCents int64     `json:"lineTotalCents"`
	Stock          int       `json:"stock"`
	Available      bool      `json:"available"`
}

// View is the authoritative cart returned by every read and mutation.
type View struct {
	Items     []LineView     `json:"items"`
	ItemCount int            `json:"itemCount"`
	Totals    pricing.Totals `json:"totals"`
}

// Lines converts the view into calculator input.
func (v *View) Lines() []pricing.Line {
	lines := make([]pricing.Line, 0, len(v.Items))
	for _, item := range v.Items {
		lines = append(lines, pricing.Line{UnitPriceCents: item.UnitPriceCents, Quantity: item.Quantity})
	}
	return lines
}
