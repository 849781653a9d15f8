package wishlist

import (
	"time"

	"github.com/google/uuid"
)

// ProductSummary is the catalog projection shown next to a saved item.
type ProductSummary struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	ImageURL   *string   `json:"imageUrl,omitempty"`
	PriceCents int64     `json:"priceCents"`
	InStock    bool      `json:"inStock"`
	IsActive   bool      `json:"isActive"`
}

// ItemDTO wraps the product summary included in a wishlist row.
type ItemDTO struct {
	ID        uuid.UUID      `json:"id"`
	Product   ProductSummary `json:"product"`
	Notes     *string        `json:"notes,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PageDTO returns a cursor-paginated wishlist view.
type PageDTO struct {
	Items      []ItemDTO `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
	Total      int64     `json:"total"`
}

// CheckDTO answers whether a product is already saved.
type CheckDTO struct {
	ProductID  uuid.UUID `json:"productId"`
	InWishlist bool      `json:"inWishlist"`
}

// AddInput carries the product to save and optional notes.
type AddInput struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Notes     *string   `json:"notes,omitempty" validate:"omitempty,max=500"`
}

// MoveInput moves a saved product into the cart.
type MoveInput struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int       `json:"quantity" validate:"omitempty,min=1,max=99"`
}
