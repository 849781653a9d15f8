package wishlist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/angelmondragon/storefront-backend/internal/cart"
	products "github.com/angelmondragon/storefront-backend/internal/products"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxNotesLength = 500

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the wishlist service.
type ServiceParams struct {
	WishlistRepo *Repository
	ProductRepo  *products.Repository
	Cart         cart.Service
	TxRunner     txRunner
}

// Service exposes business rules for wishlist management.
type Service interface {
	List(ctx context.Context, userID uuid.UUID, cursor string, limit int) (PageDTO, error)
	Add(ctx context.Context, userID uuid.UUID, input AddInput) error
	Remove(ctx context.Context, userID, productID uuid.UUID) error
	Check(ctx context.Context, userID, productID uuid.UUID) (CheckDTO, error)
	Clear(ctx context.Context, userID uuid.UUID) (int64, error)
	MoveToCart(ctx context.Context, userID uuid.UUID, input MoveInput) (*cart.View, error)
}

type service struct {
	wishlistRepo *Repository
	productRepo  *products.Repository
	cart         cart.Service
	tx           txRunner
}

// NewService builds a wishlist service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.WishlistRepo == nil {
		return nil, fmt.Errorf("wishlist repo is required")
	}
	if params.ProductRepo == nil {
		return nil, fmt.Errorf("product repo is required")
	}
	if params.Cart == nil {
		return nil, fmt.Errorf("cart service is required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner is required")
	}
	return &service{
		wishlistRepo: params.WishlistRepo,
		productRepo:  params.ProductRepo,
		cart:         params.Cart,
		tx:           params.TxRunner,
	}, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, cursor string, limit int) (PageDTO, error) {
	if userID == uuid.Nil {
		return PageDTO{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if _, err := pagination.ParseCursor(cursor); err != nil {
		return PageDTO{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	page, err := s.wishlistRepo.ListItems(ctx, userID, cursor, limit)
	if err != nil {
		return PageDTO{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list wishlist")
	}
	return page, nil
}

// Add saves the product for the user. Saving it again replaces the notes.
func (s *service) Add(ctx context.Context, userID uuid.UUID, input AddInput) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.ProductID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	notes, err := normalizeNotes(input.Notes)
	if err != nil {
		return err
	}
	if _, err := s.productRepo.FindByID(ctx, input.ProductID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "product not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if err := s.wishlistRepo.Upsert(ctx, userID, input.ProductID, notes); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save wishlist item")
	}
	return nil
}

func (s *service) Remove(ctx context.Context, userID, productID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	removed, err := s.wishlistRepo.Delete(ctx, userID, productID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove wishlist item")
	}
	if !removed {
		return pkgerrors.New(pkgerrors.CodeNotFound, "product is not in the wishlist")
	}
	return nil
}

func (s *service) Check(ctx context.Context, userID, productID uuid.UUID) (CheckDTO, error) {
	if userID == uuid.Nil {
		return CheckDTO{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	exists, err := s.wishlistRepo.Exists(ctx, userID, productID)
	if err != nil {
		return CheckDTO{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check wishlist")
	}
	return CheckDTO{ProductID: productID, InWishlist: exists}, nil
}

func (s *service) Clear(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	n, err := s.wishlistRepo.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear wishlist")
	}
	return n, nil
}

// MoveToCart adds the saved product to the cart and drops it from the
// wishlist in one transaction.
func (s *service) MoveToCart(ctx context.Context, userID uuid.UUID, input MoveInput) (*cart.View, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	qty := input.Quantity
	if qty == 0 {
		qty = 1
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		removed, err := s.wishlistRepo.WithTx(tx).Delete(ctx, userID, input.ProductID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove wishlist item")
		}
		if !removed {
			return pkgerrors.New(pkgerrors.CodeNotFound, "product is not in the wishlist")
		}
		return s.cart.AddTx(ctx, tx, userID, input.ProductID, qty)
	})
	if err != nil {
		return nil, err
	}
	return s.cart.Get(ctx, userID)
}

func normalizeNotes(notes *string) (*string, error) {
	if notes == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil, nil
	}
	if len([]rune(trimmed)) > maxNotesLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("notes must be at most %d characters", maxNotesLength))
	}
	return &trimmed, nil
}
