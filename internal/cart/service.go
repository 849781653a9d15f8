package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/pricing"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service exposes the cart operations used by controllers, checkout and wishlist.
type Service interface {
	Get(ctx context.Context, userID uuid.UUID) (*View, error)
	Add(ctx context.Context, userID, productID uuid.UUID, qty int) (*View, error)
	Update(ctx context.Context, userID, productID uuid.UUID, qty int) (*View, error)
	Remove(ctx context.Context, userID, productID uuid.UUID) (*View, error)
	Clear(ctx context.Context, userID uuid.UUID) error
	Count(ctx context.Context, userID uuid.UUID) (int, error)
	AddTx(ctx context.Context, tx *gorm.DB, userID, productID uuid.UUID, qty int) error
	ClearTx(ctx context.Context, tx *gorm.DB, userID uuid.UUID) error
}

// ServiceParams groups cart dependencies.
type ServiceParams struct {
	Repo       *Repository
	Products   *product.Repository
	Calculator *pricing.Calculator
	TxRunner   txRunner
}

type service struct {
	repo     *Repository
	products *product.Repository
	calc     *pricing.Calculator
	tx       txRunner
}

// NewService wires the cart service.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if params.Products == nil {
		return nil, fmt.Errorf("product repository required")
	}
	if params.Calculator == nil {
		return nil, fmt.Errorf("pricing calculator required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		repo:     params.Repo,
		products: params.Products,
		calc:     params.Calculator,
		tx:       params.TxRunner,
	}, nil
}

func (s *service) Get(ctx context.Context, userID uuid.UUID) (*View, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	return s.view(ctx, s.repo, s.products, userID)
}

func (s *service) Add(ctx context.Context, userID, productID uuid.UUID, qty int) (*View, error) {
	if err := validateMutation(userID, productID, qty); err != nil {
		return nil, err
	}
	var out *View
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.AddTx(ctx, tx, userID, productID, qty); err != nil {
			return err
		}
		view, err := s.view(ctx, s.repo.WithTx(tx), s.products.WithTx(tx), userID)
		out = view
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddTx merges qty into the user's line for productID inside tx. An existing
// line keeps its original price snapshot.
func (s *service) AddTx(ctx context.Context, tx *gorm.DB, userID, productID uuid.UUID, qty int) error {
	if err := validateMutation(userID, productID, qty); err != nil {
		return err
	}
	repo := s.repo.WithTx(tx)
	prod, err := s.loadActiveProduct(ctx, s.products.WithTx(tx), productID)
	if err != nil {
		return err
	}

	existing, err := repo.FindLine(ctx, userID, productID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart line")
	}
	if existing != nil {
		merged := existing.Quantity + qty
		if merged > prod.Stock {
			return insufficientStock(prod, merged)
		}
		if err := repo.UpdateQuantity(ctx, existing.ID, merged); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update cart line")
		}
		return nil
	}

	if qty > prod.Stock {
		return insufficientStock(prod, qty)
	}
	item := &models.CartItem{
		UserID:         userID,
		ProductID:      productID,
		UnitPriceCents: prod.PriceCents,
		Quantity:       qty,
	}
	if err := repo.Create(ctx, item); err != nil {
		if db.IsUniqueViolation(err, "cart_items_user_product_key") {
			return pkgerrors.New(pkgerrors.CodeConflict, "cart changed concurrently, refetch and retry")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create cart line")
	}
	return nil
}

func (s *service) Update(ctx context.Context, userID, productID uuid.UUID, qty int) (*View, error) {
	if err := validateMutation(userID, productID, qty); err != nil {
		return nil, err
	}
	var out *View
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		products := s.products.WithTx(tx)
		line, err := repo.FindLine(ctx, userID, productID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "cart item not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart line")
		}
		prod, err := s.loadActiveProduct(ctx, products, productID)
		if err != nil {
			return err
		}
		if qty > prod.Stock {
			return insufficientStock(prod, qty)
		}
		if err := repo.UpdateQuantity(ctx, line.ID, qty); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update cart line")
		}
		view, err := s.view(ctx, repo, products, userID)
		out = view
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) Remove(ctx context.Context, userID, productID uuid.UUID) (*View, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	var out *View
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		deleted, err := repo.DeleteLine(ctx, userID, productID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete cart line")
		}
		if !deleted {
			return pkgerrors.New(pkgerrors.CodeNotFound, "cart item not found")
		}
		view, err := s.view(ctx, repo, s.products.WithTx(tx), userID)
		out = view
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) Clear(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if err := s.repo.DeleteByUser(ctx, userID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart")
	}
	return nil
}

// ClearTx empties the cart inside the caller's transaction.
func (s *service) ClearTx(ctx context.Context, tx *gorm.DB, userID uuid.UUID) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required to clear cart")
	}
	if err := s.repo.WithTx(tx).DeleteByUser(ctx, userID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart")
	}
	return nil
}

func (s *service) Count(ctx context.Context, userID uuid.UUID) (int, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	total, err := s.repo.SumQuantity(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count cart")
	}
	return total, nil
}

func (s *service) view(ctx context.Context, repo *Repository, products *product.Repository, userID uuid.UUID) (*View, error) {
	items, err := repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
	}
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	catalog, err := products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart products")
	}

	view := &View{Items: make([]LineView, 0, len(items))}
	for _, item := range items {
		line := LineView{
			ProductID:      item.ProductID,
			UnitPriceCents: item.UnitPriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: item.UnitPriceCents * int64(item.Quantity),
		}
		if prod, ok := catalog[item.ProductID]; ok {
			line.Name = prod.Name
			line.ImageURL = prod.ImageURL
			line.Stock = prod.Stock
			line.Available = prod.IsActive && item.Quantity <= prod.Stock
		}
		view.ItemCount += item.Quantity
		view.Items = append(view.Items, line)
	}
	totals, err := s.calc.Quote(view.Lines())
	if err != nil {
		return nil, err
	}
	view.Totals = totals
	return view, nil
}

func (s *service) loadActiveProduct(ctx context.Context, products *product.Repository, productID uuid.UUID) (*models.Product, error) {
	prod, err := products.FindByID(ctx, productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if !prod.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product is not available")
	}
	return prod, nil
}

func validateMutation(userID, productID uuid.UUID, qty int) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if productID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	if qty < 1 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}
	return nil
}

func insufficientStock(prod *models.Product, requested int) error {
	return pkgerrors.New(pkgerrors.CodeValidation, "requested quantity exceeds stock").
		WithDetails(map[string]any{
			"productId": prod.ID.String(),
			"requested": requested,
			"available": prod.Stock,
		})
}
