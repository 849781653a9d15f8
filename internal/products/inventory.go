package product

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// Inventory adapts the repository for services that only see a transaction.
type Inventory struct {
	repo *Repository
}

// NewInventory wraps repo for order creation and release paths.
func NewInventory(repo *Repository) *Inventory {
	return &Inventory{repo: repo}
}

// Load returns the products referenced by ids, read through tx.
func (i *Inventory) Load(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]models.Product, error) {
	return i.repo.WithTx(tx).FindByIDs(ctx, ids)
}

// Reserve decrements stock inside tx. Running out of stock is a validation error
// naming the product.
func (i *Inventory) Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock reservation")
	}
	err := i.repo.WithTx(tx).ReserveStock(ctx, productID, qty)
	if err == ErrInsufficientStock {
		return pkgerrors.New(pkgerrors.CodeValidation, "item out of stock").
			WithDetails(map[string]any{"productId": productID.String()})
	}
	return err
}

// Release puts the quantities of items back on the shelf inside tx.
func (i *Inventory) Release(ctx context.Context, tx *gorm.DB, items []models.OrderLineItem) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for inventory release")
	}
	repo := i.repo.WithTx(tx)
	for _, item := range items {
		if err := repo.ReleaseStock(ctx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}
