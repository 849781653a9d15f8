package product

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// ErrInsufficientStock is returned when a conditional stock decrement matches no row.
var ErrInsufficientStock = errors.New("insufficient stock")

// Repository reads the catalog and adjusts stock for checkout.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the provided transaction.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindByID loads a product regardless of its active flag.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).First(&product, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// FindByIDs returns the products keyed by id. Missing ids are simply absent.
func (r *Repository) FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error) {
	out := make(map[uuid.UUID]models.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Product
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// ReserveStock decrements stock only when enough remains. The caller's
// transaction rolls back on ErrInsufficientStock.
func (r *Repository) ReserveStock(ctx context.Context, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	res := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ? AND is_active = ? AND stock >= ?", productID, true, qty).
		Update("stock", gorm.Expr("stock - ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve stock")
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientStock
	}
	return nil
}

// ReleaseStock returns qty units to the product.
func (r *Repository) ReleaseStock(ctx context.Context, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		Update("stock", gorm.Expr("stock + ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release stock")
	}
	return nil
}
