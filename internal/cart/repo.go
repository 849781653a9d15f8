package cart

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// Repository persists cart lines.
type Repository struct {
	db *gorm.DB
}

// NewRepository binds the cart repository to db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// ListByUser returns the user's lines in insertion order.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	var items []models.CartItem
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// LockByUser reads the user's lines with FOR UPDATE so a concurrent mutation
// waits for the caller's transaction.
func (r *Repository) LockByUser(ctx context.Context, userID uuid.UUID) ([]models.CartItem, error) {
	var items []models.CartItem
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	return items, err
}

// FindLine returns the line for a product or gorm.ErrRecordNotFound.
func (r *Repository) FindLine(ctx context.Context, userID, productID uuid.UUID) (*models.CartItem, error) {
	var item models.CartItem
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, productID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Repository) Create(ctx context.Context, item *models.CartItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *Repository) UpdateQuantity(ctx context.Context, id uuid.UUID, qty int) error {
	return r.db.WithContext(ctx).
		Model(&models.CartItem{}).
		Where("id = ?", id).
		Update("quantity", qty).Error
}

// DeleteLine removes a single product line and reports whether it existed.
func (r *Repository) DeleteLine(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Delete(&models.CartItem{})
	return res.RowsAffected > 0, res.Error
}

// DeleteByUser empties the cart.
func (r *Repository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.CartItem{}).Error
}

// SumQuantity returns the total units in the cart.
func (r *Repository) SumQuantity(ctx context.Context, userID uuid.UUID) (int, error) {
	var total int
	err := r.db.WithContext(ctx).
		Model(&models.CartItem{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("user_id = ?", userID).
		Scan(&total).Error
	return total, err
}
