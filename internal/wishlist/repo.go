package wishlist

import (
	"context"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository encapsulates wishlist persistence.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a wishlist repository bound to the provided gorm DB.
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

// Upsert inserts a wishlist entry, replacing the notes of an existing one.
func (r *Repository) Upsert(ctx context.Context, userID, productID uuid.UUID, notes *string) error {
	if userID == uuid.Nil || productID == uuid.Nil {
		return gorm.ErrInvalidValue
	}
	item := &models.WishlistItem{UserID: userID, ProductID: productID, Notes: notes}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"notes"}),
		}).
		Create(item).Error
}

// Delete removes the user-product entry and reports whether a row existed.
func (r *Repository) Delete(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Delete(&models.WishlistItem{})
	return result.RowsAffected > 0, result.Error
}

// DeleteByUser empties the user's wishlist.
func (r *Repository) DeleteByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.WishlistItem{})
	return result.RowsAffected, result.Error
}

// Exists reports whether the product is already saved by the user.
func (r *Repository) Exists(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WishlistItem{}).
		Where("user_id = ? AND product_id = ?", userID, productID).
		Count(&count).Error
	return count > 0, err
}

// Count returns how many products the user saved.
func (r *Repository) Count(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WishlistItem{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

type wishlistProductRecord struct {
	WishlistID        uuid.UUID
	WishlistCreatedAt time.Time
	Notes             *string
	ProductID         uuid.UUID
	Name              string
	ImageURL          *string
	PriceCents        int64
	Stock             int
	IsActive          bool
}

func (r wishlistProductRecord) toDTO() ItemDTO {
	return ItemDTO{
		ID:    r.WishlistID,
		Notes: r.Notes,
		Product: ProductSummary{
			ID:         r.ProductID,
			Name:       r.Name,
			ImageURL:   r.ImageURL,
			PriceCents: r.PriceCents,
			InStock:    r.Stock > 0,
			IsActive:   r.IsActive,
		},
		CreatedAt: r.WishlistCreatedAt,
	}
}

// ListItems returns a page of saved products for a user, newest first.
func (r *Repository) ListItems(ctx context.Context, userID uuid.UUID, cursor string, limit int) (PageDTO, error) {
	normalizedLimit := pagination.NormalizeLimit(limit)
	limitWithBuffer := pagination.LimitWithBuffer(limit)
	decodedCursor, err := pagination.ParseCursor(strings.TrimSpace(cursor))
	if err != nil {
		return PageDTO{}, err
	}

	query := r.db.WithContext(ctx).
		Table("wishlist_items wi").
		Select(strings.Join([]string{
			"wi.id AS wishlist_id",
			"wi.created_at AS wishlist_created_at",
			"wi.notes",
			"p.id AS product_id",
			"p.name",
			"p.image_url",
			"p.price_cents",
			"p.stock",
			"p.is_active",
		}, ", ")).
		Joins("JOIN products p ON p.id = wi.product_id").
		Where("wi.user_id = ?", userID)

	if decodedCursor != nil {
		query = query.Where("(wi.created_at < ?) OR (wi.created_at = ? AND wi.id < ?)", decodedCursor.CreatedAt, decodedCursor.CreatedAt, decodedCursor.ID)
	}

	var records []wishlistProductRecord
	if err := query.Order("wi.created_at DESC").Order("wi.id DESC").Limit(limitWithBuffer).Scan(&records).Error; err != nil {
		return PageDTO{}, err
	}

	page := PageDTO{}
	if len(records) > normalizedLimit {
		records = records[:normalizedLimit]
		last := records[len(records)-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: last.WishlistCreatedAt,
			ID:        last.WishlistID,
		})
	}

	page.Items = make([]ItemDTO, 0, len(records))
	for _, record := range records {
		page.Items = append(page.Items, record.toDTO())
	}

	total, err := r.Count(ctx, userID)
	if err != nil {
		return PageDTO{}, err
	}
	page.Total = total
	return page, nil
}
