package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Create inserts the order together with its line items.
func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// LockByID reads the order row FOR UPDATE.
func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", id).
		Order("created_at ASC").
		Order("id ASC").
		Find(&order.LineItems).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// FindResumable returns the newest pending unpaid order for the cart
// fingerprint, or gorm.ErrRecordNotFound.
func (r *repository) FindResumable(ctx context.Context, userID uuid.UUID, fingerprint string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("LineItems").
		Where("user_id = ? AND cart_fingerprint = ? AND status = ? AND is_paid = ?",
			userID, fingerprint, enums.OrderStatusPending, false).
		Order("created_at DESC").
		Order("id DESC").
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindPendingBefore lists unpaid pending orders created before cutoff, oldest first.
func (r *repository) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	q := r.db.WithContext(ctx).
		Where("status = ? AND is_paid = ? AND created_at < ?", enums.OrderStatusPending, false, cutoff).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *repository) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[models.Order], error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	return r.page(q, params)
}

func (r *repository) ListAll(ctx context.Context, params pagination.Params, status *enums.OrderStatus) (pagination.Page[models.Order], error) {
	q := r.db.WithContext(ctx)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	return r.page(q, params)
}

func (r *repository) page(q *gorm.DB, params pagination.Params) (pagination.Page[models.Order], error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return pagination.Page[models.Order]{}, err
	}
	if cursor != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.Order
	err = q.Preload("LineItems").
		Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return pagination.Page[models.Order]{}, err
	}
	return pagination.Trim(rows, params.Limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	}), nil
}

// MarkPaid flips is_paid exactly once. It reports false when another caller
// already paid the order or the order left a payable state.
func (r *repository) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time, status enums.OrderStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND is_paid = ? AND status NOT IN ?", id, false,
			[]enums.OrderStatus{enums.OrderStatusCancelled, enums.OrderStatusRefunded}).
		Updates(map[string]any{
			"is_paid": true,
			"paid_at": paidAt,
			"status":  status,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TransitionStatus applies updates only while the order is still in from.
func (r *repository) TransitionStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// BindIntent records the latest gateway intent created for the order.
func (r *repository) BindIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Update("payment_intent_id", intentID).Error
}
