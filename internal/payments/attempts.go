package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// AttemptRepository persists payment_attempts rows.
type AttemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository binds the repository to db.
func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *AttemptRepository) WithTx(tx *gorm.DB) *AttemptRepository {
	if tx == nil {
		return r
	}
	return &AttemptRepository{db: tx}
}

func (r *AttemptRepository) Create(ctx context.Context, attempt *models.PaymentAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

// FindByIntentID returns nil when no attempt was recorded for the intent.
func (r *AttemptRepository) FindByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).Where("provider_intent_id = ?", intentID).First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

// LatestForOrder returns the newest attempt for the order or nil.
func (r *AttemptRepository) LatestForOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Order("id DESC").
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

// FindSucceededForOrder returns the succeeded attempt for the order or nil.
func (r *AttemptRepository) FindSucceededForOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, enums.PaymentAttemptSucceeded).
		First(&attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

// CountForOrder returns how many intents were created for the order.
func (r *AttemptRepository) CountForOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PaymentAttempt{}).Where("order_id = ?", orderID).Count(&count).Error
	return count, err
}

func (r *AttemptRepository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, enums.PaymentAttemptSucceeded, nil)
}

func (r *AttemptRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	return r.setStatus(ctx, id, enums.PaymentAttemptFailed, reasonPtr)
}

func (r *AttemptRepository) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, enums.PaymentAttemptRefunded, nil)
}

func (r *AttemptRepository) setStatus(ctx context.Context, id uuid.UUID, status enums.PaymentAttemptStatus, reason *string) error {
	updates := map[string]any{"status": status}
	if reason != nil {
		updates["failure_reason"] = *reason
	}
	return r.db.WithContext(ctx).
		Model(&models.PaymentAttempt{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListForUser pages through the user's attempts, newest first.
func (r *AttemptRepository) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[models.PaymentAttempt], error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return pagination.Page[models.PaymentAttempt]{}, err
	}
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if cursor != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var rows []models.PaymentAttempt
	err = q.Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return pagination.Page[models.PaymentAttempt]{}, err
	}
	return pagination.Trim(rows, params.Limit, func(a models.PaymentAttempt) pagination.Cursor {
		return pagination.Cursor{CreatedAt: a.CreatedAt, ID: a.ID}
	}), nil
}
