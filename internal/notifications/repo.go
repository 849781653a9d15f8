package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Repository exposes persistence helpers for notifications.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, notification *models.Notification) error
	List(ctx context.Context, params listNotificationsParams) ([]models.Notification, *pagination.Cursor, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (notificationMarkResult, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, userID, notificationID uuid.UUID) (bool, error)
	DeleteReadBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type listNotificationsParams struct {
	UserID     uuid.UUID
	Limit      int
	Cursor     *pagination.Cursor
	UnreadOnly bool
}

// notificationMarkResult separates "already read" (Found, !Updated) from "not yours or missing".
type notificationMarkResult struct {
	Updated bool
	Found   bool
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a notifications repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &gormRepository{db: tx}
}

// owned scopes a query to one user's notifications.
func (r *gormRepository) owned(ctx context.Context, userID uuid.UUID) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ?", userID)
}

func (r *gormRepository) Create(ctx context.Context, notification *models.Notification) error {
	return r.db.WithContext(ctx).Create(notification).Error
}

func (r *gormRepository) List(ctx context.Context, params listNotificationsParams) ([]models.Notification, *pagination.Cursor, error) {
	query := r.owned(ctx, params.UserID)
	if params.UnreadOnly {
		query = query.Where("read_at IS NULL")
	}
	if c := params.Cursor; c != nil {
		query = query.Where("created_at < ? OR (created_at = ? AND id < ?)", c.CreatedAt, c.CreatedAt, c.ID)
	}

	var rows []models.Notification
	err := query.Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, nil, err
	}

	size := pagination.NormalizeLimit(params.Limit)
	if len(rows) <= size {
		return rows, nil, nil
	}
	rows = rows[:size]
	tail := rows[size-1]
	return rows, &pagination.Cursor{CreatedAt: tail.CreatedAt, ID: tail.ID}, nil
}

func (r *gormRepository) MarkRead(ctx context.Context, userID, notificationID uuid.UUID, now time.Time) (notificationMarkResult, error) {
	res := r.owned(ctx, userID).
		Where("id = ? AND read_at IS NULL", notificationID).
		UpdateColumn("read_at", now)
	if res.Error != nil {
		return notificationMarkResult{}, res.Error
	}
	if res.RowsAffected > 0 {
		return notificationMarkResult{Updated: true, Found: true}, nil
	}

	var existing int64
	if err := r.owned(ctx, userID).Where("id = ?", notificationID).Count(&existing).Error; err != nil {
		return notificationMarkResult{}, err
	}
	return notificationMarkResult{Found: existing > 0}, nil
}

func (r *gormRepository) MarkAllRead(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	res := r.owned(ctx, userID).Where("read_at IS NULL").UpdateColumn("read_at", now)
	return res.RowsAffected, res.Error
}

func (r *gormRepository) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	var unread int64
	err := r.owned(ctx, userID).Where("read_at IS NULL").Count(&unread).Error
	return unread, err
}

// Delete removes one of the user's notifications and reports whether it existed.
func (r *gormRepository) Delete(ctx context.Context, userID, notificationID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND id = ?", userID, notificationID).
		Delete(&models.Notification{})
	return res.RowsAffected > 0, res.Error
}

// DeleteReadBefore prunes notifications that were read before cutoff.
func (r *gormRepository) DeleteReadBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	res := tx.WithContext(ctx).
		Where("read_at IS NOT NULL AND read_at < ?", cutoff).
		Delete(&models.Notification{})
	return res.RowsAffected, res.Error
}
