package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Repository defines persistence operations for orders and their line items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	LockByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindResumable(ctx context.Context, userID uuid.UUID, fingerprint string) (*models.Order, error)
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[models.Order], error)
	ListAll(ctx context.Context, params pagination.Params, status *enums.OrderStatus) (pagination.Page[models.Order], error)
	MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time, status enums.OrderStatus) (bool, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from enums.OrderStatus, updates map[string]any) (bool, error)
	BindIntent(ctx context.Context, id uuid.UUID, intentID string) error
}

// InventoryManager loads, reserves and releases product stock inside a transaction.
type InventoryManager interface {
	Load(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) (map[uuid.UUID]models.Product, error)
	Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	Release(ctx context.Context, tx *gorm.DB, items []models.OrderLineItem) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}
