package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// DLQRepository stores copies of outbox rows that will never be published.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// DeadLetter snapshots event as a DLQ entry failed at failedAt.
func DeadLetter(event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, failedAt time.Time) models.OutboxDLQ {
	return models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  truncateError(cause),
		AttemptCount:  event.AttemptCount,
		FailedAt:      failedAt.UTC(),
	}
}

// InsertTx writes entry inside the publisher's transaction so the DLQ copy
// and the terminal mark on the outbox row commit together.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ErrorMessage != nil {
		entry.ErrorMessage = truncateError(errors.New(*entry.ErrorMessage))
	}
	return tx.Create(&entry).Error
}

// FindByEventID returns nil, nil when eventID was never dead-lettered.
func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var rows []models.OutboxDLQ
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).Order("failed_at DESC").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
