package notifications

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// ListParams selects one page of a user's notifications.
type ListParams struct {
	UserID     uuid.UUID
	Limit      int
	Cursor     string
	UnreadOnly bool
}

// NotificationDTO is the API shape of an in-app notification.
type NotificationDTO struct {
	ID        uuid.UUID              `json:"id"`
	Type      enums.NotificationType `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Link      *string                `json:"link,omitempty"`
	ReadAt    *time.Time             `json:"readAt,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// ListResult is one page plus the cursor for the next; Cursor is empty on
// the last page.
type ListResult struct {
	Items       []NotificationDTO `json:"items"`
	Cursor      string            `json:"cursor"`
	UnreadCount int64             `json:"unreadCount"`
}

func newDTO(n models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        n.ID,
		Type:      n.Type,
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		ReadAt:    n.ReadAt,
		CreatedAt: n.CreatedAt,
	}
}

func newDTOs(rows []models.Notification) []NotificationDTO {
	out := make([]NotificationDTO, len(rows))
	for i, row := range rows {
		out[i] = newDTO(row)
	}
	return out
}
