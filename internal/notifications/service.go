package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

// Service is the inbox surface behind the notification endpoints. Every
// operation is scoped to one user.
type Service interface {
	List(ctx context.Context, params ListParams) (*ListResult, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, userID, notificationID uuid.UUID) error
}

type service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifications repository required")
	}
	return &service{repo: repo, now: time.Now}, nil
}

func requireID(id uuid.UUID, what string) error {
	if id == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, what+" id required")
	}
	return nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if err := requireID(params.UserID, "user"); err != nil {
		return nil, err
	}
	query, err := toQuery(params)
	if err != nil {
		return nil, err
	}

	rows, next, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list notifications")
	}
	unread, err := s.repo.CountUnread(ctx, params.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count unread notifications")
	}

	result := &ListResult{Items: newDTOs(rows), UnreadCount: unread}
	if next != nil {
		result.Cursor = pagination.EncodeCursor(*next)
	}
	return result, nil
}

func toQuery(params ListParams) (listNotificationsParams, error) {
	query := listNotificationsParams{
		UserID:     params.UserID,
		Limit:      params.Limit,
		UnreadOnly: params.UnreadOnly,
	}
	if params.Cursor == "" {
		return query, nil
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return query, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	query.Cursor = cursor
	return query, nil
}

// MarkRead stamps one notification. Another user's notification reads as
// not found.
func (s *service) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	if err := requireID(userID, "user"); err != nil {
		return err
	}
	if err := requireID(notificationID, "notification"); err != nil {
		return err
	}

	result, err := s.repo.MarkRead(ctx, userID, notificationID, s.now().UTC())
	switch {
	case err != nil:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notification read")
	case !result.Found:
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	return nil
}

func (s *service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	if err := requireID(userID, "user"); err != nil {
		return 0, err
	}
	count, err := s.repo.MarkAllRead(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark notifications read")
	}
	return count, nil
}

func (s *service) UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	if err := requireID(userID, "user"); err != nil {
		return 0, err
	}
	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count unread notifications")
	}
	return unread, nil
}

// Delete removes one notification from the user's inbox.
func (s *service) Delete(ctx context.Context, userID, notificationID uuid.UUID) error {
	if err := requireID(userID, "user"); err != nil {
		return err
	}
	if err := requireID(notificationID, "notification"); err != nil {
		return err
	}
	found, err := s.repo.Delete(ctx, userID, notificationID)
	switch {
	case err != nil:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete notification")
	case !found:
		return pkgerrors.New(pkgerrors.CodeNotFound, "notification not found")
	}
	return nil
}
