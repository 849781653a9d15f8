package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedNotifications(t *testing.T, repo Repository, userID uuid.UUID, n int) []models.Notification {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]models.Notification, 0, n)
	for i := 0; i < n; i++ {
		row := models.Notification{
			UserID:    userID,
			Type:      enums.NotificationTypeOrderUpdate,
			Title:     "Order update",
			Message:   "status changed",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(context.Background(), &row))
		out = append(out, row)
	}
	return out
}

func TestRepositoryListPagesNewestFirst(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	svc, err := NewService(repo)
	require.NoError(t, err)

	userID := uuid.New()
	seeded := seedNotifications(t, repo, userID, 5)
	seedNotifications(t, repo, uuid.New(), 2)

	page1, err := svc.List(context.Background(), ListParams{UserID: userID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Items, 2)
	assert.Equal(t, seeded[4].ID, page1.Items[0].ID)
	assert.Equal(t, seeded[3].ID, page1.Items[1].ID)
	require.NotEmpty(t, page1.Cursor)
	assert.Equal(t, int64(5), page1.UnreadCount)

	page2, err := svc.List(context.Background(), ListParams{UserID: userID, Limit: 2, Cursor: page1.Cursor})
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	assert.Equal(t, seeded[2].ID, page2.Items[0].ID)
	assert.Equal(t, seeded[1].ID, page2.Items[1].ID)

	page3, err := svc.List(context.Background(), ListParams{UserID: userID, Limit: 2, Cursor: page2.Cursor})
	require.NoError(t, err)
	require.Len(t, page3.Items, 1)
	assert.Equal(t, seeded[0].ID, page3.Items[0].ID)
	assert.Empty(t, page3.Cursor)
}

func TestRepositoryMarkReadIsScopedToOwner(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	svc, err := NewService(repo)
	require.NoError(t, err)

	owner, other := uuid.New(), uuid.New()
	rows := seedNotifications(t, repo, owner, 3)

	require.NoError(t, svc.MarkRead(context.Background(), owner, rows[0].ID))
	// marking twice stays successful
	require.NoError(t, svc.MarkRead(context.Background(), owner, rows[0].ID))
	require.Error(t, svc.MarkRead(context.Background(), other, rows[1].ID))

	unread, err := svc.List(context.Background(), ListParams{UserID: owner, UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread.Items, 2)

	count, err := svc.MarkAllRead(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	after, err := svc.List(context.Background(), ListParams{UserID: owner})
	require.NoError(t, err)
	assert.Zero(t, after.UnreadCount)
	for _, item := range after.Items {
		assert.NotNil(t, item.ReadAt)
	}
}

func TestRepositoryDeleteReadBeforeKeepsUnread(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	userID := uuid.New()
	rows := seedNotifications(t, repo, userID, 3)
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	_, err := repo.MarkRead(context.Background(), userID, rows[0].ID, old)
	require.NoError(t, err)
	_, err = repo.MarkRead(context.Background(), userID, rows[1].ID, recent)
	require.NoError(t, err)

	deleted, err := repo.DeleteReadBefore(context.Background(), nil, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := repo.CountUnread(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)
}

func TestRepositoryDeleteIsScopedToOwner(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	owner := uuid.New()
	row := seedNotifications(t, repo, owner, 1)[0]
	ctx := context.Background()

	found, err := repo.Delete(ctx, uuid.New(), row.ID)
	require.NoError(t, err)
	assert.False(t, found, "another user cannot delete it")

	found, err = repo.Delete(ctx, owner, row.ID)
	require.NoError(t, err)
	assert.True(t, found)

	unread, err := repo.CountUnread(ctx, owner)
	require.NoError(t, err)
	assert.Zero(t, unread)
}
