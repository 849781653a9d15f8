package outbox

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *Repository, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	logg := logger.New(logger.Options{ServiceName: "outbox-test", Output: &bytes.Buffer{}})
	return NewService(repo, logg), repo, conn
}

func emitOrderEvent(t *testing.T, svc *Service, conn *gorm.DB, orderID uuid.UUID) {
	t.Helper()
	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &ActorRef{UserID: uuid.New(), Role: "user"},
			Data:          map[string]any{"order_id": orderID.String()},
		})
	})
	require.NoError(t, err)
}

func TestEmitWritesEnvelope(t *testing.T) {
	svc, _, conn := newTestService(t)
	orderID := uuid.New()
	emitOrderEvent(t, svc, conn, orderID)

	var rows []models.OutboxEvent
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, orderID, rows[0].AggregateID)
	require.Nil(t, rows[0].PublishedAt)

	envelope, err := DecodeEnvelope(rows[0].Payload)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, envelope.Version)
	require.Equal(t, string(enums.EventOrderCreated), envelope.EventType)
	require.Equal(t, rows[0].ID.String(), envelope.EventID)
	require.NotNil(t, envelope.Actor)
	require.Contains(t, string(envelope.Data), orderID.String())
}

func TestEmitRollsBackWithCaller(t *testing.T) {
	svc, _, conn := newTestService(t)
	boom := errors.New("caller failed")

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventOrderPaid,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Data:          map[string]any{},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestEmitValidatesEvent(t *testing.T) {
	svc, _, conn := newTestService(t)
	ctx := context.Background()

	require.Error(t, svc.Emit(ctx, nil, DomainEvent{}))
	require.Error(t, svc.Emit(ctx, conn, DomainEvent{
		EventType:     enums.OutboxEventType("nope"),
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
	}))
	require.Error(t, svc.Emit(ctx, conn, DomainEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.OutboxAggregateType("cart"),
		AggregateID:   uuid.New(),
	}))
	require.Error(t, svc.Emit(ctx, conn, DomainEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
	}))
}

func TestFetchAndMarkLifecycle(t *testing.T) {
	svc, repo, conn := newTestService(t)
	first, second := uuid.New(), uuid.New()
	emitOrderEvent(t, svc, conn, first)
	emitOrderEvent(t, svc, conn, second)

	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, repo.MarkPublishedTx(conn, rows[0].ID))
	require.NoError(t, repo.MarkFailedTx(conn, rows[1].ID, errors.New(strings.Repeat("x", 2000))))

	var failed models.OutboxEvent
	require.NoError(t, conn.First(&failed, "id = ?", rows[1].ID).Error)
	require.Equal(t, 1, failed.AttemptCount)
	require.NotNil(t, failed.LastError)
	require.Len(t, *failed.LastError, maxLastErrorLen)

	rows, err = repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, failed.ID, rows[0].ID)

	require.NoError(t, repo.MarkTerminalTx(conn, failed.ID, errors.New("bad payload"), 3))
	rows, err = repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRetentionDeletes(t *testing.T) {
	_, repo, conn := newTestService(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	published := old.Add(time.Hour)

	rows := []models.OutboxEvent{
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, PublishedAt: &published},
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, AttemptCount: 5},
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old},
		{EventType: enums.EventOrderPaid, AggregateType: enums.AggregateOrder, AggregateID: uuid.New(), Payload: []byte(`{}`), PublishedAt: &published},
	}
	for i := range rows {
		require.NoError(t, repo.Insert(conn, rows[i]))
	}

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	deleted, err := repo.DeletePublishedBefore(ctx, nil, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	deleted, err = repo.DeleteTerminalBefore(ctx, nil, cutoff, 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	var remaining int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&remaining).Error)
	require.Equal(t, int64(2), remaining)
}

func TestDLQInsertAndFind(t *testing.T) {
	conn := dbtest.Open(t)
	dlq := NewDLQRepository(conn)
	ctx := context.Background()
	eventID := uuid.New()
	msg := strings.Repeat("e", 3000)

	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       eventID,
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{}`),
		ErrorReason:   enums.OutboxDLQReasonNonRetryable,
		ErrorMessage:  &msg,
		AttemptCount:  1,
		FailedAt:      time.Now().UTC(),
	}))

	found, err := dlq.FindByEventID(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Len(t, *found.ErrorMessage, maxLastErrorLen)

	missing, err := dlq.FindByEventID(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing)
}
