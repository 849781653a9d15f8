package product

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

func seedProduct(t *testing.T, conn *gorm.DB, price int64, stock int) models.Product {
	t.Helper()
	p := models.Product{Name: "Desk Lamp", PriceCents: price, Stock: stock, IsActive: true}
	require.NoError(t, conn.Create(&p).Error)
	return p
}

func TestReserveAndReleaseStock(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	p := seedProduct(t, conn, 2000, 3)

	require.NoError(t, repo.ReserveStock(ctx, p.ID, 2))
	require.ErrorIs(t, repo.ReserveStock(ctx, p.ID, 2), ErrInsufficientStock)

	loaded, err := repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Stock)

	require.NoError(t, repo.ReleaseStock(ctx, p.ID, 2))
	loaded, err = repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Stock)

	_, err = repo.FindByID(ctx, uuid.New())
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestReserveSkipsInactiveProducts(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	p := seedProduct(t, conn, 1000, 5)
	require.NoError(t, conn.Model(&models.Product{}).Where("id = ?", p.ID).Update("is_active", false).Error)

	require.ErrorIs(t, repo.ReserveStock(context.Background(), p.ID, 1), ErrInsufficientStock)
}

func TestFindByIDs(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	a := seedProduct(t, conn, 100, 1)
	b := seedProduct(t, conn, 200, 1)

	found, err := repo.FindByIDs(context.Background(), []uuid.UUID{a.ID, b.ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, int64(200), found[b.ID].PriceCents)
}

func TestInventoryReserveRollsBack(t *testing.T) {
	conn := dbtest.Open(t)
	inv := NewInventory(NewRepository(conn))
	ctx := context.Background()
	a := seedProduct(t, conn, 100, 5)
	b := seedProduct(t, conn, 100, 1)

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := inv.Reserve(ctx, tx, a.ID, 2); err != nil {
			return err
		}
		return inv.Reserve(ctx, tx, b.ID, 2)
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	var reloaded models.Product
	require.NoError(t, conn.First(&reloaded, "id = ?", a.ID).Error)
	require.Equal(t, 5, reloaded.Stock)

	err = conn.Transaction(func(tx *gorm.DB) error {
		return inv.Release(ctx, tx, []models.OrderLineItem{{ProductID: b.ID, Quantity: 4}})
	})
	require.NoError(t, err)
	var restocked models.Product
	require.NoError(t, conn.First(&restocked, "id = ?", b.ID).Error)
	require.Equal(t, 5, restocked.Stock)
}
