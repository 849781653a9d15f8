package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

func TestRepositoryCreateAndFind(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()

	user, err := repo.Create(ctx, CreateUserDTO{Email: " Ada@Example.com ", PasswordHash: "hash", Name: "Ada"})
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", user.Email)
	require.Equal(t, enums.UserRoleUser, user.Role)
	require.True(t, user.IsActive)

	byEmail, err := repo.FindByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	require.Equal(t, user.ID, byEmail.ID)

	_, err = repo.Create(ctx, CreateUserDTO{Email: "ada@example.com", PasswordHash: "hash", Name: "Ada"})
	require.Error(t, err)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateLastLogin(ctx, user.ID, at))
	byID, err := repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, byID.LastLoginAt)
	require.True(t, at.Equal(byID.LastLoginAt.UTC()))

	dto := FromModel(byID)
	require.Equal(t, "Ada", dto.Name)
	require.Nil(t, FromModel(nil))
}

func TestRepositoryMissingUser(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()

	_, err := repo.FindByID(ctx, uuid.New())
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	_, err = repo.FindByEmail(ctx, "nobody@example.com")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	err = repo.UpdateLastLogin(ctx, uuid.New(), time.Now())
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}
