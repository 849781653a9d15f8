package users

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	"github.com/angelmondragon/storefront-backend/pkg/security"
)

// Service covers self-service profile management and the admin account
// screens. Sign-up and sign-in live in package auth.
type Service interface {
	Profile(ctx context.Context, userID uuid.UUID) (*UserDTO, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, req UpdateProfileRequest) (*UserDTO, error)
	ChangePassword(ctx context.Context, userID uuid.UUID, req ChangePasswordRequest) error
	List(ctx context.Context, params ListParams) (*ListResult, error)
	UpdateRole(ctx context.Context, actorID, userID uuid.UUID, role enums.UserRole) (*UserDTO, error)
	Deactivate(ctx context.Context, actorID, userID uuid.UUID) error
}

type store interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	Update(ctx context.Context, id uuid.UUID, changes map[string]any) (*models.User, error)
	List(ctx context.Context, params pagination.Params, role *enums.UserRole) (pagination.Page[models.User], error)
}

type service struct {
	repo        store
	passwordCfg config.PasswordConfig
}

func NewService(repo store, passwordCfg config.PasswordConfig) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "user repository required")
	}
	return &service{repo: repo, passwordCfg: passwordCfg}, nil
}

func (s *service) Profile(ctx context.Context, userID uuid.UUID) (*UserDTO, error) {
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return FromModel(user), nil
}

func (s *service) UpdateProfile(ctx context.Context, userID uuid.UUID, req UpdateProfileRequest) (*UserDTO, error) {
	if _, err := s.load(ctx, userID); err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "name must not be blank")
		}
		changes["name"] = name
	}
	if req.Phone != nil {
		if phone := strings.TrimSpace(*req.Phone); phone != "" {
			changes["phone"] = phone
		} else {
			changes["phone"] = nil
		}
	}

	user, err := s.repo.Update(ctx, userID, changes)
	if err != nil {
		return nil, s.wrap(err, "update profile")
	}
	return FromModel(user), nil
}

// ChangePassword requires the current password even though the caller is
// authenticated, so a stolen access token cannot take over the account.
func (s *service) ChangePassword(ctx context.Context, userID uuid.UUID, req ChangePasswordRequest) error {
	user, err := s.load(ctx, userID)
	if err != nil {
		return err
	}

	valid, err := security.VerifyPassword(req.CurrentPassword, user.PasswordHash)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify password")
	}
	if !valid {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "current password is incorrect")
	}
	if req.NewPassword == req.CurrentPassword {
		return pkgerrors.New(pkgerrors.CodeValidation, "new password must differ from the current one")
	}
	if err := security.CheckPasswordStrength(req.NewPassword); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}

	hash, err := security.HashPassword(req.NewPassword, s.passwordCfg)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}
	if _, err := s.repo.Update(ctx, userID, map[string]any{"password_hash": hash}); err != nil {
		return s.wrap(err, "update password")
	}
	return nil
}

func (s *service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Role != nil && !params.Role.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid role filter")
	}
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}

	page, err := s.repo.List(ctx, pagination.Params{Limit: params.Limit, Cursor: params.Cursor}, params.Role)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list users")
	}
	items := make([]UserDTO, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, *FromModel(&page.Items[i]))
	}
	return &ListResult{Items: items, NextCursor: page.NextCursor}, nil
}

// UpdateRole refuses self changes so the last admin cannot demote themselves
// out of the back office.
func (s *service) UpdateRole(ctx context.Context, actorID, userID uuid.UUID, role enums.UserRole) (*UserDTO, error) {
	if !role.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid role")
	}
	if actorID == userID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "cannot change your own role")
	}
	user, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Role == role {
		return FromModel(user), nil
	}

	user, err = s.repo.Update(ctx, userID, map[string]any{"role": role})
	if err != nil {
		return nil, s.wrap(err, "update role")
	}
	return FromModel(user), nil
}

// Deactivate disables sign-in for the account. Rows are kept because orders
// and payment attempts reference them.
func (s *service) Deactivate(ctx context.Context, actorID, userID uuid.UUID) error {
	if actorID == userID {
		return pkgerrors.New(pkgerrors.CodeForbidden, "cannot delete your own account")
	}
	user, err := s.load(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsActive {
		return nil
	}
	if _, err := s.repo.Update(ctx, userID, map[string]any{"is_active": false}); err != nil {
		return s.wrap(err, "deactivate user")
	}
	return nil
}

func (s *service) load(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, s.wrap(err, "load user")
	}
	return user, nil
}

func (s *service) wrap(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, message)
}
