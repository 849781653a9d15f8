package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

// actorFromRequest rebuilds the authenticated caller seeded by middleware.Auth.
func actorFromRequest(r *http.Request) (orders.Actor, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return orders.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return orders.Actor{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	role, err := enums.ParseUserRole(middleware.RoleFromContext(r.Context()))
	if err != nil {
		role = enums.UserRoleUser
	}
	return orders.Actor{UserID: userID, Role: role}, nil
}

func userIDFromRequest(r *http.Request) (uuid.UUID, error) {
	actor, err := actorFromRequest(r)
	if err != nil {
		return uuid.Nil, err
	}
	return actor.UserID, nil
}
