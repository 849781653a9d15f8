package enums

import "slices"

// UserRole is the capability tag carried by every authenticated actor.
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

var userRoles = []UserRole{UserRoleUser, UserRoleAdmin}

func (r UserRole) String() string { return string(r) }

func (r UserRole) IsValid() bool { return slices.Contains(userRoles, r) }

// IsAdmin reports whether the role grants back-office access.
func (r UserRole) IsAdmin() bool { return r == UserRoleAdmin }

func ParseUserRole(value string) (UserRole, error) {
	return parse("user role", value, userRoles)
}
