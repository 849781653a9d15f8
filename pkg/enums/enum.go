// Package enums holds the string enums shared by models, payloads and the
// Postgres enum types they map to.
package enums

import (
	"fmt"
	"slices"
	"strings"
)

// parse matches value against valid after trimming and lower-casing it.
func parse[T ~string](kind, value string, valid []T) (T, error) {
	candidate := T(strings.ToLower(strings.TrimSpace(value)))
	if slices.Contains(valid, candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("invalid %s %q", kind, value)
}
