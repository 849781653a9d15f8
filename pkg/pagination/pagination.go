package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLimit applies when the caller sends no limit.
	DefaultLimit = 25
	// MaxLimit caps any keyset query.
	MaxLimit = 100

	cursorSeparator = "|"
)

var errMalformedCursor = errors.New("malformed cursor")

// Params holds cursor pagination inputs from controllers or services.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor is the (created_at, id) keyset position of the last row served.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// NormalizeLimit clamps limit into [1, MaxLimit], substituting DefaultLimit for non-positive values.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LimitWithBuffer is the row count to fetch so that a next page can be detected.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// EncodeCursor renders an opaque, URL-safe token for c.
func EncodeCursor(c Cursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + cursorSeparator + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor reverses EncodeCursor. A blank value means "first page" and yields nil.
func ParseCursor(value string) (*Cursor, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	stamp, id, ok := strings.Cut(string(raw), cursorSeparator)
	if !ok {
		return nil, errMalformedCursor
	}

	var c Cursor
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
		return nil, fmt.Errorf("cursor timestamp: %w", err)
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("cursor id: %w", err)
	}
	return &c, nil
}

// Page is a single keyset page plus the cursor for the next one.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Trim cuts rows fetched with LimitWithBuffer down to limit and derives the
// next cursor from the last kept row.
func Trim[T any](rows []T, limit int, cursorOf func(T) Cursor) Page[T] {
	limit = NormalizeLimit(limit)
	if len(rows) <= limit {
		if rows == nil {
			rows = []T{}
		}
		return Page[T]{Items: rows}
	}
	kept := rows[:limit]
	return Page[T]{Items: kept, NextCursor: EncodeCursor(cursorOf(kept[limit-1]))}
}
