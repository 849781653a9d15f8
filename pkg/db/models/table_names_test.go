package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestModelsMapToMigratedTables(t *testing.T) {
	cases := map[string]any{
		"users":            &User{},
		"products":         &Product{},
		"cart_items":       &CartItem{},
		"orders":           &Order{},
		"order_line_items": &OrderLineItem{},
		"payment_attempts": &PaymentAttempt{},
		"wishlist_items":   &WishlistItem{},
		"notifications":    &Notification{},
		"outbox_events":    &OutboxEvent{},
		"outbox_dlq":       &OutboxDLQ{},
	}
	cache := &sync.Map{}
	for table, model := range cases {
		t.Run(table, func(t *testing.T) {
			parsed, err := schema.Parse(model, cache, schema.NamingStrategy{})
			require.NoError(t, err)
			require.Equal(t, table, parsed.Table)
		})
	}
}
