package registry

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

func TestDecoderRegistry(t *testing.T) {
	reg := NewDecoderRegistry()
	reg.Register(enums.EventOrderCancelled, 1, func(payload json.RawMessage) (interface{}, error) {
		var decoded map[string]string
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	})

	output, err := reg.Decode(enums.EventOrderCancelled, 1, json.RawMessage(`{"reason":"changed mind"}`))
	require.NoError(t, err)
	outMap, ok := output.(map[string]string)
	require.True(t, ok)
	require.Equal(t, "changed mind", outMap["reason"])

	_, err = reg.Decode(enums.EventOrderCancelled, 2, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrNoDecoder)
	require.ErrorContains(t, err, "@v2")
}

func TestOrderDecoderRegistry(t *testing.T) {
	reg := NewOrderDecoderRegistry()
	orderID := uuid.New()

	raw := json.RawMessage(`{"order_id":"` + orderID.String() + `","total_cents":5400,"currency":"usd","item_count":2}`)
	out, err := reg.Decode(enums.EventOrderCreated, 1, raw)
	require.NoError(t, err)
	created, ok := out.(*payloads.OrderCreatedEvent)
	require.True(t, ok)
	require.Equal(t, orderID, created.OrderID)
	require.Equal(t, int64(5400), created.TotalCents)
	require.Equal(t, 2, created.ItemCount)

	_, err = reg.Decode(enums.EventOrderPaid, 1, json.RawMessage(`{"amount_cents":"nope"}`))
	require.Error(t, err)
}
