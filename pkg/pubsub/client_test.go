package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

func TestResourceNames(t *testing.T) {
	c := &Client{projectID: "shop-prod"}
	require.Equal(t, "projects/shop-prod/topics/orders", c.topicResourceName("orders"))
	require.Equal(t, "projects/shop-prod/subscriptions/notify", c.subscriptionResourceName(" notify "))
	require.Equal(t, "projects/other/topics/x", c.topicResourceName("projects/other/topics/x"))
	require.Empty(t, c.topicResourceName(""))

	var nilClient *Client
	require.Empty(t, nilClient.topicResourceName("orders"))
	require.Nil(t, nilClient.Publisher("orders"))
	require.Nil(t, nilClient.OrdersSubscription())
	require.NoError(t, nilClient.Close())
}

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()
	_, err := NewClient(ctx, config.GCPConfig{}, config.PubSubConfig{OrdersTopic: "t", OrdersSubscription: "s"}, nil)
	require.ErrorIs(t, err, errProjectIDRequired)

	_, err = NewClient(ctx, config.GCPConfig{ProjectID: "p"}, config.PubSubConfig{OrdersSubscription: "s"}, nil)
	require.ErrorIs(t, err, errTopicRequired)

	_, err = NewClient(ctx, config.GCPConfig{ProjectID: "p"}, config.PubSubConfig{OrdersTopic: "t"}, nil)
	require.ErrorIs(t, err, errSubscriptionRequired)
}

func TestPingRequiresClient(t *testing.T) {
	require.Error(t, (&Client{}).Ping(context.Background()))
}
