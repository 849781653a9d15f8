package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// Client carries the order-events topic and subscription names next to the v2 client.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
}

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errTopicRequired        = errors.New("pubsub orders topic is required")
	errSubscriptionRequired = errors.New("pubsub orders subscription is required")
	errClientNotInitialized = errors.New("pubsub client not initialized")
)

type resourceKind string

const (
	kindTopic        resourceKind = "topics"
	kindSubscription resourceKind = "subscriptions"
)

// NewClient dials Pub/Sub and refuses to start unless the orders topic and
// subscription already exist. It never creates either.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	switch {
	case projectID == "":
		return nil, errProjectIDRequired
	case strings.TrimSpace(cfg.OrdersTopic) == "":
		return nil, errTopicRequired
	case strings.TrimSpace(cfg.OrdersSubscription) == "":
		return nil, errSubscriptionRequired
	}

	raw, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}
	c := &Client{client: raw, projectID: projectID, cfg: cfg}
	if err := c.Ping(ctx); err != nil {
		return nil, errors.Join(err, raw.Close())
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"gcp_project":  projectID,
			"topic":        cfg.OrdersTopic,
			"subscription": cfg.OrdersSubscription,
		}), "pubsub client initialized")
	}
	return c, nil
}

// Ping verifies Pub/Sub connectivity by checking the configured resources exist.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	topic := c.topicResourceName(c.cfg.OrdersTopic)
	if err := c.mustExist(kindTopic, c.cfg.OrdersTopic, func() error {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topic})
		return err
	}); err != nil {
		return err
	}
	subscription := c.subscriptionResourceName(c.cfg.OrdersSubscription)
	return c.mustExist(kindSubscription, c.cfg.OrdersSubscription, func() error {
		_, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: subscription})
		return err
	})
}

// mustExist turns a gRPC NotFound from lookup into a readable error.
func (c *Client) mustExist(kind resourceKind, name string, lookup func() error) error {
	err := lookup()
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", strings.TrimSuffix(string(kind), "s"), name)
	default:
		return fmt.Errorf("checking %s %q: %w", strings.TrimSuffix(string(kind), "s"), name, err)
	}
}

// Subscription returns a v2 Subscriber handle for a subscription ID or full resource name.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	full := c.subscriptionResourceName(name)
	if full == "" || c.client == nil {
		return nil
	}
	return c.client.Subscriber(full)
}

// OrdersSubscription returns the subscriber the notification worker drains.
func (c *Client) OrdersSubscription() *pubsub.Subscriber {
	if c == nil {
		return nil
	}
	return c.Subscription(c.cfg.OrdersSubscription)
}

// Publisher returns a publisher handle for a topic ID or full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	full := c.topicResourceName(name)
	if full == "" || c.client == nil {
		return nil
	}
	return c.client.Publisher(full)
}

// Close releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Client) subscriptionResourceName(name string) string {
	return c.resourceName(kindSubscription, name)
}

func (c *Client) topicResourceName(name string) string {
	return c.resourceName(kindTopic, name)
}

// resourceName expands a short id to projects/<project>/<kind>/<id>. Full
// names pass through untouched. Empty means no name could be formed.
func (c *Client) resourceName(kind resourceKind, name string) string {
	name = strings.TrimSpace(name)
	if c == nil || name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/"+string(kind)+"/") {
		return name
	}
	if c.projectID == "" {
		return ""
	}
	return "projects/" + c.projectID + "/" + string(kind) + "/" + name
}
