package main

import (
	"context"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type publisherFactory func(topic string) publisher

// publisherCache builds one publisher per topic on first use.
type publisherCache struct {
	build   publisherFactory
	byTopic map[string]publisher
}

func (c *publisherCache) get(topic string) publisher {
	if pub, ok := c.byTopic[topic]; ok {
		return pub
	}
	pub := c.build(topic)
	if pub != nil {
		c.byTopic[topic] = pub
	}
	return pub
}

// messageFor wraps the stored envelope unchanged. The aggregate id is the
// ordering key so one order's events reach subscribers in sequence.
func messageFor(event models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	aggregateID := event.AggregateID.String()
	return &gcppubsub.Message{
		Data:        event.Payload,
		OrderingKey: aggregateID,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   aggregateID,
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}
}

func (s *Service) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publishers.get(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", topic))
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(ctx, messageFor(event, resolved))
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", topic))
	}
	_, err := result.Get(ctx)
	return err
}

// orderedPublisher turns on message ordering and resumes a key after a
// failed publish; otherwise the next attempt for that order is rejected.
type orderedPublisher struct {
	pub *gcppubsub.Publisher
}

func newOrderedPublisher(p *gcppubsub.Publisher) publisher {
	if p == nil {
		return nil
	}
	p.EnableMessageOrdering = true
	return &orderedPublisher{pub: p}
}

func (p *orderedPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return &resumingResult{
		result: p.pub.Publish(ctx, msg),
		resume: func() { p.pub.ResumePublish(msg.OrderingKey) },
	}
}

type resumingResult struct {
	result *gcppubsub.PublishResult
	resume func()
}

func (r *resumingResult) Get(ctx context.Context) (string, error) {
	id, err := r.result.Get(ctx)
	if err != nil {
		r.resume()
	}
	return id, err
}
