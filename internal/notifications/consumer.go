package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConsumerName scopes the processed-event markers written by the order consumer.
const ConsumerName = "order-notifications"

type repository interface {
	Create(ctx context.Context, notification *models.Notification) error
}

// Consumer turns order lifecycle events into in-app notifications for the buyer.
type Consumer struct {
	repo         repository
	subscription *pubsub.Subscriber
	decoders     *registry.DecoderRegistry
	idempotency  *idempotency.Manager
	logg         *logger.Logger
}

// NewConsumer builds the order notification consumer.
func NewConsumer(repo repository, subscription *pubsub.Subscriber, manager *idempotency.Manager, logg *logger.Logger) (*Consumer, error) {
	if repo == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		repo:         repo,
		subscription: subscription,
		decoders:     registry.NewOrderDecoderRegistry(),
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.subscription == nil {
		return fmt.Errorf("orders subscription required")
	}
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	eventType := enums.OutboxEventType(msg.Attributes["event_type"])
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"event_type": string(eventType),
	})

	if !handled(eventType) {
		c.logg.Debug(logCtx, "notifications.skip_event")
		return processResult{ack: true}
	}

	envelope, err := outbox.DecodeEnvelope(msg.Data)
	if err != nil {
		c.logg.Error(logCtx, "notifications.decode_envelope_failed", err)
		return processResult{ack: true}
	}
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(logCtx, "notifications.invalid_event_id", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithField(logCtx, "event_id", eventID.String())

	payload, err := c.decoders.Decode(eventType, envelope.PayloadVersion(), envelope.Data)
	if err != nil {
		c.logg.Error(logCtx, "notifications.decode_payload_failed", err)
		return processResult{ack: true}
	}

	notification, err := buildNotification(payload)
	if err != nil {
		c.logg.Error(logCtx, "notifications.build_failed", err)
		return processResult{ack: true}
	}
	if notification == nil {
		c.logg.Debug(logCtx, "notifications.nothing_to_send")
		return processResult{ack: true}
	}
	notification.EventID = &eventID
	logCtx = c.logg.WithUserID(logCtx, notification.UserID.String())

	err = c.idempotency.Run(ctx, ConsumerName, eventID.String(), func(ctx context.Context) error {
		if err := c.repo.Create(ctx, notification); err != nil {
			if db.IsUniqueViolation(err, "") {
				return nil
			}
			return err
		}
		return nil
	})
	switch {
	case errors.Is(err, idempotency.ErrAlreadyProcessed):
		c.logg.Info(logCtx, "notifications.duplicate_event")
		return processResult{ack: true}
	case err != nil:
		c.logg.Error(logCtx, "notifications.create_failed", err)
		return processResult{nack: true}
	}

	c.logg.Info(logCtx, "notifications.created")
	return processResult{ack: true}
}

func handled(eventType enums.OutboxEventType) bool {
	switch eventType {
	case enums.EventOrderPaid,
		enums.EventOrderStatusChanged,
		enums.EventOrderCancelled,
		enums.EventOrderExpired,
		enums.EventOrderRefunded:
		return true
	default:
		return false
	}
}

func buildNotification(payload interface{}) (*models.Notification, error) {
	switch p := payload.(type) {
	case *payloads.OrderPaidEvent:
		return orderNotification(p.UserID, p.OrderID, enums.NotificationTypePayment,
			"Payment received",
			fmt.Sprintf("We received your payment of %s for order %s.", formatAmount(p.AmountCents, p.Currency), shortID(p.OrderID)))
	case *payloads.OrderStatusChangedEvent:
		return orderNotification(p.UserID, p.OrderID, enums.NotificationTypeOrderUpdate,
			"Order "+string(p.Status),
			fmt.Sprintf("Order %s is now %s.", shortID(p.OrderID), p.Status))
	case *payloads.OrderCancelledEvent:
		message := fmt.Sprintf("Order %s was cancelled.", shortID(p.OrderID))
		if reason := strings.TrimSpace(p.Reason); reason != "" {
			message = fmt.Sprintf("Order %s was cancelled: %s", shortID(p.OrderID), reason)
		}
		return orderNotification(p.UserID, p.OrderID, enums.NotificationTypeOrderUpdate, "Order cancelled", message)
	case *payloads.OrderExpiredEvent:
		return orderNotification(p.UserID, p.OrderID, enums.NotificationTypeOrderUpdate,
			"Order expired",
			fmt.Sprintf("Order %s expired before payment was completed.", shortID(p.OrderID)))
	case *payloads.OrderRefundedEvent:
		return orderNotification(p.UserID, p.OrderID, enums.NotificationTypePayment,
			"Refund issued",
			fmt.Sprintf("A refund of %s for order %s has been issued.", formatAmount(p.AmountCents, p.Currency), shortID(p.OrderID)))
	default:
		return nil, nil
	}
}

func orderNotification(userID, orderID uuid.UUID, kind enums.NotificationType, title, message string) (*models.Notification, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id missing")
	}
	if orderID == uuid.Nil {
		return nil, fmt.Errorf("order id missing")
	}
	link := "/orders/" + orderID.String()
	return &models.Notification{
		UserID:  userID,
		Type:    kind,
		Title:   title,
		Message: message,
		Link:    &link,
	}, nil
}

func shortID(id uuid.UUID) string {
	return strings.ToUpper(id.String()[:8])
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%s %s", decimal.New(cents, -2).StringFixed(2), strings.ToUpper(currency))
}
