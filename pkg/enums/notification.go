package enums

import "slices"

// NotificationType maps to the notification_type enum in Postgres.
type NotificationType string

const (
	NotificationTypeOrderUpdate NotificationType = "order_update"
	NotificationTypePayment     NotificationType = "payment"
	NotificationTypeSystem      NotificationType = "system"
)

var notificationTypes = []NotificationType{
	NotificationTypeOrderUpdate,
	NotificationTypePayment,
	NotificationTypeSystem,
}

func (n NotificationType) IsValid() bool { return slices.Contains(notificationTypes, n) }

func ParseNotificationType(value string) (NotificationType, error) {
	return parse("notification type", value, notificationTypes)
}
