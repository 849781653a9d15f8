package checkout

import (
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// State is the reconciliation step a checkout attempt has reached.
type State string

const (
	StateInit            State = "INIT"
	StateOrderCreated    State = "ORDER_CREATED"
	StateIntentCreated   State = "INTENT_CREATED"
	StateClientConfirmed State = "CLIENT_CONFIRMED"
	StateServerConfirmed State = "SERVER_CONFIRMED"
	StateCartCleared     State = "CART_CLEARED"
	StateClientFailed    State = "CLIENT_FAILED"
	StateCancelled       State = "CANCELLED"
	StateRefunded        State = "REFUNDED"
)

// Snapshot is the stored data a State is derived from. IntentStatus is the
// gateway status when the caller has just observed it and empty otherwise.
type Snapshot struct {
	Order        *models.Order
	Attempt      *models.PaymentAttempt
	IntentStatus payments.IntentStatus
	CartCleared  bool
}

// DeriveState maps a snapshot onto the checkout state machine.
func DeriveState(snap Snapshot) State {
	order := snap.Order
	if order == nil {
		return StateInit
	}
	if order.Status == enums.OrderStatusRefunded {
		return StateRefunded
	}
	if order.IsPaid {
		if snap.CartCleared {
			return StateCartCleared
		}
		return StateServerConfirmed
	}
	if order.Status == enums.OrderStatusCancelled {
		return StateCancelled
	}
	if snap.Attempt == nil {
		return StateOrderCreated
	}
	switch {
	case snap.Attempt.Status == enums.PaymentAttemptFailed:
		return StateClientFailed
	case snap.Attempt.Status == enums.PaymentAttemptSucceeded,
		snap.IntentStatus == payments.IntentProcessing,
		snap.IntentStatus == payments.IntentSucceeded:
		return StateClientConfirmed
	default:
		return StateIntentCreated
	}
}
