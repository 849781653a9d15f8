package enums

import "slices"

// PaymentAttemptStatus tracks a single gateway intent bound to an order.
type PaymentAttemptStatus string

const (
	PaymentAttemptCreated   PaymentAttemptStatus = "created"
	PaymentAttemptSucceeded PaymentAttemptStatus = "succeeded"
	PaymentAttemptFailed    PaymentAttemptStatus = "failed"
	PaymentAttemptRefunded  PaymentAttemptStatus = "refunded"
)

var paymentAttemptStatuses = []PaymentAttemptStatus{
	PaymentAttemptCreated,
	PaymentAttemptSucceeded,
	PaymentAttemptFailed,
	PaymentAttemptRefunded,
}

func (p PaymentAttemptStatus) String() string { return string(p) }

func (p PaymentAttemptStatus) IsValid() bool { return slices.Contains(paymentAttemptStatuses, p) }

func ParsePaymentAttemptStatus(value string) (PaymentAttemptStatus, error) {
	return parse("payment attempt status", value, paymentAttemptStatuses)
}
