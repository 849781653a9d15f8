package enums

import "slices"

// PaymentMethod identifies how an order is charged. Stripe is the only
// processor wired today.
type PaymentMethod string

const PaymentMethodStripe PaymentMethod = "stripe"

var paymentMethods = []PaymentMethod{PaymentMethodStripe}

func (p PaymentMethod) String() string { return string(p) }

func (p PaymentMethod) IsValid() bool { return slices.Contains(paymentMethods, p) }

func ParsePaymentMethod(value string) (PaymentMethod, error) {
	return parse("payment method", value, paymentMethods)
}
