package enums

import "testing"

func TestParseOrderStatus(t *testing.T) {
	got, err := ParseOrderStatus(" Shipped ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", got)
	}
	if _, err := ParseOrderStatus("lost"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, status := range []OrderStatus{OrderStatusCancelled, OrderStatusRefunded} {
		if !status.IsTerminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	for _, status := range []OrderStatus{OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered} {
		if status.IsTerminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}

func TestParseUserRole(t *testing.T) {
	role, err := ParseUserRole("ADMIN")
	if err != nil || !role.IsAdmin() {
		t.Fatalf("expected admin role, got %q err=%v", role, err)
	}
	if _, err := ParseUserRole("superuser"); err == nil {
		t.Fatal("expected invalid role error")
	}
	if UserRoleUser.IsAdmin() {
		t.Fatal("user role must not be admin")
	}
}

func TestParsePaymentMethod(t *testing.T) {
	if _, err := ParsePaymentMethod("cash"); err == nil {
		t.Fatal("cash is not supported")
	}
	method, err := ParsePaymentMethod("Stripe")
	if err != nil || method != PaymentMethodStripe {
		t.Fatalf("expected stripe, got %q err=%v", method, err)
	}
}

func TestOutboxEventTypes(t *testing.T) {
	if !EventOrderPaid.IsValid() {
		t.Fatal("order_paid should be valid")
	}
	if _, err := ParseOutboxEventType("license_expired"); err == nil {
		t.Fatal("unexpected event type accepted")
	}
}
