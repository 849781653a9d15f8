// Package checkout drives an order from cart to verified payment. Gateway
// calls always run outside database transactions; every state change that
// follows a gateway answer commits in a single transaction.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	pkgredis "github.com/angelmondragon/storefront-backend/pkg/redis"
)

const (
	opPlaceOrder    = "place_order"
	opCreateIntent  = "create_intent"
	opConfirm       = "confirm"
	opReconcile     = "reconcile"
	opClientFailure = "client_failure"
	opRefund        = "refund"

	maxFailureReasonLen = 500
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service runs the checkout steps.
type Service interface {
	PlaceOrder(ctx context.Context, actor orders.Actor, input PlaceOrderInput) (*PlaceOrderResult, error)
	CreatePaymentIntent(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*IntentResult, error)
	ConfirmPayment(ctx context.Context, actor orders.Actor, input ConfirmInput) (*ConfirmResult, error)
	RecordClientFailure(ctx context.Context, actor orders.Actor, input FailureInput) error
	ReconcileIntent(ctx context.Context, intent *payments.Intent) (*ConfirmResult, error)
	RecordIntentFailure(ctx context.Context, intent *payments.Intent) error
	Refund(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*models.Order, error)
	State(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (State, error)
}

// ServiceParams groups checkout dependencies.
type ServiceParams struct {
	Orders   orders.Service
	CartRepo *cart.Repository
	Cart     cart.Service
	Attempts *payments.AttemptRepository
	Gateway  payments.Gateway
	Locks    pkgredis.LockStore
	TxRunner txRunner
	Metrics  *metrics.CheckoutMetrics
	Logger   *logger.Logger
	Config   config.CheckoutConfig
	Currency string
	Now      func() time.Time
}

type service struct {
	orders   orders.Service
	cartRepo *cart.Repository
	cart     cart.Service
	attempts *payments.AttemptRepository
	gateway  payments.Gateway
	locks    pkgredis.LockStore
	tx       txRunner
	metrics  *metrics.CheckoutMetrics
	logg     *logger.Logger
	cfg      config.CheckoutConfig
	currency string
	now      func() time.Time
}

// NewService builds the checkout service.
func NewService(params ServiceParams) (Service, error) {
	if params.Orders == nil {
		return nil, fmt.Errorf("orders service required")
	}
	if params.CartRepo == nil || params.Cart == nil {
		return nil, fmt.Errorf("cart repository and service required")
	}
	if params.Attempts == nil {
		return nil, fmt.Errorf("payment attempt repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Locks == nil {
		return nil, fmt.Errorf("lock store required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg := params.Config
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 20 * time.Second
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "usd"
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		orders:   params.Orders,
		cartRepo: params.CartRepo,
		cart:     params.Cart,
		attempts: params.Attempts,
		gateway:  params.Gateway,
		locks:    params.Locks,
		tx:       params.TxRunner,
		metrics:  params.Metrics,
		logg:     params.Logger,
		cfg:      cfg,
		currency: currency,
		now:      now,
	}, nil
}

// PlaceOrder turns the caller's cart into a pending order, or returns the
// pending order already created for the same cart contents.
func (s *service) PlaceOrder(ctx context.Context, actor orders.Actor, input PlaceOrderInput) (*PlaceOrderResult, error) {
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	ctx = s.logg.WithUserID(ctx, actor.UserID.String())

	lease, err := pkgredis.AcquireLock(ctx, s.locks, pkgredis.LockKey("checkout", actor.UserID.String()), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, pkgredis.ErrLockHeld) {
			s.metrics.Record(opPlaceOrder, metrics.OutcomeRejected)
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "checkout already in progress")
		}
		s.metrics.Record(opPlaceOrder, metrics.OutcomeError)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire checkout lock")
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "checkout lock release failed")
		}
	}()

	var result PlaceOrderResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		lines, err := s.cartRepo.WithTx(tx).LockByUser(ctx, actor.UserID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
		}
		if len(lines) == 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
		}
		fingerprint := Fingerprint(lines)

		existing, err := s.orders.FindResumable(ctx, tx, actor.UserID, fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			result = PlaceOrderResult{Order: existing, Resumed: true}
			return nil
		}

		cartLines := make([]orders.CartLine, 0, len(lines))
		for _, line := range lines {
			cartLines = append(cartLines, orders.CartLine{
				ProductID:      line.ProductID,
				UnitPriceCents: line.UnitPriceCents,
				Quantity:       line.Quantity,
			})
		}
		order, err := s.orders.CreateOrder(ctx, tx, orders.CreateOrderInput{
			UserID:          actor.UserID,
			Lines:           cartLines,
			ShippingAddress: input.ShippingAddress,
			PaymentMethod:   input.PaymentMethod,
			Fingerprint:     fingerprint,
			Currency:        s.currency,
		})
		if err != nil {
			return err
		}
		result = PlaceOrderResult{Order: order}
		return nil
	})
	if err != nil {
		s.metrics.Record(opPlaceOrder, outcomeFor(err))
		return nil, err
	}

	if result.Resumed {
		s.metrics.Record(opPlaceOrder, metrics.OutcomeNoop)
		s.logg.Info(s.logg.WithOrderID(ctx, result.Order.ID.String()), "resumed pending order")
	} else {
		s.metrics.Record(opPlaceOrder, metrics.OutcomeSuccess)
	}
	return &result, nil
}

// CreatePaymentIntent opens a gateway intent for the stored order total.
func (s *service) CreatePaymentIntent(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*IntentResult, error) {
	order, err := s.orders.Get(ctx, orderID, actor)
	if err != nil {
		s.metrics.Record(opCreateIntent, outcomeFor(err))
		return nil, err
	}
	if order.UserID != actor.UserID {
		s.metrics.Record(opCreateIntent, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the order owner can pay")
	}
	if !order.IsPayable() {
		s.metrics.Record(opCreateIntent, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is not awaiting payment").
			WithDetails(map[string]any{"status": order.Status, "isPaid": order.IsPaid})
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	reused, err := s.openIntent(ctx, order)
	if err != nil {
		s.metrics.Record(opCreateIntent, outcomeFor(err))
		return nil, err
	}
	if reused != nil {
		s.metrics.Record(opCreateIntent, metrics.OutcomeNoop)
		s.logg.Info(s.logg.WithIntentID(ctx, reused.ID), "reusing open payment intent")
		return intentResult(order, reused), nil
	}

	count, err := s.attempts.CountForOrder(ctx, order.ID)
	if err != nil {
		s.metrics.Record(opCreateIntent, metrics.OutcomeError)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count payment attempts")
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	started := time.Now()
	intent, err := s.gateway.CreateIntent(gctx, payments.CreateIntentInput{
		OrderID:     order.ID,
		UserID:      order.UserID,
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
		Attempt:     int(count) + 1,
	})
	cancel()
	s.metrics.ObserveGateway(opCreateIntent, time.Since(started))
	if err != nil {
		s.metrics.Record(opCreateIntent, metrics.OutcomeGateway)
		s.logg.Error(ctx, "create payment intent failed", err)
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		existing, err := attempts.FindByIntentID(ctx, intent.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
		}
		if existing == nil {
			if err := attempts.Create(ctx, &models.PaymentAttempt{
				OrderID:          order.ID,
				UserID:           order.UserID,
				ProviderIntentID: intent.ID,
				AmountCents:      order.TotalCents,
				Currency:         order.Currency,
				Status:           enums.PaymentAttemptCreated,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment attempt")
			}
		}
		return s.orders.BindIntent(ctx, tx, order.ID, intent.ID)
	})
	if err != nil {
		s.metrics.Record(opCreateIntent, metrics.OutcomeError)
		return nil, err
	}

	s.metrics.Record(opCreateIntent, metrics.OutcomeSuccess)
	s.logg.Info(s.logg.WithIntentID(ctx, intent.ID), "payment intent created")
	return intentResult(order, intent), nil
}

// openIntent returns the intent of the order's newest created attempt when
// the gateway still holds it open or is settling it. A cancelled intent
// fails its attempt so a fresh one can be minted; an open intent for the
// wrong amount is cancelled first.
func (s *service) openIntent(ctx context.Context, order *models.Order) (*payments.Intent, error) {
	attempt, err := s.attempts.LatestForOrder(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
	}
	if attempt == nil || attempt.Status != enums.PaymentAttemptCreated {
		return nil, nil
	}
	ctx = s.logg.WithIntentID(ctx, attempt.ProviderIntentID)

	intent, err := s.lookupIntent(ctx, opCreateIntent, attempt.ProviderIntentID)
	if err != nil {
		return nil, err
	}
	charges := intent.Charges(order.TotalCents, order.Currency)
	switch {
	case intent.Settling():
		return intent, nil
	case intent.Open() && charges:
		return intent, nil
	case intent.Open():
		s.securityWarning(ctx, "open payment intent does not match order total")
		if _, err := s.cancelIntent(ctx, opCreateIntent, intent.ID); err != nil {
			return nil, err
		}
	}
	if err := s.attempts.MarkFailed(ctx, attempt.ID, "payment intent "+string(intent.Status)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment attempt failed")
	}
	return nil, nil
}

func intentResult(order *models.Order, intent *payments.Intent) *IntentResult {
	return &IntentResult{
		OrderID:      order.ID,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  order.TotalCents,
		Currency:     order.Currency,
	}
}

// ConfirmPayment verifies a client-confirmed intent and marks the order paid.
func (s *service) ConfirmPayment(ctx context.Context, actor orders.Actor, input ConfirmInput) (*ConfirmResult, error) {
	if strings.TrimSpace(input.PaymentIntentID) == "" {
		s.metrics.Record(opConfirm, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id required")
	}
	order, err := s.orders.Get(ctx, input.OrderID, actor)
	if err != nil {
		s.metrics.Record(opConfirm, outcomeFor(err))
		return nil, err
	}
	return s.settle(ctx, opConfirm, order, strings.TrimSpace(input.PaymentIntentID))
}

// ReconcileIntent applies a gateway-reported success without an acting user.
func (s *service) ReconcileIntent(ctx context.Context, intent *payments.Intent) (*ConfirmResult, error) {
	if intent == nil || intent.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment intent required")
	}
	orderID, err := intent.OrderID()
	if err != nil {
		s.securityWarning(s.logg.WithIntentID(ctx, intent.ID), "payment intent carries no order binding")
		s.metrics.Record(opReconcile, metrics.OutcomeMismatch)
		return nil, pkgerrors.Wrap(pkgerrors.CodePaymentMismatch, err, "payment intent carries no order binding")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.metrics.Record(opReconcile, outcomeFor(err))
		return nil, err
	}
	return s.settle(ctx, opReconcile, order, intent.ID)
}

// settle is the shared confirm path. The local attempt must be bound to
// order before the gateway is asked, and nothing is written on mismatch.
func (s *service) settle(ctx context.Context, op string, order *models.Order, intentID string) (*ConfirmResult, error) {
	ctx = s.logg.WithIntentID(s.logg.WithOrderID(ctx, order.ID.String()), intentID)
	if order.IsPaid {
		if order.PaymentIntentID != nil && *order.PaymentIntentID == intentID {
			s.metrics.Record(op, metrics.OutcomeNoop)
			return &ConfirmResult{Order: order, AlreadyPaid: true, State: StateCartCleared}, nil
		}
		return s.settleSecondIntent(ctx, op, order, intentID)
	}

	attempt, err := s.attempts.FindByIntentID(ctx, intentID)
	if err != nil {
		s.metrics.Record(op, metrics.OutcomeError)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
	}
	if attempt == nil || attempt.OrderID != order.ID {
		s.securityWarning(ctx, "payment intent is not bound to order")
		s.metrics.Record(op, metrics.OutcomeMismatch)
		return nil, pkgerrors.New(pkgerrors.CodePaymentMismatch, "payment intent is not bound to this order")
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	started := time.Now()
	intent, err := s.gateway.ConfirmIntent(gctx, intentID, payments.Expectation{
		OrderID:     order.ID,
		AmountCents: order.TotalCents,
		Currency:    order.Currency,
	})
	cancel()
	s.metrics.ObserveGateway(op, time.Since(started))
	if err != nil {
		switch {
		case pkgerrors.HasCode(err, pkgerrors.CodePaymentMismatch):
			s.securityWarning(ctx, "gateway intent does not match order")
			s.metrics.Record(op, metrics.OutcomeMismatch)
		case pkgerrors.HasCode(err, pkgerrors.CodeStateConflict):
			s.metrics.Record(op, metrics.OutcomeRejected)
			return nil, pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "payment is still processing").
				WithDetails(map[string]any{"state": StateClientConfirmed}).
				WithRetryable(true)
		default:
			s.metrics.Record(op, metrics.OutcomeGateway)
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "payment not confirmed by gateway")
		}
		return nil, err
	}

	if order.Status.IsTerminal() {
		if attempt.Status != enums.PaymentAttemptRefunded {
			if err := s.refundCapture(ctx, op, attempt, fmt.Sprintf("payment captured for %s order", order.Status)); err != nil {
				return nil, err
			}
		}
		s.metrics.Record(op, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order closed before payment settled; payment refunded").
			WithDetails(map[string]any{"status": order.Status, "refunded": true})
	}

	var transitioned bool
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.orders.MarkPaid(ctx, tx, orders.MarkPaidInput{
			OrderID:         order.ID,
			PaidAt:          s.now(),
			PaymentIntentID: intentID,
			AmountCents:     intent.AmountCents,
			Currency:        intent.Currency,
		})
		if err != nil {
			return err
		}
		transitioned = ok
		if err := s.attempts.WithTx(tx).MarkSucceeded(ctx, attempt.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment attempt succeeded")
		}
		if !ok {
			return nil
		}
		return s.cart.ClearTx(ctx, tx, order.UserID)
	})
	if err != nil {
		s.metrics.Record(op, outcomeFor(err))
		s.logg.Error(ctx, "apply confirmed payment failed", err)
		return nil, err
	}

	updated, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		s.metrics.Record(op, metrics.OutcomeNoop)
		return &ConfirmResult{Order: updated, AlreadyPaid: true, State: StateCartCleared}, nil
	}
	s.metrics.Record(op, metrics.OutcomeSuccess)
	s.logg.Info(ctx, "payment confirmed")
	return &ConfirmResult{Order: updated, State: StateCartCleared}, nil
}

// settleSecondIntent handles an intent that is not the one that paid order.
// A second capture is refunded and an intent still open is cancelled.
func (s *service) settleSecondIntent(ctx context.Context, op string, order *models.Order, intentID string) (*ConfirmResult, error) {
	paid := &ConfirmResult{Order: order, AlreadyPaid: true, State: StateCartCleared}

	attempt, err := s.attempts.FindByIntentID(ctx, intentID)
	if err != nil {
		s.metrics.Record(op, metrics.OutcomeError)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
	}
	if attempt == nil || attempt.OrderID != order.ID {
		s.securityWarning(ctx, "payment intent is not bound to order")
		s.metrics.Record(op, metrics.OutcomeMismatch)
		return nil, pkgerrors.New(pkgerrors.CodePaymentMismatch, "payment intent is not bound to this order")
	}
	if attempt.Status == enums.PaymentAttemptSucceeded || attempt.Status == enums.PaymentAttemptRefunded {
		s.metrics.Record(op, metrics.OutcomeNoop)
		return paid, nil
	}

	intent, err := s.lookupIntent(ctx, op, intentID)
	if err != nil {
		return nil, err
	}
	switch {
	case intent.Status == payments.IntentSucceeded:
		if err := s.refundCapture(ctx, op, attempt, "second payment captured for paid order"); err != nil {
			return nil, err
		}
		s.metrics.Record(op, metrics.OutcomeMismatch)
		paid.DuplicateRefunded = true
		return paid, nil
	case intent.Settling():
		s.logg.Warn(ctx, "second payment intent still settling for paid order")
		s.metrics.Record(op, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "second payment for paid order is still processing").
			WithRetryable(true)
	case intent.Open():
		if _, err := s.cancelIntent(ctx, op, intentID); err != nil {
			return nil, err
		}
	}
	if err := s.attempts.MarkFailed(ctx, attempt.ID, "order already paid"); err != nil {
		s.metrics.Record(op, metrics.OutcomeError)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment attempt failed")
	}
	s.metrics.Record(op, metrics.OutcomeNoop)
	return paid, nil
}

// refundCapture returns a captured charge that no order will keep and
// closes its attempt.
func (s *service) refundCapture(ctx context.Context, op string, attempt *models.PaymentAttempt, reason string) error {
	s.logg.Error(s.logg.WithField(ctx, "security", "unowed_capture"), reason+"; refunding",
		pkgerrors.New(pkgerrors.CodePaymentMismatch, reason))
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	started := time.Now()
	refund, err := s.gateway.Refund(gctx, attempt.ProviderIntentID)
	cancel()
	s.metrics.ObserveGateway(op, time.Since(started))
	if err != nil {
		s.metrics.Record(op, metrics.OutcomeGateway)
		s.logg.Error(ctx, "refund of unowed capture failed", err)
		return err
	}
	ctx = s.logg.WithField(ctx, "refund_id", refund.ID)
	if err := s.attempts.MarkRefunded(ctx, attempt.ID); err != nil {
		s.metrics.Record(op, metrics.OutcomeError)
		s.logg.Error(ctx, "capture refunded but attempt update failed", err)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment attempt refunded")
	}
	s.logg.Warn(ctx, "unowed capture refunded")
	return nil
}

func (s *service) lookupIntent(ctx context.Context, op, intentID string) (*payments.Intent, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	started := time.Now()
	intent, err := s.gateway.GetIntent(gctx, intentID)
	s.metrics.ObserveGateway(op, time.Since(started))
	if err != nil {
		s.logg.Error(ctx, "retrieve payment intent failed", err)
		return nil, err
	}
	return intent, nil
}

func (s *service) cancelIntent(ctx context.Context, op, intentID string) (*payments.Intent, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	started := time.Now()
	intent, err := s.gateway.CancelIntent(gctx, intentID)
	s.metrics.ObserveGateway(op, time.Since(started))
	if err != nil {
		s.logg.Error(ctx, "cancel payment intent failed", err)
		return nil, err
	}
	return intent, nil
}

// RecordClientFailure marks the attempt failed. The order stays pending so
// the client may retry with a new intent.
func (s *service) RecordClientFailure(ctx context.Context, actor orders.Actor, input FailureInput) error {
	order, err := s.orders.Get(ctx, input.OrderID, actor)
	if err != nil {
		s.metrics.Record(opClientFailure, outcomeFor(err))
		return err
	}
	ctx = s.logg.WithIntentID(s.logg.WithOrderID(ctx, order.ID.String()), input.PaymentIntentID)
	if order.IsPaid {
		s.metrics.Record(opClientFailure, metrics.OutcomeRejected)
		return pkgerrors.New(pkgerrors.CodeStateConflict, "order is already paid")
	}
	attempt, err := s.attempts.FindByIntentID(ctx, strings.TrimSpace(input.PaymentIntentID))
	if err != nil {
		s.metrics.Record(opClientFailure, metrics.OutcomeError)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
	}
	if attempt == nil || attempt.OrderID != order.ID {
		s.securityWarning(ctx, "failure reported for intent not bound to order")
		s.metrics.Record(opClientFailure, metrics.OutcomeMismatch)
		return pkgerrors.New(pkgerrors.CodePaymentMismatch, "payment intent is not bound to this order")
	}
	if attempt.Status == enums.PaymentAttemptSucceeded {
		s.metrics.Record(opClientFailure, metrics.OutcomeRejected)
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payment attempt already succeeded")
	}
	if err := s.attempts.MarkFailed(ctx, attempt.ID, truncateReason(input.Reason)); err != nil {
		s.metrics.Record(opClientFailure, metrics.OutcomeError)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment attempt failed")
	}
	s.metrics.Record(opClientFailure, metrics.OutcomeSuccess)
	s.logg.Info(ctx, "client payment failure recorded")
	return nil
}

// RecordIntentFailure applies a gateway-reported failure. Unknown intents
// are ignored.
func (s *service) RecordIntentFailure(ctx context.Context, intent *payments.Intent) error {
	if intent == nil || intent.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent required")
	}
	ctx = s.logg.WithIntentID(ctx, intent.ID)
	attempt, err := s.attempts.FindByIntentID(ctx, intent.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
	}
	if attempt == nil {
		s.logg.Warn(ctx, "failure reported for unknown payment intent")
		return nil
	}
	if attempt.Status != enums.PaymentAttemptCreated {
		return nil
	}
	if err := s.attempts.MarkFailed(ctx, attempt.ID, truncateReason(intent.FailureMsg)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment attempt failed")
	}
	s.logg.Info(s.logg.WithOrderID(ctx, attempt.OrderID.String()), "gateway payment failure recorded")
	return nil
}

// Refund returns a paid order's charge and moves it to refunded.
func (s *service) Refund(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (*models.Order, error) {
	if !actor.IsAdmin() {
		s.metrics.Record(opRefund, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		s.metrics.Record(opRefund, outcomeFor(err))
		return nil, err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())
	if !order.IsPaid || order.Status == enums.OrderStatusRefunded {
		s.metrics.Record(opRefund, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only paid orders can be refunded").
			WithDetails(map[string]any{"status": order.Status, "isPaid": order.IsPaid})
	}
	attempt, err := s.attempts.FindSucceededForOrder(ctx, order.ID)
	if err != nil {
		s.metrics.Record(opRefund, metrics.OutcomeError)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
	}
	if attempt == nil {
		s.metrics.Record(opRefund, metrics.OutcomeRejected)
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no settled payment to refund")
	}
	ctx = s.logg.WithIntentID(ctx, attempt.ProviderIntentID)

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	started := time.Now()
	refund, err := s.gateway.Refund(gctx, attempt.ProviderIntentID)
	cancel()
	s.metrics.ObserveGateway(opRefund, time.Since(started))
	if err != nil {
		s.metrics.Record(opRefund, metrics.OutcomeGateway)
		s.logg.Error(ctx, "gateway refund failed", err)
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.MarkRefunded(ctx, tx, order, attempt.ProviderIntentID, actor); err != nil {
			return err
		}
		if err := s.attempts.WithTx(tx).MarkRefunded(ctx, attempt.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment attempt refunded")
		}
		return nil
	})
	if err != nil {
		s.metrics.Record(opRefund, outcomeFor(err))
		s.logg.Error(s.logg.WithField(ctx, "refund_id", refund.ID), "gateway refunded but order update failed", err)
		return nil, err
	}
	s.metrics.Record(opRefund, metrics.OutcomeSuccess)
	return s.orders.FindByID(ctx, order.ID)
}

// State reports where the order sits in the checkout state machine.
func (s *service) State(ctx context.Context, actor orders.Actor, orderID uuid.UUID) (State, error) {
	order, err := s.orders.Get(ctx, orderID, actor)
	if err != nil {
		return "", err
	}
	attempt, err := s.attempts.LatestForOrder(ctx, order.ID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment attempt")
	}
	snap := Snapshot{Order: order, Attempt: attempt}
	if order.IsPaid && order.PaidAt != nil {
		lines, err := s.cartRepo.ListByUser(ctx, order.UserID)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
		}
		snap.CartCleared = true
		for _, line := range lines {
			if !line.CreatedAt.After(*order.PaidAt) {
				snap.CartCleared = false
				break
			}
		}
	}
	return DeriveState(snap), nil
}

func (s *service) securityWarning(ctx context.Context, msg string) {
	s.logg.Warn(s.logg.WithField(ctx, "security", "payment_binding"), msg)
}

// truncateReason caps reason at maxFailureReasonLen bytes without splitting a rune.
func truncateReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) <= maxFailureReasonLen {
		return reason
	}
	cut := maxFailureReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func outcomeFor(err error) string {
	switch {
	case pkgerrors.HasCode(err, pkgerrors.CodePaymentMismatch):
		return metrics.OutcomeMismatch
	case pkgerrors.HasCode(err, pkgerrors.CodeDependency):
		return metrics.OutcomeError
	default:
		return metrics.OutcomeRejected
	}
}
