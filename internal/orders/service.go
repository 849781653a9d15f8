package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/pricing"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

const defaultCurrency = "usd"

// Service defines order-level operations. Methods taking a tx run inside
// the caller's transaction; the rest open their own.
type Service interface {
	CreateOrder(ctx context.Context, tx *gorm.DB, input CreateOrderInput) (*models.Order, error)
	FindResumable(ctx context.Context, tx *gorm.DB, userID uuid.UUID, fingerprint string) (*models.Order, error)
	Get(ctx context.Context, id uuid.UUID, actor Actor) (*models.Order, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	MarkPaid(ctx context.Context, tx *gorm.DB, input MarkPaidInput) (bool, error)
	MarkRefunded(ctx context.Context, tx *gorm.DB, order *models.Order, intentID string, actor Actor) error
	BindIntent(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, intentID string) error
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (*models.Order, error)
	Cancel(ctx context.Context, id uuid.UUID, actor Actor) (*models.Order, error)
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
	ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[models.Order], error)
	ListAll(ctx context.Context, params pagination.Params, status *enums.OrderStatus) (pagination.Page[models.Order], error)
}

// ServiceParams groups order service dependencies.
type ServiceParams struct {
	Repo       Repository
	TxRunner   txRunner
	Outbox     outboxPublisher
	Inventory  InventoryManager
	Calculator *pricing.Calculator
	Logger     *logger.Logger
	Now        func() time.Time
}

type service struct {
	repo      Repository
	tx        txRunner
	outbox    outboxPublisher
	inventory InventoryManager
	calc      *pricing.Calculator
	logg      *logger.Logger
	now       func() time.Time
}

// NewService builds the order service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.TxRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory manager required")
	}
	if params.Calculator == nil {
		return nil, fmt.Errorf("pricing calculator required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:      params.Repo,
		tx:        params.TxRunner,
		outbox:    params.Outbox,
		inventory: params.Inventory,
		calc:      params.Calculator,
		logg:      params.Logger,
		now:       now,
	}, nil
}

// CreateOrder snapshots the cart into a pending order and reserves stock.
// Any failure leaves the caller's transaction to roll back.
func (s *service) CreateOrder(ctx context.Context, tx *gorm.DB, input CreateOrderInput) (*models.Order, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for order creation")
	}
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if len(input.Lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	address := input.ShippingAddress.Normalize()
	if err := address.Validate(); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}
	if !input.PaymentMethod.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported payment method %q", input.PaymentMethod))
	}
	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	ids := make([]uuid.UUID, 0, len(input.Lines))
	for _, line := range input.Lines {
		ids = append(ids, line.ProductID)
	}
	catalog, err := s.inventory.Load(ctx, tx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
	}

	priced := make([]pricing.Line, 0, len(input.Lines))
	items := make([]models.OrderLineItem, 0, len(input.Lines))
	for _, line := range input.Lines {
		prod, ok := catalog[line.ProductID]
		if !ok || !prod.IsActive {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item is no longer available").
				WithDetails(map[string]any{"productId": line.ProductID.String()})
		}
		if line.Quantity > prod.Stock {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item out of stock").
				WithDetails(map[string]any{
					"productId": line.ProductID.String(),
					"requested": line.Quantity,
					"available": prod.Stock,
				})
		}
		priced = append(priced, pricing.Line{UnitPriceCents: line.UnitPriceCents, Quantity: line.Quantity})
		items = append(items, models.OrderLineItem{
			ProductID:      line.ProductID,
			Name:           prod.Name,
			ImageURL:       prod.ImageURL,
			UnitPriceCents: line.UnitPriceCents,
			Quantity:       line.Quantity,
			LineTotalCents: line.UnitPriceCents * int64(line.Quantity),
		})
	}
	totals, err := s.calc.Quote(priced)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID:          input.UserID,
		Status:          enums.OrderStatusPending,
		SubtotalCents:   totals.SubtotalCents,
		TaxCents:        totals.TaxCents,
		ShippingCents:   totals.ShippingCents,
		TotalCents:      totals.TotalCents,
		Currency:        currency,
		ShippingAddress: address,
		PaymentMethod:   input.PaymentMethod,
		CartFingerprint: input.Fingerprint,
		LineItems:       items,
	}
	if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
	}
	for _, item := range items {
		if err := s.inventory.Reserve(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return nil, err
		}
	}

	itemCount := 0
	for _, item := range items {
		itemCount += item.Quantity
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         &outbox.ActorRef{UserID: input.UserID, Role: string(enums.UserRoleUser)},
		Data: payloads.OrderCreatedEvent{
			OrderID:    order.ID,
			UserID:     order.UserID,
			TotalCents: order.TotalCents,
			Currency:   order.Currency,
			ItemCount:  itemCount,
		},
	}); err != nil {
		return nil, err
	}

	logCtx := s.logg.WithOrderID(ctx, order.ID.String())
	s.logg.Info(s.logg.WithFields(logCtx, map[string]any{
		"total_cents": order.TotalCents,
		"item_count":  itemCount,
	}), "order created")
	return order, nil
}

// FindResumable returns nil when no resumable order exists.
func (s *service) FindResumable(ctx context.Context, tx *gorm.DB, userID uuid.UUID, fingerprint string) (*models.Order, error) {
	order, err := s.repo.WithTx(tx).FindResumable(ctx, userID, fingerprint)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find resumable order")
	}
	return order, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID, actor Actor) (*models.Order, error) {
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	order, err := s.load(ctx, s.repo, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	return order, nil
}

// FindByID loads the order without an access check. Callers authorize.
func (s *service) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.load(ctx, s.repo, id)
}

// MarkPaid transitions the order to paid at most once and emits order_paid
// on that transition. An already paid order is a no-op success.
func (s *service) MarkPaid(ctx context.Context, tx *gorm.DB, input MarkPaidInput) (bool, error) {
	if tx == nil {
		return false, pkgerrors.New(pkgerrors.CodeDependency, "transaction required to mark paid")
	}
	repo := s.repo.WithTx(tx)
	order, err := s.lock(ctx, repo, input.OrderID)
	if err != nil {
		return false, err
	}
	if order.IsPaid {
		return false, nil
	}
	if order.Status.IsTerminal() {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s and cannot be paid", order.Status))
	}
	if input.AmountCents != order.TotalCents || !strings.EqualFold(input.Currency, order.Currency) {
		return false, pkgerrors.New(pkgerrors.CodePaymentMismatch, "charged amount does not match order total")
	}

	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}
	paidAt = paidAt.UTC()
	next := order.Status
	if next == enums.OrderStatusPending {
		next = enums.OrderStatusProcessing
	}

	transitioned, err := repo.MarkPaid(ctx, order.ID, paidAt, next)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order paid")
	}
	if !transitioned {
		current, err := s.load(ctx, repo, order.ID)
		if err != nil {
			return false, err
		}
		if current.IsPaid {
			return false, nil
		}
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s and cannot be paid", current.Status))
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderPaid,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Data: payloads.OrderPaidEvent{
			OrderID:         order.ID,
			UserID:          order.UserID,
			PaymentIntentID: input.PaymentIntentID,
			AmountCents:     input.AmountCents,
			Currency:        order.Currency,
			PaidAt:          paidAt,
		},
	}); err != nil {
		return false, err
	}

	logCtx := s.logg.WithIntentID(s.logg.WithOrderID(ctx, order.ID.String()), input.PaymentIntentID)
	s.logg.Info(logCtx, "order marked paid")
	return true, nil
}

// MarkRefunded moves a paid order to refunded after the gateway refund succeeded.
func (s *service) MarkRefunded(ctx context.Context, tx *gorm.DB, order *models.Order, intentID string, actor Actor) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required to mark refunded")
	}
	refundedAt := s.now().UTC()
	ok, err := s.repo.WithTx(tx).TransitionStatus(ctx, order.ID, order.Status, map[string]any{
		"status": enums.OrderStatusRefunded,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark order refunded")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
	}
	previous := order.Status
	order.Status = enums.OrderStatusRefunded
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderRefunded,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actorRef(actor),
		Data: payloads.OrderRefundedEvent{
			OrderID:         order.ID,
			UserID:          order.UserID,
			PaymentIntentID: intentID,
			AmountCents:     order.TotalCents,
			Currency:        order.Currency,
			RefundedAt:      refundedAt,
		},
	}); err != nil {
		return err
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"previous_status": previous,
		"status":          order.Status,
	}), "order refunded")
	return nil
}

// BindIntent records intentID as the order's latest gateway intent.
func (s *service) BindIntent(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, intentID string) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required to bind intent")
	}
	if err := s.repo.WithTx(tx).BindIntent(ctx, orderID, intentID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bind payment intent")
	}
	return nil
}

func (s *service) UpdateStatus(ctx context.Context, input UpdateStatusInput) (*models.Order, error) {
	if !input.Actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	if !input.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order status %q", input.Status))
	}
	if input.Status == enums.OrderStatusRefunded {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refunds go through the refund endpoint")
	}

	var out *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lock(ctx, repo, input.OrderID)
		if err != nil {
			return err
		}
		previous := order.Status
		if previous == input.Status {
			out = order
			return nil
		}
		if err := checkTransition(previous, input.Status); err != nil {
			return err
		}

		now := s.now().UTC()
		updates := map[string]any{"status": input.Status}
		switch input.Status {
		case enums.OrderStatusDelivered:
			updates["is_delivered"] = true
			updates["delivered_at"] = now
		case enums.OrderStatusCancelled:
			updates["cancelled_at"] = now
		}
		ok, err := repo.TransitionStatus(ctx, order.ID, previous, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
		}
		if input.Status == enums.OrderStatusCancelled && !order.IsPaid {
			if err := s.inventory.Release(ctx, tx, order.LineItems); err != nil {
				return err
			}
		}

		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actorRef(input.Actor),
			Data: payloads.OrderStatusChangedEvent{
				OrderID:        order.ID,
				UserID:         order.UserID,
				PreviousStatus: previous,
				Status:         input.Status,
				ChangedBy:      input.Actor.UserID,
			},
		}); err != nil {
			return err
		}

		s.logg.Info(s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
			"previous_status": previous,
			"status":          input.Status,
			"changed_by":      input.Actor.UserID.String(),
		}), "order status updated")

		out, err = s.load(ctx, repo, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID, actor Actor) (*models.Order, error) {
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	var out *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.lock(ctx, repo, id)
		if err != nil {
			return err
		}
		if !actor.CanAccess(order) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
		}
		if !order.IsPayable() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only pending unpaid orders can be cancelled")
		}
		cancelledAt := s.now().UTC()
		if err := s.cancelPending(ctx, tx, order, cancelledAt); err != nil {
			return err
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actorRef(actor),
			Data: payloads.OrderCancelledEvent{
				OrderID:     order.ID,
				UserID:      order.UserID,
				CancelledAt: cancelledAt,
				Reason:      "cancelled by customer",
			},
		}); err != nil {
			return err
		}
		s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order cancelled")
		out, err = s.load(ctx, repo, order.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Expire cancels a stale pending order. It reports false when the order was
// paid or changed since it was selected.
func (s *service) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	expired := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.lock(ctx, s.repo.WithTx(tx), id)
		if err != nil {
			return err
		}
		if !order.IsPayable() {
			return nil
		}
		expiredAt := s.now().UTC()
		if err := s.cancelPending(ctx, tx, order, expiredAt); err != nil {
			if pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
				return nil
			}
			return err
		}
		expired = true
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderExpired,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Data: payloads.OrderExpiredEvent{
				OrderID:      order.ID,
				UserID:       order.UserID,
				PendingSince: order.CreatedAt,
				ExpiredAt:    expiredAt,
			},
		})
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

func (s *service) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) (pagination.Page[models.Order], error) {
	if userID == uuid.Nil {
		return pagination.Page[models.Order]{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if err := validateCursor(params.Cursor); err != nil {
		return pagination.Page[models.Order]{}, err
	}
	page, err := s.repo.ListForUser(ctx, userID, params)
	if err != nil {
		return page, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return page, nil
}

func (s *service) ListAll(ctx context.Context, params pagination.Params, status *enums.OrderStatus) (pagination.Page[models.Order], error) {
	if status != nil && !status.IsValid() {
		return pagination.Page[models.Order]{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order status %q", *status))
	}
	if err := validateCursor(params.Cursor); err != nil {
		return pagination.Page[models.Order]{}, err
	}
	page, err := s.repo.ListAll(ctx, params, status)
	if err != nil {
		return page, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return page, nil
}

func (s *service) cancelPending(ctx context.Context, tx *gorm.DB, order *models.Order, at time.Time) error {
	ok, err := s.repo.WithTx(tx).TransitionStatus(ctx, order.ID, enums.OrderStatusPending, map[string]any{
		"status":       enums.OrderStatusCancelled,
		"cancelled_at": at,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
	}
	return s.inventory.Release(ctx, tx, order.LineItems)
}

func (s *service) load(ctx context.Context, repo Repository, id uuid.UUID) (*models.Order, error) {
	order, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func (s *service) lock(ctx context.Context, repo Repository, id uuid.UUID) (*models.Order, error) {
	order, err := repo.LockByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock order")
	}
	return order, nil
}

var statusRank = map[enums.OrderStatus]int{
	enums.OrderStatusPending:    0,
	enums.OrderStatusProcessing: 1,
	enums.OrderStatusShipped:    2,
	enums.OrderStatusDelivered:  3,
	enums.OrderStatusCancelled:  4,
	enums.OrderStatusRefunded:   4,
}

// checkTransition allows forward and lateral moves and rejects anything that
// leaves a terminal status or goes backwards.
func checkTransition(from, to enums.OrderStatus) error {
	if from.IsTerminal() {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order is %s", from))
	}
	if statusRank[to] < statusRank[from] {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("cannot move order from %s back to %s", from, to))
	}
	return nil
}

func actorRef(actor Actor) *outbox.ActorRef {
	if actor.UserID == uuid.Nil {
		return nil
	}
	return &outbox.ActorRef{UserID: actor.UserID, Role: string(actor.Role)}
}

func validateCursor(raw string) error {
	if _, err := pagination.ParseCursor(raw); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	return nil
}
