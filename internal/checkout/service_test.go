package checkout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/internal/pricing"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	pkgredis "github.com/angelmondragon/storefront-backend/pkg/redis"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

type memoryLocks struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryLocks() *memoryLocks {
	return &memoryLocks{keys: map[string]string{}}
}

func (m *memoryLocks) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryLocks) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.keys[key]
	if !ok {
		return "", goredis.Nil
	}
	return value, nil
}

func (m *memoryLocks) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.keys, key)
	}
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	next      int
	intents   map[string]*payments.Intent
	created   []payments.CreateIntentInput
	refunded  []string
	cancelled []string
	createErr error
	refundErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]*payments.Intent{}}
}

func (g *fakeGateway) CreateIntent(_ context.Context, input payments.CreateIntentInput) (*payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.next++
	g.created = append(g.created, input)
	id := fmt.Sprintf("pi_%d", g.next)
	intent := &payments.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       payments.IntentRequiresPaymentMethod,
		AmountCents:  input.AmountCents,
		Currency:     input.Currency,
		Metadata: map[string]string{
			payments.MetadataOrderID: input.OrderID.String(),
			payments.MetadataUserID:  input.UserID.String(),
		},
	}
	g.intents[id] = intent
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) GetIntent(_ context.Context, intentID string) (*payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "no such intent")
	}
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) CancelIntent(_ context.Context, intentID string) (*payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "no such intent")
	}
	intent.Status = payments.IntentCanceled
	g.cancelled = append(g.cancelled, intentID)
	copied := *intent
	return &copied, nil
}

func (g *fakeGateway) ConfirmIntent(_ context.Context, intentID string, expected payments.Expectation) (*payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "no such intent")
	}
	copied := *intent
	return &copied, payments.VerifyIntent(&copied, expected)
}

func (g *fakeGateway) Refund(_ context.Context, intentID string) (*payments.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunded = append(g.refunded, intentID)
	return &payments.RefundResult{ID: "re_" + intentID, Status: "succeeded"}, nil
}

func (g *fakeGateway) PublishableKey() string { return "pk_test" }

func (g *fakeGateway) setStatus(intentID string, status payments.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intentID].Status = status
}

func (g *fakeGateway) setAmount(intentID string, cents int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[intentID].AmountCents = cents
}

type fixture struct {
	svc     Service
	cart    cart.Service
	gateway *fakeGateway
	locks   *memoryLocks
	conn    *gorm.DB
	user    orders.Actor
	admin   orders.Actor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	client := dbtest.Client(t)
	conn := client.DB()
	logg := logger.New(logger.Options{ServiceName: "checkout-test", Output: &bytes.Buffer{}})
	calc := pricing.Default()
	products := product.NewRepository(conn)

	orderSvc, err := orders.NewService(orders.ServiceParams{
		Repo:       orders.NewRepository(conn),
		TxRunner:   client,
		Outbox:     outbox.NewService(outbox.NewRepository(conn), logg),
		Inventory:  product.NewInventory(products),
		Calculator: calc,
		Logger:     logg,
	})
	require.NoError(t, err)
	cartRepo := cart.NewRepository(conn)
	cartSvc, err := cart.NewService(cart.ServiceParams{
		Repo:       cartRepo,
		Products:   products,
		Calculator: calc,
		TxRunner:   client,
	})
	require.NoError(t, err)

	gateway := newFakeGateway()
	locks := newMemoryLocks()
	svc, err := NewService(ServiceParams{
		Orders:   orderSvc,
		CartRepo: cartRepo,
		Cart:     cartSvc,
		Attempts: payments.NewAttemptRepository(conn),
		Gateway:  gateway,
		Locks:    locks,
		TxRunner: client,
		Logger:   logg,
		Config:   config.CheckoutConfig{LockTTL: time.Minute, GatewayTimeout: time.Second},
	})
	require.NoError(t, err)

	return fixture{
		svc:     svc,
		cart:    cartSvc,
		gateway: gateway,
		locks:   locks,
		conn:    conn,
		user:    orders.Actor{UserID: uuid.New(), Role: enums.UserRoleUser},
		admin:   orders.Actor{UserID: uuid.New(), Role: enums.UserRoleAdmin},
	}
}

func (f fixture) product(t *testing.T, price int64, stock int) models.Product {
	t.Helper()
	p := models.Product{Name: "Lamp", PriceCents: price, Stock: stock, IsActive: true}
	require.NoError(t, f.conn.Create(&p).Error)
	return p
}

func (f fixture) addToCart(t *testing.T, productID uuid.UUID, qty int) {
	t.Helper()
	_, err := f.cart.Add(context.Background(), f.user.UserID, productID, qty)
	require.NoError(t, err)
}

func (f fixture) cartCount(t *testing.T) int {
	t.Helper()
	count, err := f.cart.Count(context.Background(), f.user.UserID)
	require.NoError(t, err)
	return count
}

func (f fixture) events(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func (f fixture) attempt(t *testing.T, intentID string) models.PaymentAttempt {
	t.Helper()
	var attempt models.PaymentAttempt
	require.NoError(t, f.conn.First(&attempt, "provider_intent_id = ?", intentID).Error)
	return attempt
}

func (f fixture) place(t *testing.T) *PlaceOrderResult {
	t.Helper()
	result, err := f.svc.PlaceOrder(context.Background(), f.user, PlaceOrderInput{
		ShippingAddress: shippingAddress(),
		PaymentMethod:   enums.PaymentMethodStripe,
	})
	require.NoError(t, err)
	return result
}

func shippingAddress() types.Address {
	return types.Address{
		FullName: "Grace Hopper",
		Address:  "1 Compiler Rd",
		City:     "Arlington",
		State:    "VA",
		Country:  "US",
		Phone:    "+1 555 0100",
	}
}

func TestCheckoutHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	b := f.product(t, 1500, 3)
	f.addToCart(t, a.ID, 2)
	f.addToCart(t, b.ID, 1)

	placed := f.place(t)
	require.False(t, placed.Resumed)
	require.Equal(t, int64(6940), placed.Order.TotalCents)

	state, err := f.svc.State(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StateOrderCreated, state)

	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6940), intent.AmountCents)
	require.Equal(t, "usd", intent.Currency)
	require.NotEmpty(t, intent.ClientSecret)
	require.Equal(t, 1, f.gateway.created[0].Attempt)

	state, err = f.svc.State(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StateIntentCreated, state)

	f.gateway.setStatus(intent.IntentID, payments.IntentSucceeded)
	confirmed, err := f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: intent.IntentID})
	require.NoError(t, err)
	require.False(t, confirmed.AlreadyPaid)
	require.Equal(t, StateCartCleared, confirmed.State)
	require.True(t, confirmed.Order.IsPaid)
	require.Equal(t, enums.OrderStatusProcessing, confirmed.Order.Status)
	require.NotNil(t, confirmed.Order.PaymentIntentID)
	require.Equal(t, intent.IntentID, *confirmed.Order.PaymentIntentID)
	require.Zero(t, f.cartCount(t))
	require.Equal(t, enums.PaymentAttemptSucceeded, f.attempt(t, intent.IntentID).Status)

	again, err := f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: intent.IntentID})
	require.NoError(t, err)
	require.True(t, again.AlreadyPaid)
	require.Equal(t, int64(1), f.events(t, enums.EventOrderPaid))

	state, err = f.svc.State(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StateCartCleared, state)
}

func TestPlaceOrderResumesSameCart(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 2)

	first := f.place(t)
	second := f.place(t)
	require.True(t, second.Resumed)
	require.Equal(t, first.Order.ID, second.Order.ID)

	var p models.Product
	require.NoError(t, f.conn.First(&p, "id = ?", a.ID).Error)
	require.Equal(t, 3, p.Stock, "stock is reserved once")
	require.Equal(t, int64(1), f.events(t, enums.EventOrderCreated))
	require.Equal(t, 2, f.cartCount(t), "cart survives until payment")
}

func TestPlaceOrderRejectsConcurrentCheckout(t *testing.T) {
	f := newFixture(t)
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	ctx := context.Background()

	key := pkgredis.LockKey("checkout", f.user.UserID.String())
	ok, err := f.locks.SetNX(ctx, key, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.PlaceOrder(ctx, f.user, PlaceOrderInput{ShippingAddress: shippingAddress(), PaymentMethod: enums.PaymentMethodStripe})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))

	require.NoError(t, f.locks.Del(ctx, key))
	f.place(t)
	_, err = f.locks.Get(ctx, key)
	require.ErrorIs(t, err, goredis.Nil, "lock is released on return")
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.PlaceOrder(context.Background(), f.user, PlaceOrderInput{ShippingAddress: shippingAddress(), PaymentMethod: enums.PaymentMethodStripe})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
	require.Empty(t, f.locks.keys)
}

func TestGatewayFailureLeavesOrderPendingAndCartIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)

	f.gateway.createErr = pkgerrors.New(pkgerrors.CodeDependency, "processor unavailable")
	_, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	require.True(t, pkgerrors.IsRetryable(err))

	var order models.Order
	require.NoError(t, f.conn.First(&order, "id = ?", placed.Order.ID).Error)
	require.False(t, order.IsPaid)
	require.Equal(t, enums.OrderStatusPending, order.Status)
	require.Nil(t, order.PaymentIntentID)
	require.Equal(t, 1, f.cartCount(t))

	var attempts int64
	require.NoError(t, f.conn.Model(&models.PaymentAttempt{}).Count(&attempts).Error)
	require.Zero(t, attempts)

	f.gateway.createErr = nil
	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.NotEmpty(t, intent.IntentID)
}

func TestCreatePaymentIntentRequiresOwnerAndPayableOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)

	_, err := f.svc.CreatePaymentIntent(ctx, orders.Actor{UserID: uuid.New(), Role: enums.UserRoleUser}, placed.Order.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeForbidden))
	_, err = f.svc.CreatePaymentIntent(ctx, f.admin, placed.Order.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeForbidden))

	require.NoError(t, f.conn.Model(&models.Order{}).Where("id = ?", placed.Order.ID).Update("status", enums.OrderStatusCancelled).Error)
	_, err = f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
	require.Empty(t, f.gateway.created)
}

func TestConfirmRejectsIntentBoundToAnotherOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 10)
	f.addToCart(t, a.ID, 1)
	first := f.place(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, first.Order.ID)
	require.NoError(t, err)
	f.gateway.setStatus(intent.IntentID, payments.IntentSucceeded)

	_, err = f.cart.Update(ctx, f.user.UserID, a.ID, 2)
	require.NoError(t, err)
	second := f.place(t)
	require.NotEqual(t, first.Order.ID, second.Order.ID)

	_, err = f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: second.Order.ID, PaymentIntentID: intent.IntentID})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodePaymentMismatch))
	require.False(t, pkgerrors.IsRetryable(err))

	var order models.Order
	require.NoError(t, f.conn.First(&order, "id = ?", second.Order.ID).Error)
	require.False(t, order.IsPaid)
	require.Equal(t, 2, f.cartCount(t))
	require.Zero(t, f.events(t, enums.EventOrderPaid))
	require.Equal(t, enums.PaymentAttemptCreated, f.attempt(t, intent.IntentID).Status)
}

func TestConfirmWhileProcessingIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)

	f.gateway.setStatus(intent.IntentID, payments.IntentProcessing)
	_, err = f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: intent.IntentID})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
	require.True(t, pkgerrors.IsRetryable(err))
	require.Equal(t, 1, f.cartCount(t))

	f.gateway.setStatus(intent.IntentID, payments.IntentRequiresPaymentMethod)
	_, err = f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: intent.IntentID})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	require.Equal(t, 1, f.cartCount(t))
}

func TestRecordClientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)

	err = f.svc.RecordClientFailure(ctx, f.user, FailureInput{OrderID: placed.Order.ID, PaymentIntentID: intent.IntentID, Reason: "card_declined"})
	require.NoError(t, err)
	attempt := f.attempt(t, intent.IntentID)
	require.Equal(t, enums.PaymentAttemptFailed, attempt.Status)
	require.Equal(t, "card_declined", *attempt.FailureReason)

	state, err := f.svc.State(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StateClientFailed, state)

	err = f.svc.RecordClientFailure(ctx, f.user, FailureInput{OrderID: placed.Order.ID, PaymentIntentID: "pi_unknown"})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodePaymentMismatch))

	retry, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, 2, f.gateway.created[1].Attempt)
	require.NotEqual(t, intent.IntentID, retry.IntentID)
}

func TestReconcileIntentFromWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	f.gateway.setStatus(intent.IntentID, payments.IntentSucceeded)

	reported := &payments.Intent{
		ID:       intent.IntentID,
		Status:   payments.IntentSucceeded,
		Metadata: map[string]string{payments.MetadataOrderID: placed.Order.ID.String()},
	}
	result, err := f.svc.ReconcileIntent(ctx, reported)
	require.NoError(t, err)
	require.True(t, result.Order.IsPaid)
	require.Zero(t, f.cartCount(t))

	result, err = f.svc.ReconcileIntent(ctx, reported)
	require.NoError(t, err)
	require.True(t, result.AlreadyPaid)
	require.Equal(t, int64(1), f.events(t, enums.EventOrderPaid))

	_, err = f.svc.ReconcileIntent(ctx, &payments.Intent{ID: "pi_x"})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodePaymentMismatch))
}

func TestRecordIntentFailureFromWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.RecordIntentFailure(ctx, &payments.Intent{ID: intent.IntentID, FailureMsg: "insufficient funds"}))
	require.Equal(t, enums.PaymentAttemptFailed, f.attempt(t, intent.IntentID).Status)
	require.NoError(t, f.svc.RecordIntentFailure(ctx, &payments.Intent{ID: "pi_unknown"}))
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)

	_, err := f.svc.Refund(ctx, f.admin, placed.Order.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict), "unpaid orders cannot be refunded")

	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	f.gateway.setStatus(intent.IntentID, payments.IntentSucceeded)
	_, err = f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: intent.IntentID})
	require.NoError(t, err)

	_, err = f.svc.Refund(ctx, f.user, placed.Order.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeForbidden))

	f.gateway.refundErr = errors.New("processor down")
	_, err = f.svc.Refund(ctx, f.admin, placed.Order.ID)
	require.Error(t, err)

	f.gateway.refundErr = nil
	order, err := f.svc.Refund(ctx, f.admin, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, enums.OrderStatusRefunded, order.Status)
	require.Equal(t, []string{intent.IntentID}, f.gateway.refunded)
	require.Equal(t, enums.PaymentAttemptRefunded, f.attempt(t, intent.IntentID).Status)
	require.Equal(t, int64(1), f.events(t, enums.EventOrderRefunded))

	state, err := f.svc.State(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, StateRefunded, state)
}

func TestCreatePaymentIntentReusesOpenIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)

	first, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	second, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, first.IntentID, second.IntentID)
	require.Equal(t, first.ClientSecret, second.ClientSecret)
	require.Len(t, f.gateway.created, 1)

	f.gateway.setStatus(first.IntentID, payments.IntentProcessing)
	third, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.Equal(t, first.IntentID, third.IntentID, "a settling intent is never replaced")
	require.Len(t, f.gateway.created, 1)
}

func TestCreatePaymentIntentReplacesDeadIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)

	first, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	f.gateway.setStatus(first.IntentID, payments.IntentCanceled)

	second, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.IntentID, second.IntentID)
	require.Equal(t, enums.PaymentAttemptFailed, f.attempt(t, first.IntentID).Status)
	require.Equal(t, 2, f.gateway.created[1].Attempt)

	f.gateway.setAmount(second.IntentID, 1)
	third, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.NotEqual(t, second.IntentID, third.IntentID)
	require.Equal(t, []string{second.IntentID}, f.gateway.cancelled, "an open intent for the wrong amount is cancelled")
	require.Equal(t, enums.PaymentAttemptFailed, f.attempt(t, second.IntentID).Status)
}

// twoIntents leaves the order with a failed first attempt whose intent is
// still alive at the gateway, and a second open attempt.
func (f fixture) twoIntents(t *testing.T) (*PlaceOrderResult, *IntentResult, *IntentResult) {
	t.Helper()
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)

	first, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordClientFailure(ctx, f.user, FailureInput{OrderID: placed.Order.ID, PaymentIntentID: first.IntentID, Reason: "timeout"}))
	second, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.IntentID, second.IntentID)
	return placed, first, second
}

func TestSecondCaptureOnPaidOrderIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	placed, first, second := f.twoIntents(t)

	f.gateway.setStatus(first.IntentID, payments.IntentSucceeded)
	f.gateway.setStatus(second.IntentID, payments.IntentSucceeded)

	paid, err := f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: second.IntentID})
	require.NoError(t, err)
	require.False(t, paid.AlreadyPaid)

	result, err := f.svc.ReconcileIntent(ctx, &payments.Intent{
		ID:       first.IntentID,
		Status:   payments.IntentSucceeded,
		Metadata: map[string]string{payments.MetadataOrderID: placed.Order.ID.String()},
	})
	require.NoError(t, err)
	require.True(t, result.AlreadyPaid)
	require.True(t, result.DuplicateRefunded)
	require.Equal(t, []string{first.IntentID}, f.gateway.refunded)
	require.Equal(t, enums.PaymentAttemptRefunded, f.attempt(t, first.IntentID).Status)
	require.Equal(t, enums.PaymentAttemptSucceeded, f.attempt(t, second.IntentID).Status)
	require.Equal(t, second.IntentID, *result.Order.PaymentIntentID)
	require.Equal(t, int64(1), f.events(t, enums.EventOrderPaid))

	again, err := f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: first.IntentID})
	require.NoError(t, err)
	require.False(t, again.DuplicateRefunded)
	require.Len(t, f.gateway.refunded, 1, "a duplicate is refunded once")
}

func TestOpenSecondIntentOnPaidOrderIsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	placed, first, second := f.twoIntents(t)

	f.gateway.setStatus(second.IntentID, payments.IntentSucceeded)
	_, err := f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: second.IntentID})
	require.NoError(t, err)

	result, err := f.svc.ConfirmPayment(ctx, f.user, ConfirmInput{OrderID: placed.Order.ID, PaymentIntentID: first.IntentID})
	require.NoError(t, err)
	require.True(t, result.AlreadyPaid)
	require.Equal(t, []string{first.IntentID}, f.gateway.cancelled)
	require.Empty(t, f.gateway.refunded)
	attempt := f.attempt(t, first.IntentID)
	require.Equal(t, enums.PaymentAttemptFailed, attempt.Status)
	require.Equal(t, "order already paid", *attempt.FailureReason)
}

func TestTruncateReasonKeepsRunesWhole(t *testing.T) {
	ascii := strings.Repeat("a", maxFailureReasonLen+10)
	require.Len(t, truncateReason(ascii), maxFailureReasonLen)

	accented := strings.Repeat("a", maxFailureReasonLen-1) + "é tail"
	got := truncateReason(accented)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("a", maxFailureReasonLen-1), got)

	require.Equal(t, "declined", truncateReason("  declined "))
}

func TestCaptureOnClosedOrderIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.product(t, 2000, 5)
	f.addToCart(t, a.ID, 1)
	placed := f.place(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, f.user, placed.Order.ID)
	require.NoError(t, err)

	require.NoError(t, f.conn.Model(&models.Order{}).Where("id = ?", placed.Order.ID).Update("status", enums.OrderStatusCancelled).Error)
	f.gateway.setStatus(intent.IntentID, payments.IntentSucceeded)
	reported := &payments.Intent{
		ID:       intent.IntentID,
		Status:   payments.IntentSucceeded,
		Metadata: map[string]string{payments.MetadataOrderID: placed.Order.ID.String()},
	}

	for range 2 {
		_, err = f.svc.ReconcileIntent(ctx, reported)
		require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
		require.False(t, pkgerrors.IsRetryable(err))
	}
	require.Equal(t, []string{intent.IntentID}, f.gateway.refunded)
	require.Equal(t, enums.PaymentAttemptRefunded, f.attempt(t, intent.IntentID).Status)
	require.Zero(t, f.events(t, enums.EventOrderPaid))
	require.Equal(t, 1, f.cartCount(t))
}
