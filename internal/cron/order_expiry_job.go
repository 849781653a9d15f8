package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	defaultOrderExpiry = 48 * time.Hour
	orderExpiryBatch   = 200
	orderExpiryJobName = "order-expiry"
)

// OrderExpiryJobParams configure the stale pending order sweep.
type OrderExpiryJobParams struct {
	Logger   *logger.Logger
	Orders   pendingOrderReader
	Attempts attemptStore
	Intents  intentCloser
	Expirer  orderExpirer
	Expiry   time.Duration
}

type pendingOrderReader interface {
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type attemptStore interface {
	LatestForOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

type intentCloser interface {
	GetIntent(ctx context.Context, intentID string) (*payments.Intent, error)
	CancelIntent(ctx context.Context, intentID string) (*payments.Intent, error)
}

type orderExpirer interface {
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
}

// NewOrderExpiryJob builds the job that cancels unpaid orders past their expiry.
func NewOrderExpiryJob(params OrderExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("pending orders reader required")
	}
	if params.Attempts == nil {
		return nil, fmt.Errorf("payment attempts store required")
	}
	if params.Intents == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Expirer == nil {
		return nil, fmt.Errorf("order expirer required")
	}
	expiry := params.Expiry
	if expiry <= 0 {
		expiry = defaultOrderExpiry
	}
	return &orderExpiryJob{
		logg:     params.Logger,
		orders:   params.Orders,
		attempts: params.Attempts,
		intents:  params.Intents,
		expirer:  params.Expirer,
		expiry:   expiry,
		batch:    orderExpiryBatch,
		now:      time.Now,
	}, nil
}

type orderExpiryJob struct {
	logg     *logger.Logger
	orders   pendingOrderReader
	attempts attemptStore
	intents  intentCloser
	expirer  orderExpirer
	expiry   time.Duration
	batch    int
	now      func() time.Time
}

func (j *orderExpiryJob) Name() string { return orderExpiryJobName }

func (j *orderExpiryJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.expiry)
	pending, err := j.orders.FindPendingBefore(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query pending orders: %w", err)
	}

	var errs error
	expired, skipped := 0, 0
	for _, order := range pending {
		orderCtx := j.logg.WithOrderID(ctx, order.ID.String())

		attempt, err := j.attempts.LatestForOrder(ctx, order.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("load attempt for order %s: %w", order.ID, err))
			continue
		}
		if attempt != nil {
			orderCtx = j.logg.WithIntentID(orderCtx, attempt.ProviderIntentID)
		}
		live, err := j.closeIntent(orderCtx, attempt)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close intent for order %s: %w", order.ID, err))
			continue
		}
		if live {
			// money may be on its way; the webhook settles it
			j.logg.Warn(orderCtx, "order_expiry.skip_settling_intent")
			skipped++
			continue
		}

		ok, err := j.expirer.Expire(ctx, order.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", order.ID, err))
			continue
		}
		if !ok {
			skipped++
			continue
		}
		expired++
		if attempt != nil && attempt.Status == enums.PaymentAttemptCreated {
			if err := j.attempts.MarkFailed(ctx, attempt.ID, "order expired"); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("fail attempt for order %s: %w", order.ID, err))
			}
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":   cutoff,
		"selected": len(pending),
		"expired":  expired,
		"skipped":  skipped,
	})
	j.logg.Info(logCtx, "order expiry sweep complete")
	return errs
}

// closeIntent makes sure the order's latest intent can no longer take
// money. It reports true when the gateway is settling, or has settled, a
// payment for it.
func (j *orderExpiryJob) closeIntent(ctx context.Context, attempt *models.PaymentAttempt) (bool, error) {
	switch {
	case attempt == nil:
		return false, nil
	case attempt.Status == enums.PaymentAttemptSucceeded:
		return true, nil
	case attempt.Status != enums.PaymentAttemptCreated:
		return false, nil
	}

	intent, err := j.intents.GetIntent(ctx, attempt.ProviderIntentID)
	if err != nil {
		return false, err
	}
	if intent.Settling() {
		return true, nil
	}
	if !intent.Open() {
		return false, nil
	}
	cancelled, err := j.intents.CancelIntent(ctx, intent.ID)
	if err != nil {
		return false, err
	}
	return cancelled.Settling(), nil
}
