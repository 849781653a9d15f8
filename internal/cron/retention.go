package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	notificationRetentionDays = 90
	outboxRetentionDays       = 30
	outboxMaxAttempts         = 10
)

type NotificationCleanupJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository notificationsCleanupRepo
	Retention  int
}

type notificationsCleanupRepo interface {
	DeleteReadBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Repository  outboxRetentionRepo
	Retention   int
	MaxAttempts int
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, maxAttempts int) (int64, error)
}

// pruneStep deletes one class of rows older than cutoff; field names the
// count in the completion log.
type pruneStep struct {
	field string
	run   func(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// pruneJob runs its steps in one transaction, so a failing step rolls back
// the ones before it.
type pruneJob struct {
	name      string
	logg      *logger.Logger
	db        txRunner
	retention int
	steps     []pruneStep
	now       func() time.Time
}

// NewNotificationCleanupJob removes notifications read more than Retention
// days ago. Unread rows are kept regardless of age.
func NewNotificationCleanupJob(params NotificationCleanupJobParams) (Job, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("notifications repository required")
	}
	return newPruneJob("notification-cleanup", params.Logger, params.DB,
		positiveOr(params.Retention, notificationRetentionDays),
		pruneStep{field: "read_deleted", run: params.Repository.DeleteReadBefore},
	)
}

// NewOutboxRetentionJob removes published outbox rows and rows that hit the
// attempt ceiling. Terminal rows already have a copy in outbox_dlq.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	maxAttempts := positiveOr(params.MaxAttempts, outboxMaxAttempts)
	repo := params.Repository
	return newPruneJob("outbox-retention", params.Logger, params.DB,
		positiveOr(params.Retention, outboxRetentionDays),
		pruneStep{field: "published_purged", run: repo.DeletePublishedBefore},
		pruneStep{field: "terminal_purged", run: func(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
			return repo.DeleteTerminalBefore(ctx, tx, cutoff, maxAttempts)
		}},
	)
}

func newPruneJob(name string, logg *logger.Logger, db txRunner, retention int, steps ...pruneStep) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if db == nil {
		return nil, fmt.Errorf("db runner required")
	}
	return &pruneJob{
		name:      name,
		logg:      logg,
		db:        db,
		retention: retention,
		steps:     steps,
		now:       time.Now,
	}, nil
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func (j *pruneJob) Name() string { return j.name }

func (j *pruneJob) cutoff() time.Time {
	return j.now().UTC().AddDate(0, 0, -j.retention)
}

func (j *pruneJob) Run(ctx context.Context) error {
	cutoff := j.cutoff()
	fields := map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
	}
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		for _, step := range j.steps {
			rows, err := step.run(ctx, tx, cutoff)
			if err != nil {
				return fmt.Errorf("%s: %w", step.field, err)
			}
			fields[step.field] = rows
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	j.logg.Info(j.logg.WithFields(ctx, fields), "retention cleanup complete")
	return nil
}
