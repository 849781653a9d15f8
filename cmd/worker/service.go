package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/storefront-backend/internal/notifications"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	heartbeatInterval = 30 * time.Second
	pingTimeout       = 5 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

type consumer interface {
	Run(ctx context.Context) error
}

var _ consumer = (*notifications.Consumer)(nil)

type ServiceParams struct {
	Logger   *logger.Logger
	DB       pinger
	Redis    pinger
	PubSub   pinger
	Consumer consumer
}

// dependency is a named readiness check run before consuming starts.
type dependency struct {
	name string
	p    pinger
}

type Service struct {
	logg     *logger.Logger
	deps     []dependency
	consumer consumer
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Consumer == nil {
		return nil, errors.New("notification consumer is required")
	}
	deps := []dependency{
		{name: "database", p: params.DB},
		{name: "redis", p: params.Redis},
		{name: "pubsub", p: params.PubSub},
	}
	for _, dep := range deps {
		if dep.p == nil {
			return nil, fmt.Errorf("%s client is required", dep.name)
		}
	}
	return &Service{logg: params.Logger, deps: deps, consumer: params.Consumer}, nil
}

// checkDependencies pings every dependency and reports all of the failures together.
func (s *Service) checkDependencies(ctx context.Context) error {
	var failures []error
	for _, dep := range s.deps {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := dep.p.Ping(pingCtx)
		cancel()
		if err != nil {
			s.logg.Error(s.logg.WithField(ctx, "dependency", dep.name), "readiness check failed", err)
			failures = append(failures, fmt.Errorf("%s ping failed: %w", dep.name, err))
		}
	}
	return errors.Join(failures...)
}

// Run checks readiness, then blocks until the consumer returns. On
// cancellation it waits for the consumer to drain before returning.
func (s *Service) Run(ctx context.Context) error {
	if err := s.checkDependencies(ctx); err != nil {
		return err
	}
	s.logg.Info(ctx, "worker dependencies ready")

	done := make(chan error, 1)
	go func() { done <- s.consumer.Run(ctx) }()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-heartbeat.C:
			s.logg.Debug(ctx, "worker heartbeat")
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logg.Error(ctx, "consumer stopped unexpectedly", err)
			}
			return err
		case <-ctx.Done():
			s.logg.Info(ctx, "worker shutting down; draining consumer")
			<-done
			return ctx.Err()
		}
	}
}
