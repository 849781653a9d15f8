package cron

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrderAndCopies(t *testing.T) {
	jobA, jobB := &stubJob{name: "a"}, &stubJob{name: "b"}
	registry, err := NewRegistry(jobA, nil, jobB)
	require.NoError(t, err)

	jobs := registry.Jobs()
	require.Equal(t, []Job{jobA, jobB}, jobs)

	jobs[0] = nil
	assert.NotNil(t, registry.Jobs()[0])
}

func TestRegistryRejectsDuplicateAndBlankNames(t *testing.T) {
	_, err := NewRegistry(&stubJob{name: "order-expiry"}, &stubJob{name: "order-expiry"})
	require.ErrorContains(t, err, "registered twice")

	_, err = NewRegistry(&stubJob{name: " "})
	require.Error(t, err)
}

func TestRegistrySelect(t *testing.T) {
	expiry, retention, cleanup := &stubJob{name: "order-expiry"}, &stubJob{name: "outbox-retention"}, &stubJob{name: "notification-cleanup"}
	registry, err := NewRegistry(expiry, retention, cleanup)
	require.NoError(t, err)

	all, err := registry.Select()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	picked, err := registry.Select("notification-cleanup", "order-expiry")
	require.NoError(t, err)
	assert.Equal(t, []Job{expiry, cleanup}, picked)

	_, err = registry.Select("nightly-report")
	require.ErrorContains(t, err, "unknown cron job")
}
