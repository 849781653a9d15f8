package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func healthConfig() *config.Config {
	return &config.Config{App: config.AppConfig{Env: "test"}}
}

func TestHealthLive(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthLive(healthConfig())(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if env := rec.Header().Get("X-Storefront-Env"); env != "test" {
		t.Fatalf("unexpected env header %q", env)
	}
}

func TestHealthReady(t *testing.T) {
	up := pingerFunc(func(ctx context.Context) error { return nil })
	down := pingerFunc(func(ctx context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	HealthReady(healthConfig(), testLogger(), map[string]Pinger{"postgres": up, "redis": up})(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	HealthReady(healthConfig(), testLogger(), map[string]Pinger{"postgres": up, "redis": down})(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	envelope := decodeError(t, rec)
	if envelope.Error.Code != string(pkgerrors.CodeDependency) {
		t.Fatalf("unexpected code %s", envelope.Error.Code)
	}
	checks, _ := envelope.Error.Details["checks"].(map[string]any)
	if checks["redis"] != "down" || checks["postgres"] != "up" {
		t.Fatalf("unexpected checks %v", envelope.Error.Details)
	}
}
