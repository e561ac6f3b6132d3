package server

import (
	"context"
	"errors"
	"testing"

	"MarketSentry/internal/usecase"
	"MarketSentry/pkg/config"
)

type closer struct {
	name  string
	order *[]string
	err   error
}

func (c closer) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestAppStartAndShutdown(t *testing.T) {
	reg := usecase.NewAdapterRegistry(nil, nil, nil, usecase.RegistryConfig{})
	engine := usecase.NewDetectionEngine(usecase.EngineConfig{}, reg, nil, nil, nil)
	app := New(&config.Config{}, nil, nil, reg, engine, nil, nil)

	var order []string
	app.AddCloser(closer{name: "producer", order: &order})
	app.AddCloser(closer{name: "redis", order: &order, err: errors.New("already closed")})
	app.AddCloser(nil)

	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !engine.Status().Scheduled {
		t.Error("scheduler not started")
	}
	if err := app.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if engine.Status().Scheduled {
		t.Error("scheduler still running after shutdown")
	}
	if len(order) != 2 || order[0] != "redis" || order[1] != "producer" {
		t.Errorf("close order = %v, want reverse registration", order)
	}
}

func TestAppStartFailsOnBadSchedule(t *testing.T) {
	reg := usecase.NewAdapterRegistry(nil, nil, nil, usecase.RegistryConfig{})
	engine := usecase.NewDetectionEngine(usecase.EngineConfig{Schedule: "every now and then"}, reg, nil, nil, nil)
	app := New(&config.Config{}, nil, nil, reg, engine, nil, nil)
	if err := app.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
	_ = app.Shutdown(context.Background())
}
