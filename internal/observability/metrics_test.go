package observability

import (
	"context"
	"testing"
	"time"

	"toolmux/internal/pool"
)

func TestDisabledMetricsAreSafe(t *testing.T) {
	m, err := NewMetrics(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// Every record path must be a no-op, not a panic.
	m.RecordDispatch(ctx, "alpha", "echo", 10*time.Millisecond, nil)
	m.RecordDispatch(ctx, "alpha", "echo", 10*time.Millisecond, context.DeadlineExceeded)
	m.RecordChainStep(ctx, "greet", "success")
	m.RecordSpill(ctx, "alpha", "echo")
	m.Start()

	if err := m.RegisterPoolStats(func() map[string]pool.Stats { return nil }); err != nil {
		t.Errorf("RegisterPoolStats on disabled metrics: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestEnabledMetricsRecord(t *testing.T) {
	m, err := NewMetrics(Config{Enabled: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = m.Shutdown(context.Background()) }()

	ctx := context.Background()
	m.RecordDispatch(ctx, "alpha", "echo", 5*time.Millisecond, nil)
	m.RecordChainStep(ctx, "greet", "failed")
	m.RecordSpill(ctx, "alpha", "echo")

	err = m.RegisterPoolStats(func() map[string]pool.Stats {
		return map[string]pool.Stats{"alpha": {Size: 2, InUse: 1}}
	})
	if err != nil {
		t.Errorf("RegisterPoolStats: %v", err)
	}
}
