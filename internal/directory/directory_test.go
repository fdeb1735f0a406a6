package directory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"toolmux/internal/client"
	"toolmux/internal/directory"
	"toolmux/internal/pool"
	"toolmux/internal/testutil"
)

// fakeFactoryFor connects every backend except the ones named in broken.
func fakeFactoryFor(broken map[string]bool) func(directory.Spec) pool.Factory {
	return func(spec directory.Spec) pool.Factory {
		return func(ctx context.Context) (*client.Conn, error) {
			if broken[spec.Name] {
				return nil, fmt.Errorf("connection refused")
			}
			fb := testutil.NewFakeBackend(testutil.ToolDef{Name: "echo", Description: "Echo"})
			conn := client.New(spec.Name, fb, nil)
			if err := conn.Open(ctx); err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
}

func TestBootstrapConnectsAllBackends(t *testing.T) {
	specs := []directory.Spec{
		{Name: "alpha", Command: "alpha-server"},
		{Name: "beta", Command: "beta-server"},
	}
	d := directory.NewWithFactory(specs, fakeFactoryFor(nil), nil)
	defer d.Shutdown()

	d.Bootstrap(context.Background())

	names := d.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("names = %v", names)
	}
	for _, b := range d.Backends() {
		if b.Status() != directory.StatusRunning {
			t.Errorf("backend %s status = %s", b.Spec.Name, b.Status())
		}
	}
}

func TestBootstrapOmitsUnreachableBackend(t *testing.T) {
	specs := []directory.Spec{
		{Name: "good", Command: "good-server"},
		{Name: "bad", Command: "bad-server"},
	}
	d := directory.NewWithFactory(specs, fakeFactoryFor(map[string]bool{"bad": true}), nil)
	defer d.Shutdown()

	d.Bootstrap(context.Background())

	if names := d.Names(); len(names) != 1 || names[0] != "good" {
		t.Fatalf("names = %v, want only good", names)
	}
	if _, err := d.Get("bad"); !errors.Is(err, directory.ErrBackendNotFound) {
		t.Errorf("Get(bad) err = %v, want ErrBackendNotFound", err)
	}
}

func TestInvokeAndListTools(t *testing.T) {
	specs := []directory.Spec{{Name: "alpha", Command: "alpha-server"}}
	d := directory.NewWithFactory(specs, fakeFactoryFor(nil), nil)
	defer d.Shutdown()
	d.Bootstrap(context.Background())

	tools, err := d.ListTools(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}

	result, err := d.Invoke(context.Background(), "alpha", "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.IsError || len(result.Content) == 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestInvokeUnknownBackend(t *testing.T) {
	d := directory.NewWithFactory(nil, fakeFactoryFor(nil), nil)
	defer d.Shutdown()
	d.Bootstrap(context.Background())

	_, err := d.Invoke(context.Background(), "ghost", "echo", nil)
	if !errors.Is(err, directory.ErrBackendNotFound) {
		t.Errorf("err = %v, want ErrBackendNotFound", err)
	}
}

func TestPooledBackendInvocation(t *testing.T) {
	specs := []directory.Spec{{
		Name:              "pooled",
		SocketURL:         "ws://fake",
		UseConnectionPool: true,
		Pool:              pool.Config{Min: 1, Max: 2},
	}}
	d := directory.NewWithFactory(specs, fakeFactoryFor(nil), nil)
	defer d.Shutdown()
	d.Bootstrap(context.Background())

	b, err := d.Get("pooled")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.PoolStats(); !ok {
		t.Fatal("expected pool stats for pooled backend")
	}

	result, err := d.Invoke(context.Background(), "pooled", "echo", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result.IsError {
		t.Errorf("result = %+v", result)
	}

	// The pooled connection must be back to idle after the call.
	stats, _ := b.PoolStats()
	if stats.InUse != 0 {
		t.Errorf("in-use after Invoke = %d, want 0", stats.InUse)
	}
}

func TestShutdownStopsBackends(t *testing.T) {
	specs := []directory.Spec{{Name: "alpha", Command: "alpha-server"}}
	d := directory.NewWithFactory(specs, fakeFactoryFor(nil), nil)
	d.Bootstrap(context.Background())

	backends := d.Backends()
	d.Shutdown()

	for _, b := range backends {
		if b.Status() != directory.StatusStopped {
			t.Errorf("backend %s status = %s, want stopped", b.Spec.Name, b.Status())
		}
	}
}
