package app

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"toolmux/internal/config"
	"toolmux/internal/logging"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewWiresEveryComponent(t *testing.T) {
	dir := t.TempDir()
	chains := writeFile(t, dir, "chains.yaml", `
chains:
  - name: greet
    steps:
      - backend: alpha
        tool: echo
        outputKey: out
`)

	cfg := &config.Config{
		Backends: []config.BackendConfig{{Name: "alpha", Command: "alpha-server"}},
		Chains:   chains,
		Gate:     config.GateConfig{OutputDir: dir, Threshold: 4096},
		Admin:    config.AdminConfig{Enabled: true, ListenAddr: "127.0.0.1:0"},
	}

	root := logging.NewTestRoot(io.Discard, logging.WARN)
	a, err := New(cfg, root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if a.Directory == nil || a.Catalog == nil || a.Gate == nil || a.Dispatcher == nil {
		t.Fatal("core components not wired")
	}
	if a.Executor == nil || a.History == nil {
		t.Error("chains configured but executor or history missing")
	}
	if a.Admin == nil {
		t.Error("admin enabled but server missing")
	}

	a.Shutdown()
}

func TestNewSkipsOptionalComponents(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{{Name: "alpha", Command: "alpha-server"}},
		Gate:     config.GateConfig{OutputDir: t.TempDir()},
	}

	a, err := New(cfg, logging.NewTestRoot(io.Discard, logging.WARN))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if a.Executor != nil || a.History != nil {
		t.Error("executor should be nil without a chains file")
	}
	if a.Admin != nil {
		t.Error("admin should be nil when disabled")
	}

	a.Shutdown()
}

func TestNewRejectsBadChainsFile(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{{Name: "alpha", Command: "alpha-server"}},
		Chains:   filepath.Join(t.TempDir(), "missing.yaml"),
	}

	if _, err := New(cfg, logging.NewTestRoot(io.Discard, logging.WARN)); err == nil {
		t.Fatal("expected error for missing chains file")
	}
}
