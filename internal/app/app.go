// Package app wires the proxy's components together from a loaded config:
// directory, catalog, gate, transformer chain, chains, metrics, and the admin
// surface.
package app

import (
	"context"
	"fmt"
	"time"

	"toolmux/internal/admin"
	"toolmux/internal/catalog"
	"toolmux/internal/chain"
	"toolmux/internal/composite"
	"toolmux/internal/config"
	"toolmux/internal/directory"
	"toolmux/internal/dispatch"
	"toolmux/internal/gate"
	"toolmux/internal/logging"
	"toolmux/internal/observability"
	"toolmux/internal/pool"
	"toolmux/internal/reshape"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived component of a running proxy.
type App struct {
	Config     *config.Config
	Directory  *directory.Directory
	Catalog    *catalog.Catalog
	Gate       *gate.Gate
	Reshaper   *reshape.Chain
	Metrics    *observability.Metrics
	Dispatcher *dispatch.Dispatcher
	Executor   *chain.Executor
	History    *chain.History
	Admin      *admin.Server

	logger logging.Logger
}

// New builds an app from config. Nothing is connected yet; call Start.
func New(cfg *config.Config, root *logging.Root) (*App, error) {
	a := &App{
		Config:   cfg,
		Catalog:  catalog.New(),
		Reshaper: reshape.NewChain(root.Component("reshape")),
		logger:   root.Component("app"),
	}

	var gateOpts []gate.Option
	if cfg.Gate.Threshold > 0 {
		gateOpts = append(gateOpts, gate.WithThreshold(cfg.Gate.Threshold))
	}
	a.Gate = gate.New(cfg.Gate.OutputDir, root.Component("gate"), gateOpts...)

	metrics, err := observability.NewMetrics(cfg.Metrics, root.Component("metrics"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	a.Metrics = metrics

	a.Directory = directory.New(cfg.BackendSpecs(), root.Component("directory"))
	a.Dispatcher = dispatch.New(a.Directory, a.Catalog, a.Gate, a.Reshaper, a.Metrics, root.Component("dispatch"))

	if cfg.Chains != "" {
		defs, err := chain.Load(cfg.Chains)
		if err != nil {
			return nil, fmt.Errorf("failed to load chains: %w", err)
		}
		history, err := chain.NewHistory(0, 0)
		if err != nil {
			return nil, err
		}
		a.History = history
		a.Executor = chain.NewExecutor(defs, a.Dispatcher, root.Component("chain"), history)
	}

	if cfg.Admin.Enabled {
		a.Admin = admin.NewServer(cfg.Admin.ListenAddr, a.Directory, a.Catalog, a.Executor, a.History, root.Component("admin"))
	}

	return a, nil
}

// Start connects the backends, imports their tools, registers local tools and
// chains, and brings up the metrics and admin endpoints.
func (a *App) Start(ctx context.Context) error {
	a.Directory.SetOnReconnect(a.reimportBackend)
	a.Directory.Bootstrap(ctx)

	for _, name := range a.Directory.Names() {
		if err := a.importBackend(ctx, name); err != nil {
			a.logger.Warn("Failed to import tools from %q: %v", name, err)
		}
	}

	if err := composite.RegisterBuiltins(a.Dispatcher, a.Directory, a.Catalog, a.History); err != nil {
		return fmt.Errorf("failed to register composite tools: %w", err)
	}
	if a.Executor != nil {
		if err := composite.RegisterChains(a.Dispatcher, a.Executor, a.Metrics); err != nil {
			return err
		}
	}

	if err := a.Metrics.RegisterPoolStats(a.poolStats); err != nil {
		return fmt.Errorf("failed to register pool metrics: %w", err)
	}
	a.Metrics.Start()

	if a.Admin != nil {
		a.Admin.Start()
	}

	a.logger.Info("Serving %d tools from %d backends", a.Catalog.Len(), len(a.Directory.Names()))
	return nil
}

func (a *App) importBackend(ctx context.Context, name string) error {
	tools, err := a.Directory.ListTools(ctx, name)
	if err != nil {
		return err
	}
	return a.Catalog.ImportFrom(name, tools)
}

// reimportBackend refreshes a backend's catalog rows after a reconnect.
func (a *App) reimportBackend(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Catalog.Remove(name)
	if err := a.importBackend(ctx, name); err != nil {
		a.logger.Warn("Failed to re-import tools from %q: %v", name, err)
	}
}

func (a *App) poolStats() map[string]pool.Stats {
	out := make(map[string]pool.Stats)
	for _, b := range a.Directory.Backends() {
		if stats, ok := b.PoolStats(); ok {
			out[b.Spec.Name] = stats
		}
	}
	return out
}

// Shutdown stops everything in reverse dependency order.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.Admin != nil {
		if err := a.Admin.Stop(ctx); err != nil {
			a.logger.Warn("Admin shutdown failed: %v", err)
		}
	}
	if err := a.Metrics.Shutdown(ctx); err != nil {
		a.logger.Warn("Metrics shutdown failed: %v", err)
	}
	a.Directory.Shutdown()
}
