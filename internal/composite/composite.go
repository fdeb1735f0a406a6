// Package composite implements the proxy's locally served tools: catalog
// introspection, backend latency probes, chain execution, and chain run
// history.
package composite

import (
	"context"
	"fmt"
	"time"

	"toolmux/internal/catalog"
	"toolmux/internal/chain"
	"toolmux/internal/directory"
	"toolmux/internal/dispatch"
	"toolmux/internal/observability"
)

// toolInfo is one row of the composite_list_tools output.
type toolInfo struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	LocalName   string `json:"localName"`
	Description string `json:"description,omitempty"`
}

// latencyReport is one row of the composite_backend_latency output.
type latencyReport struct {
	Backend    string `json:"backend"`
	Status     string `json:"status"`
	LatencyMs  int64  `json:"latencyMs"`
	ToolCount  int    `json:"toolCount,omitempty"`
	Error      string `json:"error,omitempty"`
	Reconnects int    `json:"reconnects"`
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// RegisterBuiltins publishes the proxy's own tools into the catalog.
func RegisterBuiltins(d *dispatch.Dispatcher, dir *directory.Directory, cat *catalog.Catalog, history *chain.History) error {
	if err := d.RegisterComposite(
		"composite_list_tools",
		"List every tool the proxy currently serves, with its owning backend",
		emptySchema(),
		func(_ context.Context, _ map[string]any) (any, error) {
			entries := cat.List()
			out := make([]toolInfo, 0, len(entries))
			for _, e := range entries {
				out = append(out, toolInfo{
					Name:        e.FinalName,
					Owner:       e.Owner,
					LocalName:   e.LocalName,
					Description: e.Description,
				})
			}
			return out, nil
		},
	); err != nil {
		return err
	}

	if err := d.RegisterComposite(
		"composite_backend_latency",
		"Measure round-trip latency to each running backend via tools/list",
		emptySchema(),
		func(ctx context.Context, _ map[string]any) (any, error) {
			backends := dir.Backends()
			out := make([]latencyReport, 0, len(backends))
			for _, b := range backends {
				report := latencyReport{
					Backend:    b.Spec.Name,
					Status:     string(b.Status()),
					Reconnects: b.Reconnects(),
				}
				if b.Status() == directory.StatusRunning {
					start := time.Now()
					tools, err := dir.ListTools(ctx, b.Spec.Name)
					report.LatencyMs = time.Since(start).Milliseconds()
					if err != nil {
						report.Error = err.Error()
					} else {
						report.ToolCount = len(tools)
					}
				}
				out = append(out, report)
			}
			return out, nil
		},
	); err != nil {
		return err
	}

	if history != nil {
		if err := d.RegisterComposite(
			"composite_chain_history",
			"Return recent chain runs with per-step outcomes",
			emptySchema(),
			func(_ context.Context, _ map[string]any) (any, error) {
				return history.Recent(), nil
			},
		); err != nil {
			return err
		}
	}

	return nil
}

// RegisterChains publishes every loaded chain as a callable chain_<name> tool.
func RegisterChains(d *dispatch.Dispatcher, exec *chain.Executor, metrics *observability.Metrics) error {
	for _, def := range exec.Definitions() {
		def := def
		name := "chain_" + def.Name
		description := def.Description
		if description == "" {
			description = fmt.Sprintf("Run the %q chain (%d steps)", def.Name, len(def.Steps))
		}

		schema := map[string]any{
			"type": "object",
			"properties": map[string]any{
				"params": map[string]any{
					"type":        "object",
					"description": "Initial parameters, reachable from step templates as ${params.<key>}",
				},
			},
		}

		err := d.RegisterComposite(name, description, schema,
			func(ctx context.Context, args map[string]any) (any, error) {
				initial := args
				if nested, ok := args["params"].(map[string]any); ok {
					initial = nested
				}
				result, err := exec.Execute(ctx, def.Name, initial)
				if err != nil {
					return nil, err
				}
				for _, step := range result.Steps {
					metrics.RecordChainStep(ctx, def.Name, string(step.Status))
				}
				return result, nil
			},
		)
		if err != nil {
			return fmt.Errorf("failed to register chain %q: %w", def.Name, err)
		}
	}
	return nil
}
