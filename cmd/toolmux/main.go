// toolmux is a tool-protocol proxy: it connects a set of backend tool servers,
// aggregates their catalogs under namespaced names, and serves the combined
// surface over stdio as if it were a single backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"toolmux/internal/app"
	"toolmux/internal/catalog"
	"toolmux/internal/chain"
	"toolmux/internal/config"
	"toolmux/internal/logging"
	"toolmux/internal/server"
)

const version = "0.1.0"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "toolmux",
		Short:        "Aggregating proxy for tool-protocol backends",
		Long:         "toolmux connects multiple backend tool servers and serves their combined,\nnamespace-prefixed catalog over stdio as a single server.",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: toolmux.yaml in . or $HOME)")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newToolsCommand(&configPath))
	rootCmd.AddCommand(newChainsCommand(&configPath))

	return rootCmd
}

// buildApp loads config, sets up the root logger, and wires the app.
func buildApp(configPath string) (*app.App, *logging.Root, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	// The stdio protocol owns stdout, so logs default to stderr or the
	// configured file.
	root, err := logging.NewRoot(logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File:  cfg.Log.File,
	})
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(cfg, root)
	if err != nil {
		_ = root.Close()
		return nil, nil, err
	}
	return a, root, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect all backends and serve the aggregated catalog over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, root, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = root.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				a.Shutdown()
				return err
			}
			defer a.Shutdown()

			front := server.NewStdio(a.Catalog, a.Dispatcher, os.Stdin, os.Stdout, root.Component("server"))
			if err := front.Serve(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}

func newToolsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Connect all backends and print the aggregated catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, root, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = root.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				a.Shutdown()
				return err
			}
			defer a.Shutdown()

			printCatalog(a.Catalog)
			return nil
		},
	}
}

func printCatalog(cat *catalog.Catalog) {
	entries := cat.List()
	fmt.Printf("%s (%d tools)\n\n", bold("Aggregated catalog"), len(entries))
	for _, owner := range cat.Owners() {
		fmt.Printf("%s\n", cyan(owner))
		for _, e := range entries {
			if e.Owner != owner {
				continue
			}
			fmt.Printf("  %s  %s\n", green(e.FinalName), e.Description)
		}
		fmt.Println()
	}
}

func newChainsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "Validate and list the configured chain definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Chains == "" {
				fmt.Println(yellow("No chains file configured"))
				return nil
			}

			defs, err := chain.Load(cfg.Chains)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%d chains)\n\n", bold("Chain definitions"), len(defs))
			for _, def := range defs {
				fmt.Printf("%s  %d steps", green("chain_"+def.Name), len(def.Steps))
				if def.Description != "" {
					fmt.Printf("  %s", def.Description)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
