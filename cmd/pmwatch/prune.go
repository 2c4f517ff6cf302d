package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loykin/pmwatch/internal/config"
	"github.com/loykin/pmwatch/internal/history/factory"
	"github.com/loykin/pmwatch/internal/retention"
)

// runPrune applies retention to the configured store directly.
func runPrune(cmd *cobra.Command, configPath string, f PruneFlags) error {
	if configPath == "" {
		return fmt.Errorf("config file required for prune. Use --config=config.toml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	horizon := cfg.History.Retention
	if f.OlderThan > 0 {
		horizon = f.OlderThan
	}

	store, err := factory.NewStoreFromDSN(cfg.History.DSN)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sw := retention.New(store, retention.Config{
		Horizon: horizon,
		Logger:  slog.New(slog.DiscardHandler),
	})
	n, err := sw.Sweep(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d samples older than %s\n", n, horizon)
	return err
}
