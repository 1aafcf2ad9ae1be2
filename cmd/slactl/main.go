package main

import (
	"context"
	"fmt"
	"os"

	"sla-engine/internal/app"
	"sla-engine/internal/cli"
	"sla-engine/internal/config"
)

func main() {
	open := func(ctx context.Context) (*cli.App, func(), error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.LogLevel == "info" {
			cfg.LogLevel = "warn"
		}
		svc, err := app.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return &cli.App{
			Ledger:      svc.Ledger,
			Escalations: svc.Escalations,
			Rules:       svc.Store,
			RecentRuns:  cfg.HealthRecentRuns,
		}, svc.Close, nil
	}

	ctx, cancel := cli.NewContext()
	defer cancel()
	if err := cli.RootCmd(open).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
