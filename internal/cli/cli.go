// Package cli implements slactl, the operator command line for the SLA engine.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/sla"
)

// RuleStore lists and imports deadline rules.
type RuleStore interface {
	ListRules(ctx context.Context) ([]models.DeadlineRule, error)
	ImportRules(ctx context.Context, list []models.DeadlineRule) ([]models.DeadlineRule, error)
}

// App holds what the commands operate on.
type App struct {
	Ledger      *ledger.Ledger
	Escalations *sla.Escalations
	Rules       RuleStore
	RecentRuns  int
}

// Factory opens the application. The returned func releases its resources.
type Factory func(ctx context.Context) (*App, func(), error)

// RootCmd builds the slactl command tree.
func RootCmd(open Factory) *cobra.Command {
	root := &cobra.Command{
		Use:           "slactl",
		Short:         "Operate the SLA deadline engine",
		Long:          "slactl runs and retries SLA jobs, inspects the run ledger, resolves escalations and manages deadline rules.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(open))
	root.AddCommand(retryCmd(open))
	root.AddCommand(resolveCmd(open))
	root.AddCommand(logsCmd(open))
	root.AddCommand(healthCmd(open))
	root.AddCommand(rulesCmd(open))
	return root
}

// NewContext returns a context cancelled on SIGINT/SIGTERM.
func NewContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func withApp(cmd *cobra.Command, open Factory, fn func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, closeApp, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if closeApp != nil {
		defer closeApp()
	}
	return fn(ctx, app)
}
