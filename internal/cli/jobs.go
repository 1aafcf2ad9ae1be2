package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
)

// ErrRunFailed is returned when a job ran but closed as failed.
var ErrRunFailed = errors.New("job run failed")

func runCmd(open Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "run [job]",
		Short: "Run a job now and record it in the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				row, err := app.Ledger.Run(ctx, args[0], models.TriggerCLI)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), colorStatus(row.Status)+" "+ledger.Acknowledge(row))
				return failedErr(row)
			})
		},
	}
}

func retryCmd(open Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job]",
		Short: "Re-run a job synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				msg, row, err := app.Ledger.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), colorStatus(row.Status)+" "+msg)
				return failedErr(row)
			})
		},
	}
}

func logsCmd(open Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List ledger rows, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, _ := cmd.Flags().GetString("job")
			failed, _ := cmd.Flags().GetBool("failed")
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				runs, err := app.Ledger.Logs(ctx, models.RunFilter{JobName: job, FailedOnly: failed, Limit: limit})
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
					return nil
				}
				printRuns(cmd, runs)
				return nil
			})
		},
	}
	cmd.Flags().String("job", "", "only rows for this job")
	cmd.Flags().Bool("failed", false, "only failed rows")
	cmd.Flags().Int("limit", 20, "maximum rows")
	return cmd
}

func healthCmd(open Factory) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store latency, entity counts and recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				report := app.Ledger.Health(ctx, app.RecentRuns)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Status: %s\n", colorStatus(report.Status))
				fmt.Fprintf(out, "Store latency: %.1fms\n", report.StoreLatencyMs)
				if report.StoreError != nil {
					fmt.Fprintf(out, "Store error: %s\n", *report.StoreError)
					return fmt.Errorf("store unreachable")
				}
				c := report.Counts
				fmt.Fprintf(out, "Tracked items: %d  Paused: %d  Open escalations: %d  Failed runs (24h): %d  Dispatch marks: %d\n",
					c.TrackedItems, c.PausedItems, c.OpenEscalations, c.FailedRuns24h, c.DispatchMarks)
				if report.QueueDepth != nil {
					fmt.Fprintf(out, "Queued retries: %d\n", *report.QueueDepth)
				}
				if len(report.RecentRuns) > 0 {
					fmt.Fprintln(out)
					printRuns(cmd, report.RecentRuns)
				}
				return nil
			})
		},
	}
}

func printRuns(cmd *cobra.Command, runs []models.JobRun) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tJOB\tTRIGGER\tSTATUS\tDURATION\tCOUNTERS\tERROR")
	for _, r := range runs {
		errText := "-"
		if r.Error != nil {
			errText = *r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\t%s\n",
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			r.JobName,
			r.Trigger,
			colorStatus(r.Status),
			r.DurationMs,
			formatCounters(r.Counters),
			errText,
		)
	}
	w.Flush()
}

func formatCounters(counters map[string]int) string {
	if len(counters) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counters[k]))
	}
	return strings.Join(parts, ",")
}

func colorStatus(status string) string {
	switch status {
	case models.StatusSuccess, ledger.HealthOK:
		return color.New(color.FgGreen).Sprint(status)
	case models.StatusPartial, models.StatusRunning, ledger.HealthDegraded:
		return color.New(color.FgYellow).Sprint(status)
	default:
		return color.New(color.FgRed).Sprint(status)
	}
}

func failedErr(row models.JobRun) error {
	if row.Status == models.StatusFailed {
		return fmt.Errorf("%w: %s", ErrRunFailed, row.JobName)
	}
	return nil
}
