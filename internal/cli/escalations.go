package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func resolveCmd(open Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [item-id]",
		Short: "Resolve an open escalation",
		Long:  "Resolve the open escalation on a work item with an optional note. Resolved escalations cannot be resolved again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				item, err := app.Escalations.Resolve(ctx, args[0], note)
				if err != nil {
					return fmt.Errorf("resolve %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s escalation on %s resolved at %s\n",
					color.New(color.FgGreen).Sprint("✓"), item.ID, item.EscalationResolvedAt.UTC().Format("2006-01-02 15:04:05"))
				return nil
			})
		},
	}
	cmd.Flags().String("note", "", "resolution note")
	return cmd
}
