package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sla-engine/internal/models"
)

// ruleFile is the YAML layout accepted by "rules import".
type ruleFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID             string  `yaml:"id"`
	Category       string  `yaml:"category"`
	OrganizationID *string `yaml:"organization_id"`
	DueDays        int     `yaml:"due_days"`
	ReminderDays   []int   `yaml:"reminder_days"`
	EscalationRole string  `yaml:"escalation_role"`
	Active         *bool   `yaml:"active"`
}

// ParseRules decodes a rule file. Rules are active unless they say otherwise.
func ParseRules(data []byte) ([]models.DeadlineRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	out := make([]models.DeadlineRule, 0, len(f.Rules))
	for i, d := range f.Rules {
		if strings.TrimSpace(d.Category) == "" {
			return nil, fmt.Errorf("rule %d: category is required", i)
		}
		for _, days := range d.ReminderDays {
			if days <= 0 {
				return nil, fmt.Errorf("rule %d: reminder_days must be positive, got %d", i, days)
			}
		}
		active := true
		if d.Active != nil {
			active = *d.Active
		}
		out = append(out, models.DeadlineRule{
			ID:             d.ID,
			Category:       strings.TrimSpace(d.Category),
			OrganizationID: d.OrganizationID,
			DueDays:        d.DueDays,
			ReminderDays:   d.ReminderDays,
			EscalationRole: strings.TrimSpace(d.EscalationRole),
			Active:         active,
		})
	}
	return out, nil
}

func rulesCmd(open Factory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage deadline rules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List deadline rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				rules, err := app.Rules.ListRules(ctx)
				if err != nil {
					return err
				}
				if len(rules) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No rules configured; defaults apply.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCATEGORY\tORGANIZATION\tREMINDERS\tROLE\tACTIVE")
				for _, r := range rules {
					org := "(global)"
					if r.OrganizationID != nil {
						org = *r.OrganizationID
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n", r.ID, r.Category, org, joinInts(r.ReminderDays), r.EscalationRole, r.Active)
				}
				w.Flush()
				return nil
			})
		},
	}

	imp := &cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Create or update rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			parsed, err := ParseRules(data)
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				saved, err := app.Rules.ImportRules(ctx, parsed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rule(s)\n", len(saved))
				return nil
			})
		},
	}

	cmd.AddCommand(list, imp)
	return cmd
}

func joinInts(v []int) string {
	if len(v) == 0 {
		return "-"
	}
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
