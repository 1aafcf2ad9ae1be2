package sla

import (
	"context"
	"fmt"
	"strings"

	"sla-engine/internal/models"
	"sla-engine/internal/rules"
)

// TierBroadcast names the last-resort tier: one notification with no recipient.
const TierBroadcast = "broadcast"

// RecipientStrategy is one fallback tier of a notification fan-out.
type RecipientStrategy interface {
	Name() string
	Recipients(ctx context.Context, item models.WorkItem, res rules.Resolution) ([]string, error)
}

// RoleMembers returns holders of the escalation role within the item's organization.
type RoleMembers struct {
	Directory Directory
}

// Name implements RecipientStrategy.
func (RoleMembers) Name() string { return "role" }

// Recipients implements RecipientStrategy.
func (s RoleMembers) Recipients(ctx context.Context, item models.WorkItem, res rules.Resolution) ([]string, error) {
	if s.Directory == nil || res.EscalationRole == "" {
		return nil, nil
	}
	ids, err := s.Directory.RoleMembers(ctx, item.OrganizationID, res.EscalationRole)
	if err != nil {
		return nil, fmt.Errorf("role members %q: %w", res.EscalationRole, err)
	}
	return ids, nil
}

// Assignees returns the item's responsible parties.
type Assignees struct{}

// Name implements RecipientStrategy.
func (Assignees) Name() string { return "assignees" }

// Recipients implements RecipientStrategy.
func (Assignees) Recipients(_ context.Context, item models.WorkItem, _ rules.Resolution) ([]string, error) {
	return item.Assignees, nil
}

// ReminderStrategies fans reminders out to assignees, else broadcast.
func ReminderStrategies() []RecipientStrategy {
	return []RecipientStrategy{Assignees{}}
}

// EscalationStrategies tries role members, then assignees, then broadcast.
func EscalationStrategies(dir Directory) []RecipientStrategy {
	return []RecipientStrategy{RoleMembers{Directory: dir}, Assignees{}}
}

// ResolveRecipients walks strategies in order and returns the first non-empty
// set, de-duplicated, with the tier that produced it. An empty result means
// broadcast.
func ResolveRecipients(ctx context.Context, strategies []RecipientStrategy, item models.WorkItem, res rules.Resolution) ([]string, string, error) {
	for _, s := range strategies {
		ids, err := s.Recipients(ctx, item, res)
		if err != nil {
			return nil, "", err
		}
		if ids = dedupe(ids); len(ids) > 0 {
			return ids, s.Name(), nil
		}
	}
	return nil, TierBroadcast, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
