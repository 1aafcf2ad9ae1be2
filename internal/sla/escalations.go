package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/rules"
	"sla-engine/internal/telemetry"
)

func (e *Engine) raiseEscalations(ctx context.Context, run *ledger.Run, resolver *rules.Resolver, now time.Time) error {
	items, err := e.store.ListOverdueCandidates(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue candidates: %w", err)
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.escalateItem(ctx, run, resolver, item, now); err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
		run.Inc(CounterOverdueScanned)
	}
	return nil
}

// escalateItem moves item from Tracking to Escalated. Recipients are resolved
// first and the store commits the conditional transition together with its
// notifications, so overlapping runs notify once and a failed write leaves the
// item for the next run.
func (e *Engine) escalateItem(ctx context.Context, run *ledger.Run, resolver *rules.Resolver, item models.WorkItem, now time.Time) error {
	if item.Paused() {
		run.Inc(CounterSkippedPaused)
		return nil
	}
	if item.Escalated() || item.DeletedAt != nil || item.DeadlineAt == nil || !item.DeadlineAt.Before(now) {
		return nil
	}

	res := resolver.Resolve(item.Category, item.OrganizationID)
	recipients, tier, err := ResolveRecipients(ctx, EscalationStrategies(e.dir), item, res)
	if err != nil {
		return err
	}
	notes := escalationNotifications(item, res.EscalationRole, recipients, now)

	won, err := e.store.EscalateWithNotifications(ctx, item.ID, now, notes)
	if err != nil {
		return fmt.Errorf("escalate: %w", err)
	}
	if !won {
		run.Inc(CounterEscalationsRaced)
		return nil
	}
	run.Inc(CounterEscalationsRaised)
	run.Add(CounterNotifications, len(notes))
	telemetry.EscalationsRaised.Inc()
	telemetry.NotificationsCreated.WithLabelValues(models.KindEscalation).Add(float64(len(notes)))

	e.log.WithFields(logrus.Fields{
		"item_id":    item.ID,
		"role":       res.EscalationRole,
		"tier":       tier,
		"recipients": len(notes),
	}).Info("work item escalated")
	return nil
}
