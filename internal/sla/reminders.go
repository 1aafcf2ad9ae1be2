package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sla-engine/internal/civil"
	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/rules"
	"sla-engine/internal/telemetry"
)

func (e *Engine) dispatchReminders(ctx context.Context, run *ledger.Run, resolver *rules.Resolver, now time.Time) error {
	items, err := e.store.ListReminderCandidates(ctx, civil.StartOfDay(now))
	if err != nil {
		return fmt.Errorf("list reminder candidates: %w", err)
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.remindItem(ctx, run, resolver, item, now); err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
		run.Inc(CounterRemindersScanned)
	}
	return nil
}

// remindItem fires at most one reminder for item. Notifications are written
// before the dispatch mark, so a crash between the two writes repeats the
// notification on the next run but never skips it.
func (e *Engine) remindItem(ctx context.Context, run *ledger.Run, resolver *rules.Resolver, item models.WorkItem, now time.Time) error {
	if item.Paused() {
		run.Inc(CounterSkippedPaused)
		return nil
	}
	if item.DeadlineAt == nil || item.DeletedAt != nil {
		return nil
	}
	daysLeft := civil.DaysBetween(now, *item.DeadlineAt)
	if daysLeft < 0 {
		return nil
	}
	res := resolver.Resolve(item.Category, item.OrganizationID)
	if !res.HasOffset(daysLeft) {
		return nil
	}

	log := e.log.WithFields(logrus.Fields{"item_id": item.ID, "days_before": daysLeft, "rule_source": res.Source})
	sent, err := e.store.HasDispatchMark(ctx, item.ID, daysLeft)
	if err != nil {
		return fmt.Errorf("check dispatch mark: %w", err)
	}
	if sent {
		run.Inc(CounterRemindersDuplicate)
		return nil
	}

	recipients, _, err := ResolveRecipients(ctx, ReminderStrategies(), item, res)
	if err != nil {
		return err
	}
	notes := reminderNotifications(item, daysLeft, recipients, now)
	if err := e.store.CreateNotifications(ctx, notes); err != nil {
		return fmt.Errorf("create reminder notifications: %w", err)
	}
	run.Add(CounterNotifications, len(notes))
	telemetry.NotificationsCreated.WithLabelValues(models.KindReminder).Add(float64(len(notes)))

	created, err := e.store.CreateDispatchMark(ctx, models.DispatchMark{
		ID:         newID(),
		WorkItemID: item.ID,
		DaysBefore: daysLeft,
		SentAt:     now,
	})
	if err != nil {
		return fmt.Errorf("create dispatch mark: %w", err)
	}
	if !created {
		// An overlapping run marked it first; both runs notified.
		log.Warn("dispatch mark already present after notifying")
		run.Inc(CounterRemindersDuplicate)
		return nil
	}
	run.Inc(CounterRemindersSent)
	telemetry.RemindersSent.Inc()
	log.WithField("recipients", len(notes)).Info("reminder dispatched")
	return nil
}
