package sla

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"sla-engine/internal/civil"
	"sla-engine/internal/models"
)

func newID() string { return uuid.New().String() }

func label(item models.WorkItem) string {
	if item.Title != "" {
		return item.Title
	}
	return "Work item " + item.ID
}

func plural(n int) string {
	if n == 1 {
		return "day"
	}
	return "days"
}

func reminderNotifications(item models.WorkItem, daysLeft int, recipients []string, now time.Time) []models.Notification {
	title := fmt.Sprintf("SLA reminder: %s due in %d %s", label(item), daysLeft, plural(daysLeft))
	if daysLeft == 0 {
		title = fmt.Sprintf("SLA reminder: %s is due today", label(item))
	}
	body := fmt.Sprintf("%s (%s) is due on %s.", label(item), item.Category, civil.FormatDate(*item.DeadlineAt))
	return fanOut(item, models.KindReminder, title, body, recipients, now)
}

func escalationNotifications(item models.WorkItem, role string, recipients []string, now time.Time) []models.Notification {
	title := fmt.Sprintf("SLA breached: %s", label(item))
	body := fmt.Sprintf("%s (%s) passed its deadline of %s and was escalated to %s.",
		label(item), item.Category, civil.FormatDate(*item.DeadlineAt), role)
	return fanOut(item, models.KindEscalation, title, body, recipients, now)
}

// fanOut writes one record per recipient, or a single broadcast record.
func fanOut(item models.WorkItem, kind, title, body string, recipients []string, now time.Time) []models.Notification {
	if len(recipients) == 0 {
		return []models.Notification{{
			ID:         newID(),
			Title:      title,
			Body:       body,
			WorkItemID: item.ID,
			Kind:       kind,
			CreatedAt:  now,
		}}
	}
	out := make([]models.Notification, 0, len(recipients))
	for _, r := range recipients {
		recipient := r
		out = append(out, models.Notification{
			ID:          newID(),
			RecipientID: &recipient,
			Title:       title,
			Body:        body,
			WorkItemID:  item.ID,
			Kind:        kind,
			CreatedAt:   now,
		})
	}
	return out
}
