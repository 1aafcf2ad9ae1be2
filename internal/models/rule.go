package models

import "time"

// DeadlineRule configures reminder offsets and the escalation role for a category,
// optionally scoped to one organization.
type DeadlineRule struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	OrganizationID *string   `json:"organization_id,omitempty"`
	DueDays        int       `json:"due_days"`
	ReminderDays   []int     `json:"reminder_days"`
	EscalationRole string    `json:"escalation_role"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}
