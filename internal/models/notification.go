package models

import "time"

// Notification kinds written by the engine.
const (
	KindReminder   = "sla_reminder"
	KindEscalation = "sla_escalation"
)

// Notification is a durable record consumed by the delivery subsystem.
// A nil RecipientID means an organization-wide broadcast.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID *string   `json:"recipient_id,omitempty"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	WorkItemID  string    `json:"work_item_id"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}
