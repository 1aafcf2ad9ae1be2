package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// WorkItem carries the deadline-relevant fields of a case-like entity.
type WorkItem struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Category             string     `json:"category"`
	OrganizationID       *string    `json:"organization_id,omitempty"`
	DeadlineAt           *time.Time `json:"deadline_at,omitempty"`
	PausedAt             *time.Time `json:"paused_at,omitempty"`
	EscalatedAt          *time.Time `json:"escalated_at,omitempty"`
	EscalationResolvedAt *time.Time `json:"escalation_resolved_at,omitempty"`
	ResolutionNote       *string    `json:"resolution_note,omitempty"`
	Assignees            []string   `json:"assignees"`
	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
}

// Paused reports whether the pause gate is closed for the item.
func (w WorkItem) Paused() bool { return w.PausedAt != nil }

// Escalated reports whether an escalation instant has been recorded.
func (w WorkItem) Escalated() bool { return w.EscalatedAt != nil }

// Resolved reports whether the escalation has been closed by a human.
func (w WorkItem) Resolved() bool { return w.EscalationResolvedAt != nil }

// EscalationState names the item's position in Tracking -> Escalated -> Resolved.
func (w WorkItem) EscalationState() string {
	switch {
	case w.Resolved():
		return "resolved"
	case w.Escalated():
		return "escalated"
	default:
		return "tracking"
	}
}

// DispatchMark records that a reminder offset already fired for an item.
type DispatchMark struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	DaysBefore int       `json:"days_before"`
	SentAt     time.Time `json:"sent_at"`
}
