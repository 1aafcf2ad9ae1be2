// Package testutil provides an in-memory store with the same idempotency
// guarantees as the Postgres store, plus fault injection for tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sla-engine/internal/models"
)

// Operation names accepted by FailOn.
const (
	OpListRules          = "ListActiveRules"
	OpListReminders      = "ListReminderCandidates"
	OpListOverdue        = "ListOverdueCandidates"
	OpHasMark            = "HasDispatchMark"
	OpCreateMark         = "CreateDispatchMark"
	OpCreateNotification = "CreateNotifications"
	OpEscalate           = "EscalateWithNotifications"
	OpRoleMembers        = "RoleMembers"
	OpOpenRun            = "OpenRun"
	OpCloseRun           = "CloseRun"
	OpListRuns           = "ListRuns"
)

type markKey struct {
	item string
	days int
}

type fault struct {
	after int
	err   error
}

// RoleGrant assigns a role to a user within an organization (nil = none).
type RoleGrant struct {
	UserID         string
	OrganizationID *string
	Role           string
}

// MemStore implements every store interface of the engine in memory.
type MemStore struct {
	mu            sync.Mutex
	items         map[string]models.WorkItem
	rules         []models.DeadlineRule
	marks         map[markKey]models.DispatchMark
	notifications []models.Notification
	grants        []RoleGrant
	runs          []models.JobRun
	calls         map[string]int
	faults        map[string]fault

	// PingErr is returned by Ping when set.
	PingErr error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		items:  make(map[string]models.WorkItem),
		marks:  make(map[markKey]models.DispatchMark),
		calls:  make(map[string]int),
		faults: make(map[string]fault),
	}
}

// FailOn makes op return err once it has succeeded after times.
func (m *MemStore) FailOn(op string, after int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = fault{after: after, err: err}
	m.calls[op] = 0
}

// ClearFaults removes all injected failures.
func (m *MemStore) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = make(map[string]fault)
}

func (m *MemStore) check(op string) error {
	m.calls[op]++
	if f, ok := m.faults[op]; ok && m.calls[op] > f.after {
		return f.err
	}
	return nil
}

// PutItem inserts or replaces a work item.
func (m *MemStore) PutItem(item models.WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = cloneItem(item)
}

// Item returns a copy of a stored work item.
func (m *MemStore) Item(id string) (models.WorkItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	return cloneItem(item), ok
}

// PutRule adds a deadline rule.
func (m *MemStore) PutRule(rule models.DeadlineRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

// Grant adds a role membership.
func (m *MemStore) Grant(userID string, organizationID *string, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, RoleGrant{UserID: userID, OrganizationID: organizationID, Role: role})
}

// Notifications returns every notification written for itemID, or all when empty.
func (m *MemStore) Notifications(itemID string) []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if itemID == "" || n.WorkItemID == itemID {
			out = append(out, n)
		}
	}
	return out
}

// Marks returns the dispatch marks recorded for itemID.
func (m *MemStore) Marks(itemID string) []models.DispatchMark {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DispatchMark
	for k, v := range m.marks {
		if k.item == itemID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DaysBefore > out[j].DaysBefore })
	return out
}

// Runs returns all ledger rows in insertion order.
func (m *MemStore) Runs() []models.JobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobRun(nil), m.runs...)
}

// ListActiveRules implements rules.Source.
func (m *MemStore) ListActiveRules(context.Context) ([]models.DeadlineRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpListRules); err != nil {
		return nil, err
	}
	var out []models.DeadlineRule
	for _, r := range m.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListRules returns every rule, inactive included.
func (m *MemStore) ListRules(context.Context) ([]models.DeadlineRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpListRules); err != nil {
		return nil, err
	}
	return append([]models.DeadlineRule(nil), m.rules...), nil
}

// ImportRules upserts rules by id, assigning ids and creation instants when missing.
func (m *MemStore) ImportRules(_ context.Context, list []models.DeadlineRule) ([]models.DeadlineRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DeadlineRule, 0, len(list))
	for _, r := range list {
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", len(m.rules)+1)
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		replaced := false
		for i := range m.rules {
			if m.rules[i].ID == r.ID {
				m.rules[i] = r
				replaced = true
			}
		}
		if !replaced {
			m.rules = append(m.rules, r)
		}
		out = append(out, r)
	}
	return out, nil
}

// ListReminderCandidates returns live items whose deadline is at or after from.
func (m *MemStore) ListReminderCandidates(_ context.Context, from time.Time) ([]models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpListReminders); err != nil {
		return nil, err
	}
	return m.selectItems(func(w models.WorkItem) bool {
		return w.DeletedAt == nil && w.DeadlineAt != nil && !w.DeadlineAt.Before(from)
	}), nil
}

// ListOverdueCandidates returns live, unescalated items past their deadline.
func (m *MemStore) ListOverdueCandidates(_ context.Context, now time.Time) ([]models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpListOverdue); err != nil {
		return nil, err
	}
	return m.selectItems(func(w models.WorkItem) bool {
		return w.DeletedAt == nil && w.DeadlineAt != nil && w.DeadlineAt.Before(now) && w.EscalatedAt == nil
	}), nil
}

// HasDispatchMark implements sla.Store.
func (m *MemStore) HasDispatchMark(_ context.Context, itemID string, daysBefore int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpHasMark); err != nil {
		return false, err
	}
	_, ok := m.marks[markKey{itemID, daysBefore}]
	return ok, nil
}

// CreateDispatchMark inserts the mark unless one exists for the pair.
func (m *MemStore) CreateDispatchMark(_ context.Context, mark models.DispatchMark) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateMark); err != nil {
		return false, err
	}
	key := markKey{mark.WorkItemID, mark.DaysBefore}
	if _, ok := m.marks[key]; ok {
		return false, nil
	}
	m.marks[key] = mark
	return true, nil
}

// CreateNotifications appends notification records.
func (m *MemStore) CreateNotifications(_ context.Context, notes []models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCreateNotification); err != nil {
		return err
	}
	m.notifications = append(m.notifications, notes...)
	return nil
}

// EscalateWithNotifications sets the escalation instant if it is null and the
// item is not paused, appending notes in the same step. A fault on
// OpEscalate or OpCreateNotification leaves both untouched.
func (m *MemStore) EscalateWithNotifications(_ context.Context, itemID string, at time.Time, notes []models.Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpEscalate); err != nil {
		return false, err
	}
	item, ok := m.items[itemID]
	if !ok || item.DeletedAt != nil || item.EscalatedAt != nil || item.PausedAt != nil {
		return false, nil
	}
	if len(notes) > 0 {
		if err := m.check(OpCreateNotification); err != nil {
			return false, err
		}
	}
	item.EscalatedAt = &at
	m.items[itemID] = item
	m.notifications = append(m.notifications, notes...)
	return true, nil
}

// RoleMembers returns users holding role in organizationID.
func (m *MemStore) RoleMembers(_ context.Context, organizationID *string, role string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpRoleMembers); err != nil {
		return nil, err
	}
	var out []string
	for _, g := range m.grants {
		if g.Role == role && sameOrg(g.OrganizationID, organizationID) {
			out = append(out, g.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetWorkItem implements sla.ItemStore.
func (m *MemStore) GetWorkItem(_ context.Context, id string) (models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return models.WorkItem{}, models.ErrNotFound
	}
	return cloneItem(item), nil
}

// ResolveEscalation sets the resolution instant on an open escalation.
func (m *MemStore) ResolveEscalation(_ context.Context, id string, note *string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.DeletedAt != nil || item.EscalatedAt == nil || item.EscalationResolvedAt != nil {
		return false, nil
	}
	item.EscalationResolvedAt = &at
	if note != nil {
		v := *note
		item.ResolutionNote = &v
	}
	m.items[id] = item
	return true, nil
}

// ListEscalations returns escalated items, split by resolution.
func (m *MemStore) ListEscalations(_ context.Context, resolved bool) ([]models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.selectItems(func(w models.WorkItem) bool {
		return w.DeletedAt == nil && w.EscalatedAt != nil && (w.EscalationResolvedAt != nil) == resolved
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].EscalatedAt.After(*out[j].EscalatedAt) })
	return out, nil
}

// SetPaused sets or clears the pause instant.
func (m *MemStore) SetPaused(_ context.Context, id string, at *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.DeletedAt != nil {
		return false, nil
	}
	if at != nil {
		v := *at
		item.PausedAt = &v
	} else {
		item.PausedAt = nil
	}
	m.items[id] = item
	return true, nil
}

// OpenRun implements ledger.Store.
func (m *MemStore) OpenRun(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpOpenRun); err != nil {
		return err
	}
	m.runs = append(m.runs, run)
	return nil
}

// CloseRun implements ledger.Store.
func (m *MemStore) CloseRun(_ context.Context, run models.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpCloseRun); err != nil {
		return err
	}
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	return fmt.Errorf("run %s: %w", run.ID, models.ErrNotFound)
}

// ListRuns returns ledger rows newest first.
func (m *MemStore) ListRuns(_ context.Context, filter models.RunFilter) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpListRuns); err != nil {
		return nil, err
	}
	var out []models.JobRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if filter.JobName != "" && r.JobName != filter.JobName {
			continue
		}
		if filter.FailedOnly && r.Status != models.StatusFailed {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Ping implements ledger.Store.
func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// EntityCounts implements ledger.Store.
func (m *MemStore) EntityCounts(_ context.Context, now time.Time) (models.EntityCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c models.EntityCounts
	for _, w := range m.items {
		if w.DeletedAt != nil {
			continue
		}
		if w.DeadlineAt != nil && w.EscalationResolvedAt == nil {
			c.TrackedItems++
		}
		if w.PausedAt != nil {
			c.PausedItems++
		}
		if w.EscalatedAt != nil && w.EscalationResolvedAt == nil {
			c.OpenEscalations++
		}
	}
	for _, r := range m.runs {
		if r.Status == models.StatusFailed && r.StartedAt.After(now.Add(-24*time.Hour)) {
			c.FailedRuns24h++
		}
	}
	c.DispatchMarks = int64(len(m.marks))
	return c, nil
}

func (m *MemStore) selectItems(keep func(models.WorkItem) bool) []models.WorkItem {
	var out []models.WorkItem
	for _, w := range m.items {
		if keep(w) {
			out = append(out, cloneItem(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DeadlineAt != nil && b.DeadlineAt != nil && !a.DeadlineAt.Equal(*b.DeadlineAt) {
			return a.DeadlineAt.Before(*b.DeadlineAt)
		}
		return a.ID < b.ID
	})
	return out
}

func sameOrg(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneItem(w models.WorkItem) models.WorkItem {
	w.Assignees = append([]string(nil), w.Assignees...)
	return w
}
