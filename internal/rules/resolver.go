// Package rules resolves the deadline rule that applies to a work item.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"sla-engine/internal/models"
)

// DefaultRole is notified on escalation when no rule names a role.
const DefaultRole = "partner"

// DefaultOffsets returns the built-in reminder offsets used when no rule matches.
func DefaultOffsets() []int { return []int{7, 3, 1} }

// Resolution sources.
const (
	SourceOrganization = "organization"
	SourceGlobal       = "global"
	SourceDefault      = "default"
)

// Resolution is the effective configuration for one (category, organization) pair.
type Resolution struct {
	ReminderOffsets []int
	EscalationRole  string
	RuleID          string
	Source          string
}

// HasOffset reports whether a reminder should fire with daysLeft days remaining.
func (r Resolution) HasOffset(daysLeft int) bool {
	for _, o := range r.ReminderOffsets {
		if o == daysLeft {
			return true
		}
	}
	return false
}

// Source lists the active rules known to the store.
type Source interface {
	ListActiveRules(ctx context.Context) ([]models.DeadlineRule, error)
}

type scope struct {
	category string
	org      string
	global   bool
}

// Resolver answers lookups from a snapshot of active rules. Rules do not change
// during a scan, so one snapshot is loaded per run.
type Resolver struct {
	rules     map[scope]models.DeadlineRule
	ambiguous []string
}

// Load snapshots the active rules from src.
func Load(ctx context.Context, src Source) (*Resolver, error) {
	list, err := src.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deadline rules: %w", err)
	}
	return New(list), nil
}

// New builds a resolver over rules. Inactive rules are ignored. When two active
// rules share a scope the most recently created wins, then the larger ID.
func New(list []models.DeadlineRule) *Resolver {
	r := &Resolver{rules: make(map[scope]models.DeadlineRule)}
	seen := make(map[scope]bool)
	for _, rule := range list {
		if !rule.Active {
			continue
		}
		key := scopeOf(rule.Category, rule.OrganizationID)
		existing, ok := r.rules[key]
		if ok {
			if !seen[key] {
				seen[key] = true
				r.ambiguous = append(r.ambiguous, describe(key))
			}
			if !newer(rule, existing) {
				continue
			}
		}
		r.rules[key] = rule
	}
	sort.Strings(r.ambiguous)
	return r
}

// Ambiguous lists scopes that had more than one active rule.
func (r *Resolver) Ambiguous() []string {
	return append([]string(nil), r.ambiguous...)
}

// Resolve returns the organization rule, else the global rule, else the defaults.
func (r *Resolver) Resolve(category string, organizationID *string) Resolution {
	if organizationID != nil && strings.TrimSpace(*organizationID) != "" {
		if rule, ok := r.rules[scopeOf(category, organizationID)]; ok {
			return fromRule(rule, SourceOrganization)
		}
	}
	if rule, ok := r.rules[scopeOf(category, nil)]; ok {
		return fromRule(rule, SourceGlobal)
	}
	return Resolution{
		ReminderOffsets: DefaultOffsets(),
		EscalationRole:  DefaultRole,
		Source:          SourceDefault,
	}
}

func fromRule(rule models.DeadlineRule, source string) Resolution {
	role := strings.TrimSpace(rule.EscalationRole)
	if role == "" {
		role = DefaultRole
	}
	return Resolution{
		ReminderOffsets: NormalizeOffsets(rule.ReminderDays),
		EscalationRole:  role,
		RuleID:          rule.ID,
		Source:          source,
	}
}

// NormalizeOffsets drops non-positive and duplicate offsets and sorts the rest
// in descending order, so reminders read from the farthest to the nearest.
func NormalizeOffsets(offsets []int) []int {
	seen := make(map[int]bool, len(offsets))
	out := make([]int, 0, len(offsets))
	for _, o := range offsets {
		if o <= 0 || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func scopeOf(category string, organizationID *string) scope {
	key := scope{category: strings.ToLower(strings.TrimSpace(category))}
	if organizationID == nil || strings.TrimSpace(*organizationID) == "" {
		key.global = true
		return key
	}
	key.org = strings.TrimSpace(*organizationID)
	return key
}

func describe(key scope) string {
	if key.global {
		return key.category + "@global"
	}
	return key.category + "@" + key.org
}

func newer(a, b models.DeadlineRule) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
