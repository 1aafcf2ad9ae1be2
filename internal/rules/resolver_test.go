package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sla-engine/internal/models"
)

func strPtr(s string) *string { return &s }

func litigationRules() []models.DeadlineRule {
	return []models.DeadlineRule{
		{ID: "r-org", Category: "litigation", OrganizationID: strPtr("A"), ReminderDays: []int{5, 2}, EscalationRole: "lead", Active: true},
		{ID: "r-global", Category: "litigation", ReminderDays: []int{7, 3, 1}, EscalationRole: "partner", Active: true},
	}
}

func TestResolvePrefersOrganizationScope(t *testing.T) {
	r := New(litigationRules())

	got := r.Resolve("litigation", strPtr("A"))
	assert.Equal(t, []int{5, 2}, got.ReminderOffsets)
	assert.Equal(t, "lead", got.EscalationRole)
	assert.Equal(t, SourceOrganization, got.Source)

	got = r.Resolve("litigation", strPtr("B"))
	assert.Equal(t, []int{7, 3, 1}, got.ReminderOffsets)
	assert.Equal(t, SourceGlobal, got.Source)

	got = r.Resolve("contract", strPtr("A"))
	assert.Equal(t, []int{7, 3, 1}, got.ReminderOffsets)
	assert.Equal(t, DefaultRole, got.EscalationRole)
	assert.Equal(t, SourceDefault, got.Source)
}

func TestResolveWithoutOrganizationUsesGlobal(t *testing.T) {
	r := New(litigationRules())
	got := r.Resolve("Litigation ", nil)
	assert.Equal(t, "r-global", got.RuleID)
}

func TestInactiveRulesAreIgnored(t *testing.T) {
	list := litigationRules()
	list[0].Active = false
	r := New(list)
	assert.Equal(t, SourceGlobal, r.Resolve("litigation", strPtr("A")).Source)
}

func TestAmbiguousRulesPickMostRecent(t *testing.T) {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	list := []models.DeadlineRule{
		{ID: "b", Category: "tax", ReminderDays: []int{10}, Active: true, CreatedAt: old.Add(time.Hour)},
		{ID: "a", Category: "tax", ReminderDays: []int{4}, Active: true, CreatedAt: old},
		{ID: "c", Category: "tax", ReminderDays: []int{2}, Active: true, CreatedAt: old},
	}
	r := New(list)
	assert.Equal(t, []int{10}, r.Resolve("tax", nil).ReminderOffsets)
	assert.Equal(t, []string{"tax@global"}, r.Ambiguous())

	// Same creation time falls back to the larger ID.
	r = New(list[1:])
	assert.Equal(t, "c", r.Resolve("tax", nil).RuleID)
}

func TestEmptyRoleFallsBackToDefault(t *testing.T) {
	r := New([]models.DeadlineRule{{ID: "x", Category: "tax", ReminderDays: []int{1}, Active: true}})
	assert.Equal(t, DefaultRole, r.Resolve("tax", nil).EscalationRole)
}

func TestNormalizeOffsets(t *testing.T) {
	assert.Equal(t, []int{7, 3, 1}, NormalizeOffsets([]int{1, 3, 7, 3, 0, -2}))
	assert.Empty(t, NormalizeOffsets(nil))
}

func TestHasOffset(t *testing.T) {
	res := Resolution{ReminderOffsets: []int{7, 3, 1}}
	assert.True(t, res.HasOffset(3))
	assert.False(t, res.HasOffset(2))
}

type stubSource struct {
	rules []models.DeadlineRule
	err   error
}

func (s stubSource) ListActiveRules(context.Context) ([]models.DeadlineRule, error) {
	return s.rules, s.err
}

func TestLoad(t *testing.T) {
	r, err := Load(context.Background(), stubSource{rules: litigationRules()})
	require.NoError(t, err)
	assert.Equal(t, SourceOrganization, r.Resolve("litigation", strPtr("A")).Source)

	_, err = Load(context.Background(), stubSource{err: errors.New("db down")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}
