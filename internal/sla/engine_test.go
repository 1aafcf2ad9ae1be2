package sla

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sla-engine/internal/civil"
	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/testutil"
)

type harness struct {
	store  *testutil.MemStore
	clock  *civil.FixedClock
	engine *Engine
	ledger *ledger.Ledger
}

func newHarness(t *testing.T, now string) *harness {
	t.Helper()
	st := testutil.NewMemStore()
	clock := civil.NewFixedClock(at(t, now))
	log := testutil.Logger()
	eng := NewEngine(st, st, clock, log)
	l := ledger.New(st, clock, log)
	eng.Register(l)
	return &harness{store: st, clock: clock, engine: eng, ledger: l}
}

func (h *harness) run(t *testing.T, job string) models.JobRun {
	t.Helper()
	row, err := h.ledger.Run(context.Background(), job, models.TriggerCron)
	require.NoError(t, err)
	return row
}

func at(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	require.NoError(t, err)
	return ts
}

func ptr[T any](v T) *T { return &v }

func item(id string, deadline time.Time, assignees ...string) models.WorkItem {
	return models.WorkItem{
		ID:             id,
		Title:          "Case " + id,
		Category:       "litigation",
		OrganizationID: ptr("org-a"),
		DeadlineAt:     &deadline,
		Assignees:      assignees,
	}
}

func TestReminderFiresOncePerOffset(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("w1", at(t, "2024-01-11T10:00:00+07:00"), "u1", "u2"))

	first := h.run(t, JobSLA)
	assert.Equal(t, models.StatusSuccess, first.Status)
	assert.Equal(t, 1, first.Counters[CounterRemindersSent])
	assert.Equal(t, 2, first.Counters[CounterNotifications])

	second := h.run(t, JobSLA)
	assert.Equal(t, 0, second.Counters[CounterRemindersSent])
	assert.Equal(t, 1, second.Counters[CounterRemindersDuplicate])

	marks := h.store.Marks("w1")
	require.Len(t, marks, 1)
	assert.Equal(t, 3, marks[0].DaysBefore)

	notes := h.store.Notifications("w1")
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, models.KindReminder, n.Kind)
		require.NotNil(t, n.RecipientID)
	}
	assert.Contains(t, notes[0].Title, "due in 3 days")
	assert.Contains(t, notes[0].Body, "2024-01-11")
}

func TestReminderEachOffsetAcrossDays(t *testing.T) {
	h := newHarness(t, "2024-01-01T08:00:00+07:00")
	h.store.PutItem(item("w1", at(t, "2024-01-08T17:00:00+07:00"), "u1"))

	for day := 0; day < 8; day++ {
		h.run(t, JobReminders)
		h.clock.Advance(civil.Day)
	}
	var got []int
	for _, m := range h.store.Marks("w1") {
		got = append(got, m.DaysBefore)
	}
	assert.Equal(t, []int{7, 3, 1}, got)
	assert.Len(t, h.store.Notifications("w1"), 3)
}

func TestReminderWithoutAssigneesBroadcasts(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("w1", at(t, "2024-01-09T09:00:00+07:00")))

	h.run(t, JobSLA)
	notes := h.store.Notifications("w1")
	require.Len(t, notes, 1)
	assert.Nil(t, notes[0].RecipientID)
	assert.Contains(t, notes[0].Title, "due in 1 day")
}

func TestReminderSkipsOffsetsNotConfigured(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("w1", at(t, "2024-01-13T09:00:00+07:00"), "u1"))

	row := h.run(t, JobSLA)
	assert.Equal(t, 0, row.Counters[CounterRemindersSent])
	assert.Empty(t, h.store.Notifications(""))
}

func TestReminderUsesCivilDays(t *testing.T) {
	h := newHarness(t, "2024-01-08T23:50:00+07:00")
	h.store.PutRule(models.DeadlineRule{ID: "r1", Category: "litigation", ReminderDays: []int{2}, Active: true})
	h.store.PutItem(item("w1", at(t, "2024-01-10T01:00:00+07:00"), "u1"))

	h.run(t, JobSLA)
	marks := h.store.Marks("w1")
	require.Len(t, marks, 1)
	assert.Equal(t, 2, marks[0].DaysBefore)
}

func TestOrganizationRuleOverridesGlobal(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutRule(models.DeadlineRule{ID: "org", Category: "litigation", OrganizationID: ptr("org-a"), ReminderDays: []int{5, 2}, Active: true})
	h.store.PutRule(models.DeadlineRule{ID: "global", Category: "litigation", ReminderDays: []int{7, 3, 1}, Active: true})

	inOrg := item("w1", at(t, "2024-01-13T09:00:00+07:00"), "u1")
	otherOrg := item("w2", at(t, "2024-01-13T09:00:00+07:00"), "u2")
	otherOrg.OrganizationID = ptr("org-b")
	h.store.PutItem(inOrg)
	h.store.PutItem(otherOrg)

	h.run(t, JobSLA)
	assert.Len(t, h.store.Marks("w1"), 1)
	assert.Empty(t, h.store.Marks("w2"))
}

func TestPausedItemNeverRemindedOrEscalated(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	due := item("due", at(t, "2024-01-09T09:00:00+07:00"), "u1")
	due.PausedAt = ptr(at(t, "2024-01-01T00:00:00Z"))
	overdue := item("late", at(t, "2023-11-01T09:00:00+07:00"), "u1")
	overdue.PausedAt = ptr(at(t, "2023-10-01T00:00:00Z"))
	h.store.PutItem(due)
	h.store.PutItem(overdue)

	row := h.run(t, JobSLA)
	assert.Equal(t, 2, row.Counters[CounterSkippedPaused])
	assert.Empty(t, h.store.Marks("due"))
	assert.Empty(t, h.store.Notifications(""))
	late, _ := h.store.Item("late")
	assert.Nil(t, late.EscalatedAt)
}

func TestUnpausedItemBecomesEligible(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	overdue := item("late", at(t, "2024-01-05T09:00:00+07:00"), "u1")
	overdue.PausedAt = ptr(at(t, "2024-01-01T00:00:00Z"))
	h.store.PutItem(overdue)

	h.run(t, JobSLA)
	holds := NewHolds(h.store, h.clock, testutil.Logger())
	_, err := holds.Unpause(context.Background(), "late")
	require.NoError(t, err)

	row := h.run(t, JobSLA)
	assert.Equal(t, 1, row.Counters[CounterEscalationsRaised])
}

func TestEscalationNotifiesRoleMembers(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.Grant("p1", ptr("org-a"), "partner")
	h.store.Grant("p2", ptr("org-a"), "partner")
	h.store.Grant("p3", ptr("org-b"), "partner")
	h.store.PutItem(item("w1", at(t, "2024-01-08T08:00:00+07:00"), "u1"))

	row := h.run(t, JobSLA)
	assert.Equal(t, 1, row.Counters[CounterEscalationsRaised])

	got, _ := h.store.Item("w1")
	require.NotNil(t, got.EscalatedAt)
	assert.True(t, got.EscalatedAt.Equal(h.clock.Now()))

	notes := h.store.Notifications("w1")
	require.Len(t, notes, 2)
	recipients := []string{*notes[0].RecipientID, *notes[1].RecipientID}
	assert.ElementsMatch(t, []string{"p1", "p2"}, recipients)
	assert.Equal(t, models.KindEscalation, notes[0].Kind)
	assert.Contains(t, notes[0].Body, "escalated to partner")
}

func TestEscalationUsesRuleRole(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutRule(models.DeadlineRule{ID: "r", Category: "litigation", ReminderDays: []int{3}, EscalationRole: "head", Active: true})
	h.store.Grant("p1", ptr("org-a"), "partner")
	h.store.Grant("h1", ptr("org-a"), "head")
	h.store.PutItem(item("w1", at(t, "2024-01-07T09:00:00+07:00")))

	h.run(t, JobSLA)
	notes := h.store.Notifications("w1")
	require.Len(t, notes, 1)
	assert.Equal(t, "h1", *notes[0].RecipientID)
}

func TestEscalationFallsBackToAssigneesThenBroadcast(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("team", at(t, "2024-01-07T09:00:00+07:00"), "u1", "u1", "u2"))
	h.store.PutItem(item("nobody", at(t, "2024-01-07T09:00:00+07:00")))

	h.run(t, JobSLA)

	team := h.store.Notifications("team")
	require.Len(t, team, 2)
	assert.ElementsMatch(t, []string{"u1", "u2"}, []string{*team[0].RecipientID, *team[1].RecipientID})

	nobody := h.store.Notifications("nobody")
	require.Len(t, nobody, 1)
	assert.Nil(t, nobody[0].RecipientID)
}

func TestEscalationIsIdempotent(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("w1", at(t, "2024-01-07T09:00:00+07:00"), "u1"))

	h.run(t, JobSLA)
	first, _ := h.store.Item("w1")
	require.NotNil(t, first.EscalatedAt)

	h.clock.Advance(2 * civil.Day)
	row := h.run(t, JobSLA)
	assert.Equal(t, 0, row.Counters[CounterEscalationsRaised])

	again, _ := h.store.Item("w1")
	assert.True(t, again.EscalatedAt.Equal(*first.EscalatedAt))
	assert.Len(t, h.store.Notifications("w1"), 1)
}

func TestEscalationCompareAndSwapLoss(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("w1", at(t, "2024-01-07T09:00:00+07:00"), "u1"))

	// A concurrent run escalated the item between the scan and the write.
	stale := racingStore{MemStore: h.store, overdue: []models.WorkItem{}}
	items, err := h.store.ListOverdueCandidates(context.Background(), h.clock.Now())
	require.NoError(t, err)
	stale.overdue = items
	_, err = h.store.EscalateWithNotifications(context.Background(), "w1", h.clock.Now().Add(-time.Minute), nil)
	require.NoError(t, err)

	eng := NewEngine(stale, h.store, h.clock, testutil.Logger())
	l := ledger.New(h.store, h.clock, testutil.Logger())
	eng.Register(l)
	row, err := l.Run(context.Background(), JobEscalations, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, row.Counters[CounterEscalationsRaced])
	assert.Equal(t, 0, row.Counters[CounterEscalationsRaised])
	assert.Empty(t, h.store.Notifications("w1"))
}

func TestEscalationNotifyFailureRetriedNextRun(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("x", at(t, "2024-01-07T09:00:00+07:00"), "u1"))
	h.store.FailOn(testutil.OpCreateNotification, 0, errors.New("connection reset"))

	failed := h.run(t, JobEscalations)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, 0, failed.Counters[CounterEscalationsRaised])
	assert.Equal(t, 0, failed.Counters[CounterOverdueScanned])
	pending, _ := h.store.Item("x")
	assert.Nil(t, pending.EscalatedAt)
	assert.Empty(t, h.store.Notifications("x"))

	h.store.ClearFaults()
	ok := h.run(t, JobEscalations)
	assert.Equal(t, models.StatusSuccess, ok.Status)
	assert.Equal(t, 1, ok.Counters[CounterEscalationsRaised])
	escalated, _ := h.store.Item("x")
	require.NotNil(t, escalated.EscalatedAt)

	notes := h.store.Notifications("x")
	require.Len(t, notes, 1)
	assert.Equal(t, models.KindEscalation, notes[0].Kind)
	assert.Equal(t, "u1", *notes[0].RecipientID)

	h.clock.Advance(civil.Day)
	h.run(t, JobEscalations)
	again, _ := h.store.Item("x")
	assert.True(t, again.EscalatedAt.Equal(*escalated.EscalatedAt))
	assert.Len(t, h.store.Notifications("x"), 1)
}

func TestBundledRunCountsEachScanSeparately(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("soon", at(t, "2024-01-09T09:00:00+07:00"), "u1"))
	h.store.PutItem(item("late", at(t, "2024-01-07T09:00:00+07:00"), "u2"))

	row := h.run(t, JobSLA)
	assert.Equal(t, models.StatusSuccess, row.Status)
	assert.Equal(t, 1, row.Counters[CounterEscalationsRaised])
	assert.Equal(t, 1, row.Counters[CounterOverdueScanned])
	assert.Equal(t, 1, row.Counters[CounterRemindersScanned])
	_, legacy := row.Counters["items_scanned"]
	assert.False(t, legacy)
}

func TestDuplicateMarkAfterOverlappingRunIsNoop(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutItem(item("w1", at(t, "2024-01-09T09:00:00+07:00"), "u1"))
	h.run(t, JobSLA)

	// An overlapping run that checked before the mark existed still notifies,
	// but cannot create a second mark.
	blind := racingStore{MemStore: h.store, blindMarks: true}
	eng := NewEngine(blind, h.store, h.clock, testutil.Logger())
	l := ledger.New(h.store, h.clock, testutil.Logger())
	eng.Register(l)
	row, err := l.Run(context.Background(), JobReminders, models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, row.Status)
	assert.Equal(t, 1, row.Counters[CounterRemindersDuplicate])
	assert.Len(t, h.store.Marks("w1"), 1)
	assert.Len(t, h.store.Notifications("w1"), 2)
}

func TestFailedRunKeepsCompletedWorkAndNextRunFinishes(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		h.store.PutItem(item(id, at(t, "2024-01-11T09:00:00+07:00"), "u-"+id))
	}
	h.store.FailOn(testutil.OpCreateNotification, 3, errors.New("connection reset"))

	failed := h.run(t, JobSLA)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "connection reset")
	assert.Equal(t, 3, failed.Counters[CounterRemindersSent])
	assert.Equal(t, 3, failed.Counters[CounterRemindersScanned])
	assert.Len(t, h.store.Runs(), 1)

	h.store.ClearFaults()
	ok := h.run(t, JobSLA)
	assert.Equal(t, models.StatusSuccess, ok.Status)
	assert.Equal(t, 7, ok.Counters[CounterRemindersSent])
	assert.Equal(t, 10, ok.Counters[CounterRemindersScanned])
	assert.Equal(t, 3, ok.Counters[CounterRemindersDuplicate])

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		assert.Len(t, h.store.Notifications(id), 1, "item %s", id)
		assert.Len(t, h.store.Marks(id), 1, "item %s", id)
	}
	runs := h.store.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, models.StatusFailed, runs[0].Status)
}

func TestRuleLoadFailureFailsRun(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.FailOn(testutil.OpListRules, 0, errors.New("timeout"))

	row := h.run(t, JobSLA)
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Contains(t, *row.Error, "timeout")
}

func TestAmbiguousRulesRecordedOnRun(t *testing.T) {
	h := newHarness(t, "2024-01-08T09:00:00+07:00")
	h.store.PutRule(models.DeadlineRule{ID: "a", Category: "tax", ReminderDays: []int{1}, Active: true})
	h.store.PutRule(models.DeadlineRule{ID: "b", Category: "tax", ReminderDays: []int{2}, Active: true})

	row := h.run(t, JobSLA)
	assert.Equal(t, []string{"tax@global"}, row.Detail["ambiguous_rules"])
}

// racingStore simulates interleavings with an overlapping run.
type racingStore struct {
	*testutil.MemStore
	overdue    []models.WorkItem
	blindMarks bool
}

func (r racingStore) ListOverdueCandidates(ctx context.Context, now time.Time) ([]models.WorkItem, error) {
	if r.overdue != nil {
		return r.overdue, nil
	}
	return r.MemStore.ListOverdueCandidates(ctx, now)
}

func (r racingStore) HasDispatchMark(ctx context.Context, itemID string, daysBefore int) (bool, error) {
	if r.blindMarks {
		return false, nil
	}
	return r.MemStore.HasDispatchMark(ctx, itemID, daysBefore)
}
