package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sla-engine/internal/models"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	content, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	sql := string(content)
	for _, table := range []string{"work_items", "deadline_rules", "reminder_dispatch_marks", "notifications", "job_run_logs"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.True(t, strings.Contains(sql, "UNIQUE (work_item_id, days_before)"))
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	assert.IsIncreasing(t, names)
}

// The tests below need a disposable database: TEST_POSTGRES_DSN=postgres://...
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	_, err = s.RunMigrations(ctx)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE work_items, work_item_assignees, role_memberships, deadline_rules,
		reminder_dispatch_marks, notifications, job_run_logs`)
	require.NoError(t, err)
	return s
}

func TestDispatchMarkIsInsertIfAbsent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	deadline := time.Now().Add(72 * time.Hour)
	require.NoError(t, s.UpsertWorkItem(ctx, models.WorkItem{ID: "w1", Title: "Filing", DeadlineAt: &deadline}))

	mark := models.DispatchMark{WorkItemID: "w1", DaysBefore: 3, SentAt: time.Now()}
	created, err := s.CreateDispatchMark(ctx, mark)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateDispatchMark(ctx, mark)
	require.NoError(t, err)
	assert.False(t, created)

	has, err := s.HasDispatchMark(ctx, "w1", 3)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMigrationsRecordedOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	again, err := s.RunMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	names, err := migrationNames()
	require.NoError(t, err)
	var recorded int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&recorded))
	assert.Equal(t, len(names), recorded)
}

func TestEscalateOnlyOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	deadline := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpsertWorkItem(ctx, models.WorkItem{ID: "w1", DeadlineAt: &deadline, Assignees: []string{"u2", "u1"}}))

	note := func() []models.Notification {
		return []models.Notification{{ID: uuid.New().String(), Title: "breached", Body: "w1", WorkItemID: "w1", Kind: models.KindEscalation, CreatedAt: time.Now()}}
	}
	first, err := s.EscalateWithNotifications(ctx, "w1", time.Now(), note())
	require.NoError(t, err)
	second, err := s.EscalateWithNotifications(ctx, "w1", time.Now(), note())
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	var notes int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE work_item_id = 'w1'`).Scan(&notes))
	assert.Equal(t, 1, notes)

	item, err := s.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, item.Assignees)
	assert.NotNil(t, item.EscalatedAt)

	_, err = s.GetWorkItem(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRunRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	run := models.JobRun{ID: "r1", JobName: "sla", Trigger: models.TriggerCron, StartedAt: time.Now(), Status: models.StatusRunning}
	require.NoError(t, s.OpenRun(ctx, run))

	done := time.Now()
	msg := "boom"
	run.CompletedAt, run.Status, run.Error = &done, models.StatusFailed, &msg
	run.Counters = map[string]int{"reminders_sent": 2}
	require.NoError(t, s.CloseRun(ctx, run))

	runs, err := s.ListRuns(ctx, models.RunFilter{JobName: "sla", FailedOnly: true, Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Counters["reminders_sent"])
	assert.Equal(t, "boom", *runs[0].Error)
}
