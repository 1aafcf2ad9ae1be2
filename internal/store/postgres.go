package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"sla-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const itemColumns = `
	w.id, w.title, w.category, w.organization_id, w.deadline_at, w.paused_at,
	w.escalated_at, w.escalation_resolved_at, w.resolution_note, w.deleted_at,
	COALESCE((SELECT array_agg(a.user_id ORDER BY a.user_id) FROM work_item_assignees a WHERE a.work_item_id = w.id), '{}')`

func scanItem(row pgx.Row) (models.WorkItem, error) {
	var (
		item                        models.WorkItem
		org, note                   pgtype.Text
		deadline, paused, escalated pgtype.Timestamptz
		resolved, deleted           pgtype.Timestamptz
	)
	if err := row.Scan(&item.ID, &item.Title, &item.Category, &org, &deadline, &paused,
		&escalated, &resolved, &note, &deleted, &item.Assignees); err != nil {
		return models.WorkItem{}, err
	}
	item.OrganizationID = textPtr(org)
	item.ResolutionNote = textPtr(note)
	item.DeadlineAt = timePtr(deadline)
	item.PausedAt = timePtr(paused)
	item.EscalatedAt = timePtr(escalated)
	item.EscalationResolvedAt = timePtr(resolved)
	item.DeletedAt = timePtr(deleted)
	return item, nil
}

func (s *Store) queryItems(ctx context.Context, where string, args ...any) ([]models.WorkItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM work_items w WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()
	var out []models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListReminderCandidates returns live items whose deadline is at or after from.
// Paused items are included; the engine applies the pause gate itself.
func (s *Store) ListReminderCandidates(ctx context.Context, from time.Time) ([]models.WorkItem, error) {
	return s.queryItems(ctx, `w.deleted_at IS NULL AND w.deadline_at IS NOT NULL AND w.deadline_at >= $1
		ORDER BY w.deadline_at, w.id`, from)
}

// ListOverdueCandidates returns live, unescalated items past their deadline.
func (s *Store) ListOverdueCandidates(ctx context.Context, now time.Time) ([]models.WorkItem, error) {
	return s.queryItems(ctx, `w.deleted_at IS NULL AND w.deadline_at IS NOT NULL AND w.deadline_at < $1
		AND w.escalated_at IS NULL ORDER BY w.deadline_at, w.id`, now)
}

// ListEscalations returns escalated items, split by resolution, newest escalation first.
func (s *Store) ListEscalations(ctx context.Context, resolved bool) ([]models.WorkItem, error) {
	return s.queryItems(ctx, `w.deleted_at IS NULL AND w.escalated_at IS NOT NULL
		AND (w.escalation_resolved_at IS NOT NULL) = $1 ORDER BY w.escalated_at DESC`, resolved)
}

// GetWorkItem fetches a work item by id, including soft-deleted ones.
func (s *Store) GetWorkItem(ctx context.Context, id string) (models.WorkItem, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items w WHERE w.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkItem{}, fmt.Errorf("work item %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("scan work item: %w", err)
	}
	return item, nil
}

// UpsertWorkItem inserts or replaces a work item and its assignees.
func (s *Store) UpsertWorkItem(ctx context.Context, item models.WorkItem) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO work_items (id, title, category, organization_id, deadline_at, paused_at,
			escalated_at, escalation_resolved_at, resolution_note, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, category = EXCLUDED.category, organization_id = EXCLUDED.organization_id,
			deadline_at = EXCLUDED.deadline_at, paused_at = EXCLUDED.paused_at,
			escalated_at = EXCLUDED.escalated_at, escalation_resolved_at = EXCLUDED.escalation_resolved_at,
			resolution_note = EXCLUDED.resolution_note, deleted_at = EXCLUDED.deleted_at
	`, item.ID, item.Title, item.Category, item.OrganizationID, item.DeadlineAt, item.PausedAt,
		item.EscalatedAt, item.EscalationResolvedAt, item.ResolutionNote, item.DeletedAt)
	if err != nil {
		return fmt.Errorf("upsert work item: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM work_item_assignees WHERE work_item_id = $1`, item.ID); err != nil {
		return fmt.Errorf("clear assignees: %w", err)
	}
	for _, user := range item.Assignees {
		if _, err := tx.Exec(ctx, `
			INSERT INTO work_item_assignees (work_item_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, item.ID, user); err != nil {
			return fmt.Errorf("insert assignee: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ResolveEscalation closes an open escalation.
func (s *Store) ResolveEscalation(ctx context.Context, id string, note *string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET escalation_resolved_at = $2, resolution_note = COALESCE($3, resolution_note)
		WHERE id = $1 AND deleted_at IS NULL AND escalated_at IS NOT NULL AND escalation_resolved_at IS NULL
	`, id, at, note)
	if err != nil {
		return false, fmt.Errorf("resolve escalation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPaused sets or clears paused_at on a live item.
func (s *Store) SetPaused(ctx context.Context, id string, at *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET paused_at = $2 WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("set paused: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasDispatchMark reports whether a reminder offset already fired for an item.
func (s *Store) HasDispatchMark(ctx context.Context, itemID string, daysBefore int) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM reminder_dispatch_marks WHERE work_item_id = $1 AND days_before = $2)
	`, itemID, daysBefore).Scan(&exists); err != nil {
		return false, fmt.Errorf("query dispatch mark: %w", err)
	}
	return exists, nil
}

// CreateDispatchMark inserts the mark unless one exists for the pair. It
// reports whether a row was written.
func (s *Store) CreateDispatchMark(ctx context.Context, mark models.DispatchMark) (bool, error) {
	if mark.ID == "" {
		mark.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO reminder_dispatch_marks (id, work_item_id, days_before, sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (work_item_id, days_before) DO NOTHING
	`, mark.ID, mark.WorkItemID, mark.DaysBefore, mark.SentAt)
	if err != nil {
		return false, fmt.Errorf("insert dispatch mark: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateNotifications writes a batch of notification records atomically.
func (s *Store) CreateNotifications(ctx context.Context, notes []models.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := insertNotifications(ctx, tx, notes); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EscalateWithNotifications sets escalated_at if it is still null and the item
// is live and not paused, and writes notes in the same transaction. Notes are
// inserted only when this call performed the transition. A failed insert
// leaves the item unescalated for the next run.
func (s *Store) EscalateWithNotifications(ctx context.Context, itemID string, at time.Time, notes []models.Notification) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE work_items SET escalated_at = $2
		WHERE id = $1 AND escalated_at IS NULL AND paused_at IS NULL AND deleted_at IS NULL
	`, itemID, at)
	if err != nil {
		return false, fmt.Errorf("mark escalated: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if len(notes) > 0 {
		if err := insertNotifications(ctx, tx, notes); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func insertNotifications(ctx context.Context, tx pgx.Tx, notes []models.Notification) error {
	batch := &pgx.Batch{}
	for _, n := range notes {
		batch.Queue(`
			INSERT INTO notifications (id, recipient_id, title, body, work_item_id, kind, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, n.ID, n.RecipientID, n.Title, n.Body, n.WorkItemID, n.Kind, n.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert notifications: %w", err)
	}
	return nil
}

// RoleMembers returns users holding role within organizationID. A nil
// organization matches memberships without one.
func (s *Store) RoleMembers(ctx context.Context, organizationID *string, role string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM role_memberships
		WHERE role = $1 AND organization_id IS NOT DISTINCT FROM $2
		ORDER BY user_id
	`, role, organizationID)
	if err != nil {
		return nil, fmt.Errorf("query role members: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan role members: %w", err)
	}
	return users, nil
}

// GrantRole adds a role membership.
func (s *Store) GrantRole(ctx context.Context, userID string, organizationID *string, role string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO role_memberships (user_id, organization_id, role) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, userID, organizationID, role)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// EntityCounts gathers the store-side figures of the health summary.
func (s *Store) EntityCounts(ctx context.Context, now time.Time) (models.EntityCounts, error) {
	var c models.EntityCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM work_items WHERE deleted_at IS NULL AND deadline_at IS NOT NULL AND escalation_resolved_at IS NULL),
			(SELECT COUNT(*) FROM work_items WHERE deleted_at IS NULL AND paused_at IS NOT NULL),
			(SELECT COUNT(*) FROM work_items WHERE deleted_at IS NULL AND escalated_at IS NOT NULL AND escalation_resolved_at IS NULL),
			(SELECT COUNT(*) FROM job_run_logs WHERE status = $1 AND started_at > $2),
			(SELECT COUNT(*) FROM reminder_dispatch_marks)
	`, models.StatusFailed, now.Add(-24*time.Hour)).Scan(
		&c.TrackedItems, &c.PausedItems, &c.OpenEscalations, &c.FailedRuns24h, &c.DispatchMarks)
	if err != nil {
		return models.EntityCounts{}, fmt.Errorf("count entities: %w", err)
	}
	return c, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
