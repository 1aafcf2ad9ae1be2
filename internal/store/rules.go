package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"sla-engine/internal/models"
)

const ruleColumns = `id, category, organization_id, due_days, reminder_days, escalation_role, active, created_at`

// ListActiveRules returns every active deadline rule.
func (s *Store) ListActiveRules(ctx context.Context) ([]models.DeadlineRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM deadline_rules WHERE active ORDER BY created_at DESC, id DESC`)
}

// ListRules returns all deadline rules, inactive included.
func (s *Store) ListRules(ctx context.Context) ([]models.DeadlineRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM deadline_rules ORDER BY category, created_at DESC, id DESC`)
}

func (s *Store) queryRules(ctx context.Context, q string) ([]models.DeadlineRule, error) {
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	var out []models.DeadlineRule
	for rows.Next() {
		var (
			r    models.DeadlineRule
			org  pgtype.Text
			days []int32
		)
		if err := rows.Scan(&r.ID, &r.Category, &org, &r.DueDays, &days, &r.EscalationRole, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.OrganizationID = textPtr(org)
		r.ReminderDays = make([]int, len(days))
		for i, d := range days {
			r.ReminderDays[i] = int(d)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UpsertRule inserts a rule or replaces the one with the same id. A missing id
// or creation instant is filled in.
func (s *Store) UpsertRule(ctx context.Context, r models.DeadlineRule) (models.DeadlineRule, error) {
	return upsertRule(ctx, s.pool, r)
}

// ImportRules upserts a set of rules in one transaction.
func (s *Store) ImportRules(ctx context.Context, list []models.DeadlineRule) ([]models.DeadlineRule, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	out := make([]models.DeadlineRule, 0, len(list))
	for i, r := range list {
		saved, err := upsertRule(ctx, tx, r)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, saved)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func upsertRule(ctx context.Context, ex execer, r models.DeadlineRule) (models.DeadlineRule, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	days := make([]int32, len(r.ReminderDays))
	for i, d := range r.ReminderDays {
		days[i] = int32(d)
	}
	if r.OrganizationID != nil {
		r.OrganizationID = emptyToNil(*r.OrganizationID)
	}

	_, err := ex.Exec(ctx, `
		INSERT INTO deadline_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			category = EXCLUDED.category, organization_id = EXCLUDED.organization_id,
			due_days = EXCLUDED.due_days, reminder_days = EXCLUDED.reminder_days,
			escalation_role = EXCLUDED.escalation_role, active = EXCLUDED.active
	`, r.ID, r.Category, r.OrganizationID, r.DueDays, days, r.EscalationRole, r.Active, r.CreatedAt)
	if err != nil {
		return models.DeadlineRule{}, fmt.Errorf("upsert rule: %w", err)
	}
	return r, nil
}
