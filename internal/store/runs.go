package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"sla-engine/internal/models"
)

// OpenRun inserts a ledger row in the running state.
func (s *Store) OpenRun(ctx context.Context, run models.JobRun) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_run_logs (id, job_name, trigger, started_at, status, counters)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.JobName, run.Trigger, run.StartedAt, run.Status, counters)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// CloseRun writes the final status, counters and error of a ledger row.
func (s *Store) CloseRun(ctx context.Context, run models.JobRun) error {
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	var detail []byte
	if run.Detail != nil {
		if detail, err = json.Marshal(run.Detail); err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_run_logs
		SET completed_at = $2, status = $3, duration_ms = $4, counters = $5, error = $6, detail = $7
		WHERE id = $1
	`, run.ID, run.CompletedAt, run.Status, run.DurationMs, counters, run.Error, detail)
	if err != nil {
		return fmt.Errorf("update job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job run %s: %w", run.ID, models.ErrNotFound)
	}
	return nil
}

// ListRuns returns ledger rows newest first.
func (s *Store) ListRuns(ctx context.Context, filter models.RunFilter) ([]models.JobRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.JobName != "" {
		args = append(args, filter.JobName)
		where = append(where, fmt.Sprintf("job_name = $%d", len(args)))
	}
	if filter.FailedOnly {
		args = append(args, models.StatusFailed)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT id, job_name, trigger, started_at, completed_at, status, duration_ms, counters, error, detail
		FROM job_run_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (models.JobRun, error) {
	var (
		run              models.JobRun
		completed        pgtype.Timestamptz
		errText          pgtype.Text
		counters, detail []byte
	)
	if err := row.Scan(&run.ID, &run.JobName, &run.Trigger, &run.StartedAt, &completed, &run.Status,
		&run.DurationMs, &counters, &errText, &detail); err != nil {
		return models.JobRun{}, fmt.Errorf("scan job run: %w", err)
	}
	run.CompletedAt = timePtr(completed)
	run.Error = textPtr(errText)
	run.Counters = map[string]int{}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return models.JobRun{}, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &run.Detail); err != nil {
			return models.JobRun{}, fmt.Errorf("unmarshal detail: %w", err)
		}
	}
	return run, nil
}
