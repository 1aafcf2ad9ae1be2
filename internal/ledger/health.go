package ledger

import (
	"context"
	"time"

	"sla-engine/internal/models"
)

// Health statuses.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// Health probes the store and summarises the last n runs. It never writes a
// ledger row of its own.
func (l *Ledger) Health(ctx context.Context, n int) models.HealthReport {
	if n <= 0 {
		n = 10
	}
	report := models.HealthReport{
		Status:     HealthOK,
		RecentRuns: []models.JobRun{},
		CheckedAt:  l.clock.Now(),
	}

	start := time.Now()
	err := l.store.Ping(ctx)
	report.StoreLatencyMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		msg := err.Error()
		report.StoreError = &msg
		report.Status = HealthDown
		return report
	}

	counts, err := l.store.EntityCounts(ctx, report.CheckedAt)
	if err != nil {
		l.log.WithError(err).Warn("health: entity counts failed")
		report.Status = HealthDegraded
	} else {
		report.Counts = counts
	}

	runs, err := l.store.ListRuns(ctx, models.RunFilter{Limit: n})
	if err != nil {
		l.log.WithError(err).Warn("health: recent runs failed")
		report.Status = HealthDegraded
	} else {
		report.RecentRuns = runs
	}

	if l.depth != nil {
		if d, err := l.depth(ctx); err == nil {
			report.QueueDepth = &d
		} else {
			l.log.WithError(err).Warn("health: queue depth failed")
			report.Status = HealthDegraded
		}
	}
	return report
}
