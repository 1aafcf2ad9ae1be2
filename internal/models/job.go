package models

import (
	"time"
)

// Run statuses persisted in job_run_logs.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPartial = "partial"
)

// Run triggers recorded alongside each ledger row.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
	TriggerQueued = "queued"
	TriggerCLI    = "cli"
)

// JobRun is one ledger row: a single invocation of a named job.
type JobRun struct {
	ID          string         `json:"id"`
	JobName     string         `json:"job_name"`
	Trigger     string         `json:"trigger"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      string         `json:"status"`
	DurationMs  int64          `json:"duration_ms"`
	Counters    map[string]int `json:"counters"`
	Error       *string        `json:"error,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// RunFilter narrows ledger listings.
type RunFilter struct {
	JobName    string
	FailedOnly bool
	Limit      int
}

// EntityCounts is the store-side part of the health summary.
type EntityCounts struct {
	TrackedItems    int64 `json:"tracked_items"`
	PausedItems     int64 `json:"paused_items"`
	OpenEscalations int64 `json:"open_escalations"`
	FailedRuns24h   int64 `json:"failed_runs_24h"`
	DispatchMarks   int64 `json:"dispatch_marks"`
}

// HealthReport summarises engine health for the operations dashboard.
type HealthReport struct {
	Status         string       `json:"status"`
	StoreLatencyMs float64      `json:"store_latency_ms"`
	StoreError     *string      `json:"store_error,omitempty"`
	QueueDepth     *int64       `json:"queue_depth,omitempty"`
	Counts         EntityCounts `json:"counts"`
	RecentRuns     []JobRun     `json:"recent_runs"`
	CheckedAt      time.Time    `json:"checked_at"`
}
