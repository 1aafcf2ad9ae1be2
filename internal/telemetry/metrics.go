package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RemindersSent        = prometheus.NewCounter(prometheus.CounterOpts{Name: "sla_reminders_sent_total", Help: "Reminder offsets dispatched"})
	EscalationsRaised    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sla_escalations_raised_total", Help: "Work items transitioned to escalated"})
	EscalationsResolved  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sla_escalations_resolved_total", Help: "Escalations closed by a human"})
	NotificationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sla_notifications_created_total", Help: "Notification records written"}, []string{"kind"})
	JobRuns              = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sla_job_runs_total", Help: "Ledger rows closed by job and outcome"}, []string{"job", "status"})
	JobDuration          = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "sla_job_duration_seconds", Help: "Job run duration", Buckets: prometheus.DefBuckets}, []string{"job"})
	RetryRequests        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sla_job_retries_total", Help: "Manual retry requests by job and mode"}, []string{"job", "mode"})
	RetryRateLimited     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sla_job_retry_rate_limited_total", Help: "Retry requests rejected by the throttle"})
	RetryDeadLetter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sla_job_retry_dead_letter_total", Help: "Queued retries abandoned after max attempts"})
	RetryQueueDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sla_job_retry_queue_depth", Help: "Queued retries waiting to run"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RemindersSent,
			EscalationsRaised,
			EscalationsResolved,
			NotificationsCreated,
			JobRuns,
			JobDuration,
			RetryRequests,
			RetryRateLimited,
			RetryDeadLetter,
			RetryQueueDepth,
		)
	})
	return promhttp.Handler()
}
