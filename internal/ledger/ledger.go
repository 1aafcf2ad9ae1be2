// Package ledger wraps every invocation of a named job with an append-only
// run record and exposes manual retry and a health summary.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sla-engine/internal/civil"
	"sla-engine/internal/models"
	"sla-engine/internal/telemetry"
)

// ErrUnknownJob is returned when no job is registered under the requested name.
var ErrUnknownJob = errors.New("unknown job")

// Store persists ledger rows and answers the store-side health probes.
type Store interface {
	OpenRun(ctx context.Context, run models.JobRun) error
	CloseRun(ctx context.Context, run models.JobRun) error
	ListRuns(ctx context.Context, filter models.RunFilter) ([]models.JobRun, error)
	Ping(ctx context.Context) error
	EntityCounts(ctx context.Context, now time.Time) (models.EntityCounts, error)
}

// Archiver receives a copy of every closed run.
type Archiver interface {
	Archive(ctx context.Context, run models.JobRun) error
}

const (
	defaultLogLimit = 50
	maxLogLimit     = 500
	closeTimeout    = 10 * time.Second
)

// Ledger runs named jobs and records their outcome.
type Ledger struct {
	store    Store
	clock    civil.Clock
	log      logrus.FieldLogger
	archiver Archiver
	timeout  time.Duration
	depth    func(ctx context.Context) (int64, error)

	mu   sync.RWMutex
	jobs map[string]JobFunc
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTimeout bounds each run. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.timeout = d }
}

// WithArchiver copies closed runs to an archive.
func WithArchiver(a Archiver) Option {
	return func(l *Ledger) { l.archiver = a }
}

// WithQueueDepth adds the retry queue depth to health reports.
func WithQueueDepth(fn func(ctx context.Context) (int64, error)) Option {
	return func(l *Ledger) { l.depth = fn }
}

// New constructs a ledger over store.
func New(store Store, clock civil.Clock, log logrus.FieldLogger, opts ...Option) *Ledger {
	if clock == nil {
		clock = civil.SystemClock{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Ledger{
		store: store,
		clock: clock,
		log:   log,
		jobs:  make(map[string]JobFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register binds a job function to a name.
func (l *Ledger) Register(name string, fn JobFunc) {
	if name == "" || fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[name] = fn
}

// Has reports whether a job is registered under name.
func (l *Ledger) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.jobs[name]
	return ok
}

// Jobs lists registered job names in order.
func (l *Ledger) Jobs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.jobs))
	for name := range l.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run invokes the named job and records exactly one ledger row for it. Job
// failures are reported through the returned row's status; the error is
// non-nil only when the job is unknown or the row itself cannot be written.
func (l *Ledger) Run(ctx context.Context, name, trigger string) (models.JobRun, error) {
	l.mu.RLock()
	fn, ok := l.jobs[name]
	l.mu.RUnlock()
	if !ok {
		return models.JobRun{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if trigger == "" {
		trigger = models.TriggerManual
	}

	started := l.clock.Now()
	row := models.JobRun{
		ID:        uuid.New().String(),
		JobName:   name,
		Trigger:   trigger,
		StartedAt: started,
		Status:    models.StatusRunning,
		Counters:  map[string]int{},
	}
	if err := l.store.OpenRun(ctx, row); err != nil {
		return row, fmt.Errorf("open run %s: %w", name, err)
	}
	log := l.log.WithFields(logrus.Fields{"job": name, "run_id": row.ID, "trigger": trigger})
	log.Info("job started")

	run := newRun(row.ID, name)
	runCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	err := execute(runCtx, fn, run)

	finished := l.clock.Now()
	row.CompletedAt = &finished
	row.DurationMs = finished.Sub(started).Milliseconds()
	row.Counters = run.Counters()
	row.Detail = run.Detail()
	row.Status = l.outcome(ctx, runCtx, err)
	if err != nil {
		msg := err.Error()
		row.Error = &msg
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if cerr := l.store.CloseRun(closeCtx, row); cerr != nil {
		log.WithError(cerr).Error("close run failed")
		return row, fmt.Errorf("close run %s: %w", name, cerr)
	}

	telemetry.JobRuns.WithLabelValues(name, row.Status).Inc()
	telemetry.JobDuration.WithLabelValues(name).Observe(finished.Sub(started).Seconds())

	entry := log.WithFields(logrus.Fields{"status": row.Status, "duration_ms": row.DurationMs, "counters": row.Counters})
	if err != nil {
		entry.WithError(err).Error("job finished with error")
	} else {
		entry.Info("job finished")
	}

	if l.archiver != nil {
		if aerr := l.archiver.Archive(closeCtx, row); aerr != nil {
			log.WithError(aerr).Warn("archive run failed")
		}
	}
	return row, nil
}

// outcome maps a job error to a ledger status. A run stopped by the ledger's
// own time budget is partial: the work it finished is durable and the rest is
// left for the next invocation.
func (l *Ledger) outcome(parent, runCtx context.Context, err error) string {
	switch {
	case err == nil:
		return models.StatusSuccess
	case l.timeout > 0 && errors.Is(err, context.DeadlineExceeded) &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return models.StatusPartial
	default:
		return models.StatusFailed
	}
}

func execute(ctx context.Context, fn JobFunc, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			run.Set("panic_stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, run)
}

// Retry re-runs a named job and returns a human-readable acknowledgement.
// Earlier failures are not special-cased; the jobs are idempotent.
func (l *Ledger) Retry(ctx context.Context, name string) (string, models.JobRun, error) {
	row, err := l.Run(ctx, name, models.TriggerManual)
	if err != nil {
		return "", row, err
	}
	return Acknowledge(row), row, nil
}

// Acknowledge renders a run as a one-line operator message.
func Acknowledge(row models.JobRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %q finished with status %s in %dms", row.JobName, row.Status, row.DurationMs)
	if len(row.Counters) > 0 {
		keys := make([]string, 0, len(row.Counters))
		for k := range row.Counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, row.Counters[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if row.Error != nil {
		fmt.Fprintf(&b, ": %s", *row.Error)
	}
	return b.String()
}

// Logs lists ledger rows newest first.
func (l *Ledger) Logs(ctx context.Context, filter models.RunFilter) ([]models.JobRun, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLogLimit
	}
	if filter.Limit > maxLogLimit {
		filter.Limit = maxLogLimit
	}
	runs, err := l.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
