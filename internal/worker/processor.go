package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/queue"
	"sla-engine/internal/telemetry"
)

// Queue is the subset of the retry queue the processor drives.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	DequeueWithLease(ctx context.Context) (queue.Request, bool, error)
	Schedule(ctx context.Context, req queue.Request, runAt time.Time) error
	Ack(ctx context.Context, id string) error
	DLQPush(ctx context.Context, req queue.Request) error
	Depth(ctx context.Context) (int64, error)
}

// Options tunes retry scheduling.
type Options struct {
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BatchSize      int64
}

// Processor drains queued retry requests and runs them through the ledger.
type Processor struct {
	opts   Options
	queue  Queue
	ledger *ledger.Ledger
	log    logrus.FieldLogger
}

// NewProcessor wires a processor. Zero options fall back to defaults.
func NewProcessor(opts Options, q Queue, l *ledger.Ledger, log logrus.FieldLogger) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Processor{opts: opts, queue: q, ledger: l, log: log}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Step(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.WithError(err).Warn("retry queue step failed")
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// Step performs queue housekeeping and processes at most one request. It
// reports whether a request was handled.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, p.opts.BatchSize); err != nil {
		return false, err
	}
	if n, err := p.queue.RequeueExpired(ctx, now, p.opts.BatchSize); err != nil {
		return false, err
	} else if n > 0 {
		p.log.WithField("count", n).Warn("reclaimed expired retry leases")
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.RetryQueueDepth.Set(float64(depth))
	}

	req, ok, err := p.queue.DequeueWithLease(ctx)
	if err != nil || !ok {
		return false, err
	}
	return true, p.handle(ctx, req)
}

func (p *Processor) handle(ctx context.Context, req queue.Request) error {
	log := p.log.WithFields(logrus.Fields{"job": req.Job, "request_id": req.ID, "attempt": req.Attempt + 1})

	row, err := p.ledger.Run(ctx, req.Job, models.TriggerQueued)
	if errors.Is(err, ledger.ErrUnknownJob) {
		req.LastError = err.Error()
		log.WithError(err).Error("dropping retry for unknown job")
		telemetry.RetryDeadLetter.Inc()
		return p.queue.DLQPush(ctx, req)
	}
	if err == nil && row.Status == models.StatusSuccess {
		log.WithField("run_id", row.ID).Info("queued retry succeeded")
		return p.queue.Ack(ctx, req.ID)
	}

	req.Attempt++
	switch {
	case err != nil:
		req.LastError = err.Error()
	case row.Error != nil:
		req.LastError = *row.Error
	default:
		req.LastError = row.Status
	}

	if req.Attempt >= p.opts.MaxAttempts {
		log.WithField("error", req.LastError).Error("retry attempts exhausted")
		telemetry.RetryDeadLetter.Inc()
		return p.queue.DLQPush(ctx, req)
	}

	wait := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, req.Attempt)
	log.WithFields(logrus.Fields{"error": req.LastError, "backoff": wait.String()}).Warn("queued retry rescheduled")
	return p.queue.Schedule(ctx, req, time.Now().Add(wait))
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
