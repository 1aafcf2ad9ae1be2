package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sla-engine/internal/civil"
	"sla-engine/internal/ledger"
	"sla-engine/internal/models"
	"sla-engine/internal/queue"
	"sla-engine/internal/testutil"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b60 := backoffWithJitter(base, max, 60)
	if b60 < max/2 || b60 > max {
		t.Fatalf("large attempts must clamp to max: %s", b60)
	}
}

type fixture struct {
	proc   *Processor
	queue  *queue.RedisQueue
	store  *testutil.MemStore
	failed *bool
}

func newFixture(t *testing.T, maxAttempts int) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueue(client, time.Minute)

	st := testutil.NewMemStore()
	l := ledger.New(st, civil.SystemClock{}, testutil.Logger())
	failing := true
	l.Register("flaky", func(context.Context, *ledger.Run) error {
		if failing {
			return errors.New("store timeout")
		}
		return nil
	})
	opts := Options{MaxAttempts: maxAttempts, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}
	return fixture{proc: NewProcessor(opts, q, l, testutil.Logger()), queue: q, store: st, failed: &failing}
}

func TestStepSuccessAcks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	*f.failed = false

	if _, err := f.queue.Enqueue(ctx, "flaky"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	worked, err := f.proc.Step(ctx)
	if err != nil || !worked {
		t.Fatalf("step: worked=%v err=%v", worked, err)
	}
	runs := f.store.Runs()
	if len(runs) != 1 || runs[0].Trigger != models.TriggerQueued || runs[0].Status != models.StatusSuccess {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if depth, _ := f.queue.Depth(ctx); depth != 0 {
		t.Fatalf("expected empty queue, depth %d", depth)
	}
	if worked, _ := f.proc.Step(ctx); worked {
		t.Fatalf("nothing left to process")
	}
}

func TestStepReschedulesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	if _, err := f.queue.Enqueue(ctx, "flaky"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.proc.Step(ctx); err != nil {
		t.Fatalf("first step: %v", err)
	}
	if depth, _ := f.queue.Depth(ctx); depth != 1 {
		t.Fatalf("failed run should be scheduled again, depth %d", depth)
	}

	time.Sleep(5 * time.Millisecond)
	worked, err := f.proc.Step(ctx)
	if err != nil || !worked {
		t.Fatalf("second step: worked=%v err=%v", worked, err)
	}
	entries, _ := f.queue.DLQPeek(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("expected dead letter after max attempts, got %v", entries)
	}
	if runs := f.store.Runs(); len(runs) != 2 {
		t.Fatalf("expected a ledger row per attempt, got %d", len(runs))
	}
}

func TestStepUnknownJobDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	if _, err := f.queue.Enqueue(ctx, "missing"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.proc.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if entries, _ := f.queue.DLQPeek(ctx, 10); len(entries) != 1 {
		t.Fatalf("expected unknown job dead-lettered, got %v", entries)
	}
	if len(f.store.Runs()) != 0 {
		t.Fatalf("unknown jobs write no ledger row")
	}
}
