package ledger

import (
	"context"
	"sync"
)

// JobFunc is the body of a named job. It reports progress on run as it goes so
// that a failure part-way through still leaves accurate counters behind.
type JobFunc func(ctx context.Context, run *Run) error

// Run accumulates counters and detail for one job invocation.
type Run struct {
	ID      string
	JobName string

	mu       sync.Mutex
	counters map[string]int
	detail   map[string]any
}

func newRun(id, job string) *Run {
	return &Run{
		ID:       id,
		JobName:  job,
		counters: make(map[string]int),
	}
}

// Add increments a named counter by n.
func (r *Run) Add(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += n
}

// Inc increments a named counter by one.
func (r *Run) Inc(name string) { r.Add(name, 1) }

// Set records a detail value for the ledger row.
func (r *Run) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detail == nil {
		r.detail = make(map[string]any)
	}
	r.detail[key] = value
}

// Counter returns the current value of a counter.
func (r *Run) Counter(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Counters returns a copy of all counters.
func (r *Run) Counters() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Detail returns a copy of the detail payload, or nil when none was set.
func (r *Run) Detail() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detail == nil {
		return nil
	}
	out := make(map[string]any, len(r.detail))
	for k, v := range r.detail {
		out[k] = v
	}
	return out
}
