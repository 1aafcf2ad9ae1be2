// Package civil does day-granularity arithmetic on a fixed UTC+7 civil calendar,
// independent of the host timezone.
package civil

import (
	"sync"
	"time"
)

// Offset is the fixed distance of the civil calendar from UTC.
const Offset = 7 * time.Hour

// Day is the length of one civil day. The zone has no DST so this is exact.
const Day = 24 * time.Hour

// Zone is the civil calendar's location.
var Zone = time.FixedZone("UTC+7", int(Offset/time.Second))

// StartOfDay returns the first instant of the civil day containing t.
func StartOfDay(t time.Time) time.Time {
	l := t.In(Zone)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, Zone)
}

// DaysBetween returns the signed number of whole civil days from a to b.
// It differences day starts rather than raw instants so the result does not
// depend on the time of day either instant falls on.
func DaysBetween(a, b time.Time) int {
	return int(StartOfDay(b).Sub(StartOfDay(a)) / Day)
}

// FormatDate renders t as a civil calendar date.
func FormatDate(t time.Time) string {
	return t.In(Zone).Format("2006-01-02")
}

// Clock supplies "now" to the engine.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a settable instant. Safe for concurrent use.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock pinned at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
