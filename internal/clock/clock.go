// internal/clock/clock.go

// Package clock injects "now" so month boundaries can be simulated in tests.
package clock

import (
	"sync"
	"time"
)

const monthTagLayout = "2006-01"

// Clock is the single source of "now" for the services
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in a fixed location
type System struct {
	Location *time.Location
}

func (s System) Now() time.Time {
	if s.Location == nil {
		return time.Now()
	}
	return time.Now().In(s.Location)
}

// Manual is a settable clock for tests
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a clock stopped at now
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// MonthTag formats the accounting month of t, e.g. "2024-03"
func MonthTag(t time.Time) string {
	return t.Format(monthTagLayout)
}

// PreviousMonthTag returns the tag of the month before t's month
func PreviousMonthTag(t time.Time) string {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return MonthTag(first.AddDate(0, -1, 0))
}

// ParseMonthTag validates a tag and returns the first instant of that month in loc
func ParseMonthTag(tag string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(monthTagLayout, tag, loc)
}
