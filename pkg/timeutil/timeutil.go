// Package timeutil provides the clock and calendar used for day-based streaks.
// Day comparisons are done on calendar dates in a configured location, never on
// raw 24-hour intervals, so DST shifts and late-night activity do not break streaks.
package timeutil

import (
	"fmt"
	"sync"
	"time"
)

// FormatDate is the storage format for calendar dates (YYYY-MM-DD).
const FormatDate = "2006-01-02"

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a settable clock for tests and tooling.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock returns a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the frozen instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// AddDays moves the clock forward by n calendar days.
func (c *FixedClock) AddDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.AddDate(0, 0, n)
}

// Calendar interprets instants as calendar days in a single location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar creates a calendar for loc. A nil location means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// LoadCalendar creates a calendar from an IANA zone name ("Europe/Berlin").
func LoadCalendar(name string) (Calendar, error) {
	if name == "" {
		return NewCalendar(time.UTC), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return Calendar{}, fmt.Errorf("timeutil: load location %q: %w", name, err)
	}
	return NewCalendar(loc), nil
}

// Location returns the calendar's location.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// StartOfDay returns local midnight of the day containing t.
func (c Calendar) StartOfDay(t time.Time) time.Time {
	local := t.In(c.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location())
}

// DaysBetween returns the number of calendar days from a to b (negative when b
// is before a). The difference is computed on the civil dates, so a 23- or
// 25-hour DST day still counts as one day.
func (c Calendar) DaysBetween(a, b time.Time) int {
	return int(civil(b, c.Location()).Sub(civil(a, c.Location())).Hours() / 24)
}

// IsSameDay reports whether a and b fall on the same calendar day.
func (c Calendar) IsSameDay(a, b time.Time) bool {
	return c.DaysBetween(a, b) == 0
}

// IsConsecutiveDay reports whether b is the calendar day after a.
func (c Calendar) IsConsecutiveDay(a, b time.Time) bool {
	return c.DaysBetween(a, b) == 1
}

// Format renders the calendar date of t as YYYY-MM-DD.
func (c Calendar) Format(t time.Time) string {
	return t.In(c.Location()).Format(FormatDate)
}

// Parse reads a YYYY-MM-DD date as local midnight.
func (c Calendar) Parse(value string) (time.Time, error) {
	t, err := time.ParseInLocation(FormatDate, value, c.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("timeutil: parse date %q: %w", value, err)
	}
	return t, nil
}

// civil maps the local date of t onto UTC midnight so subtraction is DST-free.
func civil(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
