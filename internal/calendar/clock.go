package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// ErrInvalidDay indicates that a calendar day string is not in YYYY-MM-DD form.
var ErrInvalidDay = errors.New("calendar: invalid day")

// Day is a calendar date in the configured time zone, formatted as YYYY-MM-DD.
type Day string

// NewDay validates raw input and returns a Day.
func NewDay(rawInput string) (Day, error) {
	trimmed := strings.TrimSpace(rawInput)
	if _, err := time.Parse(dayLayout, trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDay, rawInput)
	}
	return Day(trimmed), nil
}

// String returns the YYYY-MM-DD representation.
func (d Day) String() string {
	return string(d)
}

// Start returns midnight of the day in the provided location.
func (d Day) Start(location *time.Location) (time.Time, error) {
	return time.ParseInLocation(dayLayout, string(d), location)
}

// ClockConfig configures a Clock.
type ClockConfig struct {
	Location *time.Location
	Now      func() time.Time
}

// Clock supplies wall-clock time and day boundaries for a single, system-wide time zone.
type Clock struct {
	location *time.Location
	now      func() time.Time
}

// NewClock constructs a Clock. A nil location means UTC and a nil Now means time.Now.
func NewClock(cfg ClockConfig) *Clock {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Clock{location: location, now: now}
}

// Now returns the current instant expressed in the clock's location.
func (c *Clock) Now() time.Time {
	return c.now().In(c.location)
}

// Location returns the configured time zone.
func (c *Clock) Location() *time.Location {
	return c.location
}

// DayOf returns the calendar day that contains the instant.
func (c *Clock) DayOf(instant time.Time) Day {
	return Day(instant.In(c.location).Format(dayLayout))
}

// StartOfDay returns local midnight of the day containing the instant.
func (c *Clock) StartOfDay(instant time.Time) time.Time {
	local := instant.In(c.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)
}

// NextMidnight returns the start of the calendar day after the one containing the instant.
// time.Date normalises day overflow and DST transitions, so this is not always 24h away.
func (c *Clock) NextMidnight(instant time.Time) time.Time {
	local := instant.In(c.location)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, c.location)
}

// WeekStart returns the Monday that opens the ISO week containing the instant.
func (c *Clock) WeekStart(instant time.Time) Day {
	start := c.StartOfDay(instant)
	offset := (int(start.Weekday()) + 6) % 7
	return c.DayOf(time.Date(start.Year(), start.Month(), start.Day()-offset, 0, 0, 0, 0, c.location))
}

// Weekday returns the weekday of the instant in the clock's location.
func (c *Clock) Weekday(instant time.Time) time.Weekday {
	return instant.In(c.location).Weekday()
}

// IsConsecutive reports whether next is exactly one calendar day after previous.
func IsConsecutive(previous, next Day) bool {
	previousStart, err := previous.Start(time.UTC)
	if err != nil {
		return false
	}
	return Day(previousStart.AddDate(0, 0, 1).Format(dayLayout)) == next
}
