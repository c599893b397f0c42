package gps

import (
	"fmt"
	"time"
)

// localLayouts are the accepted wire forms of a local date-time. Seconds are
// optional; a fractional part after the seconds is accepted by time.Parse.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

const localFormat = "2006-01-02T15:04:05.999999999"

// LocalTime is a wall-clock date-time without a zone. The embedded time is
// always in UTC; the location carries no meaning.
type LocalTime struct {
	time.Time
}

// ParseLocalTime parses an ISO-8601 local date-time such as
// "2023-10-27T10:15:30". Values with a zone or offset are rejected.
func ParseLocalTime(s string) (LocalTime, error) {
	if s == "" {
		return LocalTime{}, fmt.Errorf("empty local date-time")
	}
	var firstErr error
	for _, layout := range localLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return LocalTime{Time: t}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return LocalTime{}, fmt.Errorf("parse local date-time %q: %w", s, firstErr)
}

// LocalTimeOf drops the zone of t, keeping its wall clock reading.
func LocalTimeOf(t time.Time) LocalTime {
	return LocalTime{Time: time.Date(
		t.Year(), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(),
		time.UTC,
	)}
}

// Now returns the current wall clock reading in the process time zone.
func Now() LocalTime {
	return LocalTimeOf(time.Now())
}

// AddDays shifts t by n calendar days.
func (t LocalTime) AddDays(n int) LocalTime {
	return LocalTime{Time: t.Time.AddDate(0, 0, n)}
}

// Before reports whether t is strictly earlier than u.
func (t LocalTime) Before(u LocalTime) bool {
	return t.Time.Before(u.Time)
}

func (t LocalTime) String() string {
	return t.Time.Format(localFormat)
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *LocalTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("local date-time must be a JSON string, got %s", s)
	}
	parsed, err := ParseLocalTime(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
