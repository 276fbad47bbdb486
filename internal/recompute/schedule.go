package recompute

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule decides when the next pass of a task runs.
type Schedule interface {
	// Next returns the first run time strictly after t.
	Next(t time.Time) time.Time
	String() string
}

type every time.Duration

// Every runs a pass d after the previous one finished.
func Every(d time.Duration) Schedule {
	return every(d)
}

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

func (e every) String() string {
	return "every " + time.Duration(e).String()
}

type dailyAt struct {
	hour, minute int
}

// DailyAt runs a pass once a day at hour:minute local time.
func DailyAt(hour, minute int) Schedule {
	return dailyAt{hour: hour, minute: minute}
}

func (d dailyAt) Next(t time.Time) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), d.hour, d.minute, 0, 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (d dailyAt) String() string {
	return fmt.Sprintf("daily at %02d:%02d", d.hour, d.minute)
}

type daysFromMidnight int

// EveryDaysFromMidnight runs a pass n days after the midnight that started
// the current day. With n=7 a pass runs a week after the day it was
// scheduled on began.
func EveryDaysFromMidnight(n int) Schedule {
	if n < 1 {
		n = 1
	}
	return daysFromMidnight(n)
}

func (n daysFromMidnight) Next(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, int(n))
}

func (n daysFromMidnight) String() string {
	return fmt.Sprintf("every %d days from midnight", int(n))
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
