// Package schoolyear holds the calendar arithmetic shared by the importers:
// school-year windows, Monday-aligned anchor weeks, weekday names and
// weekly recurrence expansion.
package schoolyear

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// DateLayout is the storage and wire format of calendar dates.
const DateLayout = "2006-01-02"

const maxWeeklyOccurrences = 520

// Window is an inclusive Aug 1 – Jul 31 school year.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the calendar day d falls inside the window.
func (w Window) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(w.Start) && !d.After(w.End)
}

func (w Window) String() string {
	return w.Start.Format(DateLayout) + ".." + w.End.Format(DateLayout)
}

// WindowFor returns the school year containing anchor. Anchors from August
// onward start a new year; January–July belong to the year that started the
// previous August.
func WindowFor(anchor time.Time) Window {
	year := anchor.Year()
	if anchor.Month() < time.August {
		year--
	}
	return Window{
		Start: Date(year, time.August, 1),
		End:   Date(year+1, time.July, 31),
	}
}

// WeekStart returns the Monday on or before d. Sunday belongs to the week
// that started six days earlier.
func WeekStart(d time.Time) time.Time {
	d = Day(d)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// Date builds a calendar day at midnight UTC.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day drops the clock and zone of t, keeping its calendar day.
func Day(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD string into a calendar day.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

var weekdays = map[string]time.Weekday{
	"monday":    time.Monday,
	"mon":       time.Monday,
	"tuesday":   time.Tuesday,
	"tue":       time.Tuesday,
	"tues":      time.Tuesday,
	"wednesday": time.Wednesday,
	"wed":       time.Wednesday,
	"thursday":  time.Thursday,
	"thu":       time.Thursday,
	"thurs":     time.Thursday,
	"friday":    time.Friday,
	"fri":       time.Friday,
}

// SchoolDays lists the recognised weekdays in calendar order.
var SchoolDays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// ParseWeekday maps a school weekday name to time.Weekday. Weekend days and
// unknown names are not recognised.
func ParseWeekday(name string) (time.Weekday, bool) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
	return wd, ok
}

// DayInWeek returns the date of wd within the week starting at weekStart.
func DayInWeek(weekStart time.Time, wd time.Weekday) time.Time {
	offset := (int(wd) + 6) % 7
	return Day(weekStart).AddDate(0, 0, offset)
}

// Weekly returns every date from first through until (both inclusive) that
// falls on first's weekday.
func Weekly(first, until time.Time) ([]time.Time, error) {
	first, until = Day(first), Day(until)
	if until.Before(first) {
		return nil, nil
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.WEEKLY,
		Dtstart: first,
		Until:   until,
	})
	if err != nil {
		return nil, fmt.Errorf("weekly rule: %w", err)
	}
	dates := r.Between(first, until, true)
	if len(dates) > maxWeeklyOccurrences {
		return nil, errors.New("weekly rule: occurrence cap exceeded")
	}
	return dates, nil
}
