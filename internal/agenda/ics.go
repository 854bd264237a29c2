package agenda

import (
	"fmt"
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"schoolcal/internal/schoolyear"
)

const productID = "-//schoolcal//agenda//EN"

// WriteICS renders items as an iCalendar document. Item dates and times
// are interpreted in loc; items without a start become all-day events.
func WriteICS(w io.Writer, name string, items []Item, loc *time.Location, stamp time.Time) error {
	if loc == nil {
		loc = time.Local
	}
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for _, it := range items {
		day, err := time.ParseInLocation(schoolyear.DateLayout, it.Date, loc)
		if err != nil {
			return fmt.Errorf("agenda ics: item %s: %w", it.ID, err)
		}
		ev := cal.AddEvent(it.ID + "@schoolcal")
		ev.SetDtStampTime(stamp.UTC())
		ev.SetSummary(it.Title)
		if it.Description != "" {
			ev.SetDescription(it.Description)
		}
		start, end, timed := eventSpan(day, it)
		if !timed {
			ev.SetAllDayStartAt(day)
			ev.SetAllDayEndAt(day.AddDate(0, 0, 1))
			continue
		}
		ev.SetStartAt(start.UTC())
		ev.SetEndAt(end.UTC())
	}
	_, err := io.WriteString(w, cal.Serialize())
	return err
}

// eventSpan resolves the start and end of a timed item. Items without a
// readable start clock are reported as untimed; an unreadable end falls
// back to one hour after the start.
func eventSpan(day time.Time, it Item) (start, end time.Time, timed bool) {
	if it.AllDay || it.StartTime == "" {
		return time.Time{}, time.Time{}, false
	}
	start, err := atClock(day, it.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	end = start.Add(time.Hour)
	if it.EndTime != "" {
		if e, err := atClock(day, it.EndTime); err == nil && e.After(start) {
			end = e
		}
	}
	return start, end, true
}

func atClock(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
