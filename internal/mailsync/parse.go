package mailsync

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"schoolcal/internal/store"
)

const maxOccurrences = 1000

// Range bounds recurrence expansion and single events, [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) overlaps(start, end time.Time) bool {
	if end.IsZero() || !end.After(start) {
		end = start.Add(time.Minute)
	}
	return start.Before(r.End) && end.After(r.Start)
}

type vevent struct {
	uid         string
	summary     string
	description string
	start       time.Time
	end         time.Time
	allDay      bool
	status      string
	showAs      string
	response    string
	rrule       string
	exdates     []time.Time
	recurrence  *time.Time
}

// Parse decodes an ICS payload into mailbox events inside rng. Recurring
// events are expanded; RECURRENCE-ID overrides replace the matching
// occurrence. Events without UID or start are skipped.
func Parse(body []byte, rng Range) ([]store.MailboxEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ics body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	var base []vevent
	overrides := make(map[string][]vevent)
	for _, ve := range cal.Events() {
		ev, ok := readEvent(ve)
		if !ok {
			continue
		}
		if ev.recurrence != nil {
			overrides[ev.uid] = append(overrides[ev.uid], ev)
			continue
		}
		base = append(base, ev)
	}

	var out []store.MailboxEvent
	for _, ev := range base {
		if ev.rrule == "" {
			if rng.overlaps(ev.start, ev.end) {
				out = append(out, ev.toEvent(ev.uid, ev.start, ev.end))
			}
			continue
		}
		occ, err := expand(ev, overrides[ev.uid], rng)
		if err != nil {
			return nil, err
		}
		out = append(out, occ...)
	}
	for uid, list := range overrides {
		for _, ov := range list {
			if rng.overlaps(ov.start, ov.end) {
				out = append(out, ov.toEvent(occurrenceID(uid, *ov.recurrence), ov.start, ov.end))
			}
		}
	}
	return out, nil
}

func expand(ev vevent, overrides []vevent, rng Range) ([]store.MailboxEvent, error) {
	r, err := rrule.StrToRRule(ev.rrule)
	if err != nil {
		return nil, fmt.Errorf("event %s: rrule %q: %w", ev.uid, ev.rrule, err)
	}
	r.DTStart(ev.start)
	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exdates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	duration := ev.end.Sub(ev.start)
	if ev.end.IsZero() || duration <= 0 {
		duration = 0
		if ev.allDay {
			duration = 24 * time.Hour
		}
	}
	// Occurrences that started before the range may still overlap it.
	starts := set.Between(rng.Start.Add(-duration), rng.End, true)
	if len(starts) > maxOccurrences {
		starts = starts[:maxOccurrences]
	}

	out := make([]store.MailboxEvent, 0, len(starts))
	for _, start := range starts {
		if overridden(overrides, start) {
			continue
		}
		end := start.Add(duration)
		if !rng.overlaps(start, end) {
			continue
		}
		out = append(out, ev.toEvent(occurrenceID(ev.uid, start), start, end))
	}
	return out, nil
}

func overridden(overrides []vevent, start time.Time) bool {
	for _, ov := range overrides {
		if ov.recurrence.Equal(start) {
			return true
		}
	}
	return false
}

func occurrenceID(uid string, start time.Time) string {
	return uid + "/" + start.UTC().Format("20060102T150405Z")
}

func (ev vevent) toEvent(id string, start, end time.Time) store.MailboxEvent {
	e := store.MailboxEvent{
		ID:             id,
		Title:          ev.summary,
		Description:    ev.description,
		StartAt:        start.UTC(),
		AllDay:         ev.allDay,
		Status:         ev.status,
		ResponseStatus: ev.response,
		ShowAs:         ev.showAs,
	}
	if !end.IsZero() {
		e.EndAt = end.UTC()
	}
	return e
}

func readEvent(ve *ical.VEvent) (vevent, bool) {
	var ev vevent
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, false
	}
	ev.uid = uid.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.description = p.Value
	}

	dtstart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return ev, false
	}
	ev.allDay = isDate(dtstart)
	if ev.allDay {
		start, err := parseDate(dtstart.Value)
		if err != nil {
			return ev, false
		}
		ev.start = start
		ev.end = start.AddDate(0, 0, 1)
		if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
			if end, err := parseDate(p.Value); err == nil && end.After(start) {
				ev.end = end
			}
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, false
		}
		ev.start = start
		if end, err := ve.GetEndAt(); err == nil {
			ev.end = end
		}
	}

	ev.status = store.EventConfirmed
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		switch strings.ToUpper(strings.TrimSpace(p.Value)) {
		case "TENTATIVE":
			ev.status = store.EventTentative
		case "CANCELLED":
			ev.status = store.EventCancelled
		}
	}
	ev.showAs = "busy"
	if p := ve.GetProperty(ical.ComponentPropertyTransp); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "TRANSPARENT") {
		ev.showAs = "free"
	}
	if p := ve.GetProperty(ical.ComponentPropertyAttendee); p != nil {
		if ps, ok := p.ICalParameters["PARTSTAT"]; ok && len(ps) > 0 {
			ev.response = strings.ToLower(ps[0])
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseStamp(strings.TrimSpace(part), ev.start.Location()); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentProperty(ical.PropertyRecurrenceId)); p != nil {
		if t, err := parseStamp(p.Value, ev.start.Location()); err == nil {
			ev.recurrence = &t
		}
	}
	return ev, true
}

func isDate(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parseDate reads an all-day value as UTC midnight of that date.
func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return time.Time{}, fmt.Errorf("bad date %q", v)
	}
	return time.Parse("20060102", v[:8])
}

func parseStamp(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return parseDate(v)
	}
}
