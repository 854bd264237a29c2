package dataset

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"schoolcal/internal/schoolyear"
)

// Kind distinguishes standing activities from single occurrences.
type Kind string

const (
	KindRecurring Kind = "recurring"
	KindOneTime   Kind = "one_time"
)

// ParseKind normalises the loosely spelled activity type. Anything that is
// not recognisably one-off is recurring.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(strings.NewReplacer("-", "_", " ", "_").Replace(s))) {
	case "one_time", "onetime", "once", "single", "one_off", "oneoff":
		return KindOneTime
	default:
		return KindRecurring
	}
}

// ScheduleEntry is one weekday's school hours.
type ScheduleEntry struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Notes string `json:"notes,omitempty"`
}

func (e *ScheduleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Start     string `json:"start"`
		StartTime string `json:"start_time"`
		End       string `json:"end"`
		EndTime   string `json:"end_time"`
		Notes     string `json:"notes"`
		Note      string `json:"note"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Start = NormalizeClock(firstNonEmpty(raw.Start, raw.StartTime))
	e.End = NormalizeClock(firstNonEmpty(raw.End, raw.EndTime))
	e.Notes = firstNonEmpty(raw.Notes, raw.Note)
	return nil
}

// HasTimes reports whether both start and end are present.
func (e ScheduleEntry) HasTimes() bool {
	return e.Start != "" && e.End != ""
}

// ClocksValid reports whether both start and end are HH:MM times.
func (e ScheduleEntry) ClocksValid() bool {
	return IsClock(e.Start) && IsClock(e.End)
}

// Schedule maps weekday names, as written in the response, to school
// hours. A nil Schedule means the response carried no schedule block.
type Schedule map[string]ScheduleEntry

// Days returns the weekday names ordered Monday first; unrecognised names
// sort last, alphabetically.
func (s Schedule) Days() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := dayRank(names[i]), dayRank(names[j])
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})
	return names
}

func dayRank(name string) int {
	wd, ok := schoolyear.ParseWeekday(name)
	if !ok {
		return 7
	}
	return (int(wd) + 6) % 7
}

// ActivityEntry is one extracurricular or in-school activity.
type ActivityEntry struct {
	Day   string `json:"day"`
	Name  string `json:"name"`
	Start string `json:"start"`
	End   string `json:"end"`
	Kind  Kind   `json:"type"`
	// SpecificDate is carried through for display only; one-time entries
	// are placed by weekday within the anchor week.
	SpecificDate *time.Time `json:"specific_date,omitempty"`
}

func (a *ActivityEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Day          string `json:"day"`
		Weekday      string `json:"weekday"`
		Name         string `json:"name"`
		Title        string `json:"title"`
		Start        string `json:"start"`
		StartTime    string `json:"start_time"`
		End          string `json:"end"`
		EndTime      string `json:"end_time"`
		Type         string `json:"type"`
		SpecificDate string `json:"specific_date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Day = firstNonEmpty(raw.Day, raw.Weekday)
	a.Name = firstNonEmpty(raw.Name, raw.Title)
	a.Start = NormalizeClock(firstNonEmpty(raw.Start, raw.StartTime))
	a.End = NormalizeClock(firstNonEmpty(raw.End, raw.EndTime))
	a.Kind = ParseKind(raw.Type)
	a.SpecificDate = nil
	if d, err := schoolyear.ParseDate(raw.SpecificDate); err == nil {
		a.SpecificDate = &d
	}
	return nil
}

// HasTimes reports whether both start and end are present.
func (a ActivityEntry) HasTimes() bool {
	return a.Start != "" && a.End != ""
}

// ClocksValid reports whether both start and end are HH:MM times.
func (a ActivityEntry) ClocksValid() bool {
	return IsClock(a.Start) && IsClock(a.End)
}

// HomeworkEntry is one assignment for the anchor week.
type HomeworkEntry struct {
	Subject    string `json:"subject"`
	Assignment string `json:"assignment"`
}

// Valid reports whether both subject and assignment are non-blank.
func (h HomeworkEntry) Valid() bool {
	return strings.TrimSpace(h.Subject) != "" && strings.TrimSpace(h.Assignment) != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var clockLayouts = []string{"15:04", "15.04", "15:04:05", "3:04 PM", "3:04PM", "3 PM", "3PM"}

// NormalizeClock rewrites a time of day as zero-padded HH:MM so stored
// times sort lexically. Values that do not parse are returned trimmed.
func NormalizeClock(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return t.Format("15:04")
		}
	}
	return s
}

// IsClock reports whether s is a normalized HH:MM time of day.
func IsClock(s string) bool {
	if len(s) != 5 {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}
