// Package agenda merges locally owned activities, third-party group
// activities and mailbox events into one ordered agenda.
package agenda

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"schoolcal/internal/schoolyear"
	"schoolcal/internal/store"
)

// Source tags of merged items. Local rows keep their own store source.
const (
	SourceGroupSync   = "group_sync"
	SourceMailboxSync = "mailbox_sync"
)

// Tags that drive suppression.
const (
	TagSchoolSchedule    = "school_schedule"
	TagMunicipalCalendar = "municipal_calendar"
)

const midnight = "00:00"

// Reader is the read side of the store the aggregator needs.
type Reader interface {
	QueryActivities(ctx context.Context, f store.ActivityFilter) ([]store.Activity, error)
	QueryGroupActivities(ctx context.Context, f store.RangeFilter) ([]store.GroupActivity, error)
	QueryMailboxEvents(ctx context.Context, f store.RangeFilter) ([]store.MailboxEvent, error)
}

// Query selects agenda items. From and To are inclusive calendar days; a
// zero To means the single day From. MemberID is optional.
type Query struct {
	MemberID string
	From     time.Time
	To       time.Time
}

// Item is one merged agenda entry.
type Item struct {
	ID             string `json:"id"`
	MemberID       string `json:"member_id"`
	Date           string `json:"date"`
	StartTime      string `json:"start_time,omitempty"`
	EndTime        string `json:"end_time,omitempty"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Source         string `json:"source"`
	Origin         string `json:"origin,omitempty"`
	AllDay         bool   `json:"all_day,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	ShowAs         string `json:"show_as,omitempty"`
}

// SortKey orders items by date then start, with a missing or unreadable
// start as midnight.
func (it Item) SortKey() string {
	start := it.StartTime
	if _, err := time.Parse("15:04", start); err != nil || len(start) != 5 {
		start = midnight
	}
	return it.Date + " " + start
}

// Tagged reports whether the description carries the [TYPE:tag] marker.
func (it Item) Tagged(tag string) bool {
	return strings.Contains(it.Description, store.TypeMarker(tag))
}

// Result is an ordered agenda plus the number of suppressed entries.
type Result struct {
	Items      []Item `json:"items"`
	Suppressed int    `json:"suppressed"`
}

// Aggregator reads and merges the three agenda sources.
type Aggregator struct {
	reader Reader
	loc    *time.Location
	logger *zap.Logger
}

// New returns an Aggregator projecting synced timestamps into loc.
func New(reader Reader, loc *time.Location, logger *zap.Logger) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{reader: reader, loc: loc, logger: logger}
}

// Agenda runs the three source queries concurrently, merges, sorts and
// applies suppression.
func (a *Aggregator) Agenda(ctx context.Context, q Query) (Result, error) {
	if q.From.IsZero() {
		return Result{}, fmt.Errorf("agenda: from date is required")
	}
	from := schoolyear.Day(q.From)
	to := from
	if !q.To.IsZero() {
		to = schoolyear.Day(q.To)
	}
	if to.Before(from) {
		return Result{}, fmt.Errorf("agenda: range end %s before start %s", to.Format(schoolyear.DateLayout), from.Format(schoolyear.DateLayout))
	}

	// Synced rows are stored in UTC; widen by a day each side and filter
	// on the projected local date.
	synced := store.RangeFilter{
		MemberID: q.MemberID,
		From:     a.localMidnight(from.AddDate(0, 0, -1)),
		To:       a.localMidnight(to.AddDate(0, 0, 2)),
	}

	var (
		local   []store.Activity
		groups  []store.GroupActivity
		mailbox []store.MailboxEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = a.reader.QueryActivities(gctx, store.ActivityFilter{
			MemberID: q.MemberID,
			DateFrom: from.Format(schoolyear.DateLayout),
			DateTo:   to.Format(schoolyear.DateLayout),
		})
		if err != nil {
			return fmt.Errorf("agenda: activities: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		groups, err = a.reader.QueryGroupActivities(gctx, synced)
		if err != nil {
			return fmt.Errorf("agenda: group activities: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		mailbox, err = a.reader.QueryMailboxEvents(gctx, synced)
		if err != nil {
			return fmt.Errorf("agenda: mailbox events: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	lo, hi := from.Format(schoolyear.DateLayout), to.Format(schoolyear.DateLayout)
	inRange := func(it Item) bool { return it.Date >= lo && it.Date <= hi }

	items := make([]Item, 0, len(local)+len(groups)+len(mailbox))
	for _, r := range local {
		items = append(items, fromActivity(r))
	}
	for _, r := range groups {
		if it := a.fromGroup(r); inRange(it) {
			items = append(items, it)
		}
	}
	for _, r := range mailbox {
		if it := a.fromMailbox(r); inRange(it) {
			items = append(items, it)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].SortKey() < items[j].SortKey()
	})
	kept, suppressed := Suppress(items)
	if suppressed > 0 {
		a.logger.Debug("agenda entries suppressed",
			zap.String("member", q.MemberID),
			zap.String("from", lo),
			zap.String("to", hi),
			zap.Int("suppressed", suppressed),
		)
	}
	return Result{Items: kept, Suppressed: suppressed}, nil
}

// Suppress drops school-schedule placeholders on every member day that
// has an authoritative municipal calendar entry. Order is preserved.
func Suppress(items []Item) ([]Item, int) {
	authority := make(map[string]struct{})
	for _, it := range items {
		if it.Source == store.SourceCalendarImport && it.Tagged(TagMunicipalCalendar) {
			authority[it.MemberID+"|"+it.Date] = struct{}{}
		}
	}
	if len(authority) == 0 {
		return items, 0
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Tagged(TagSchoolSchedule) {
			if _, ok := authority[it.MemberID+"|"+it.Date]; ok {
				continue
			}
		}
		out = append(out, it)
	}
	return out, len(items) - len(out)
}

func (a *Aggregator) localMidnight(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, a.loc)
}

func fromActivity(r store.Activity) Item {
	source := r.Source
	if source == "" {
		source = store.SourceManual
	}
	return Item{
		ID:          "activity:" + strconv.FormatInt(r.ID, 10),
		MemberID:    r.MemberID,
		Date:        r.Date,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Title:       r.Title,
		Description: r.Description,
		Source:      source,
		Origin:      r.ActivityType,
	}
}

func (a *Aggregator) fromGroup(r store.GroupActivity) Item {
	start := r.StartAt.In(a.loc)
	it := Item{
		ID:          "group:" + r.ID,
		MemberID:    r.MemberID,
		Date:        start.Format(schoolyear.DateLayout),
		StartTime:   start.Format("15:04"),
		Title:       r.Title,
		Description: r.Description,
		Source:      SourceGroupSync,
		Origin:      r.GroupName,
	}
	if !r.EndAt.IsZero() {
		it.EndTime = r.EndAt.In(a.loc).Format("15:04")
	}
	return it
}

func (a *Aggregator) fromMailbox(r store.MailboxEvent) Item {
	it := Item{
		ID:             "mailbox:" + r.ID,
		MemberID:       r.MemberID,
		Title:          r.Title,
		Description:    r.Description,
		Source:         SourceMailboxSync,
		Origin:         r.CalendarName,
		AllDay:         r.AllDay,
		ResponseStatus: r.ResponseStatus,
		ShowAs:         r.ShowAs,
	}
	if r.AllDay {
		// All-day events are stored as UTC midnight of their date.
		it.Date = r.StartAt.UTC().Format(schoolyear.DateLayout)
		return it
	}
	start := r.StartAt.In(a.loc)
	it.Date = start.Format(schoolyear.DateLayout)
	it.StartTime = start.Format("15:04")
	if !r.EndAt.IsZero() {
		it.EndTime = r.EndAt.In(a.loc).Format("15:04")
	}
	return it
}
