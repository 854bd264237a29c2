// Package materialize turns parsed datasets into dated calendar rows.
// Weekly patterns are expanded from the anchor week through the end of the
// school year; one-time activities land in the anchor week; homework is
// scoped to the anchor week. Every stage clears its own earlier output from
// the anchor week forward before writing, so repeated imports converge.
//
// Stages run sequentially and are not wrapped in one transaction: when a
// stage fails, the stages before it stay committed and the returned Summary
// says what was written.
package materialize

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolcal/internal/dataset"
	"schoolcal/internal/schoolyear"
	"schoolcal/internal/store"
)

// Tags embedded in generated row descriptions.
const (
	TagSchoolSchedule = "school_schedule"
	TagSchoolActivity = "school_activity"
)

// Activity type markers of generated rows.
const (
	TypeSchool   = "school"
	TypeActivity = "activity"
)

const (
	defaultScheduleTitle = "School"
	defaultActivityTitle = "Activity"
	defaultSampleSize    = 5
)

// Repository is the persistence the materializer writes through.
type Repository interface {
	InsertActivities(ctx context.Context, rows []store.Activity) (int64, error)
	DeleteActivities(ctx context.Context, f store.ActivityFilter) (int64, error)
	InsertHomework(ctx context.Context, rows []store.Homework) (int64, error)
	DeleteHomework(ctx context.Context, f store.HomeworkFilter) (int64, error)
}

// Options tune a Materializer. Zero values pick defaults.
type Options struct {
	ScheduleTitle string
	SampleSize    int
	Location      *time.Location
	Now           func() time.Time
}

// Request identifies whose calendar is written and for which week.
type Request struct {
	MemberID string
	// AnchorDate is any day in the target week. Zero means today.
	AnchorDate time.Time
	// WeekStart overrides AnchorDate; it is aligned to its Monday.
	WeekStart   time.Time
	SourceImage string
	ImportID    string
}

// Plan is a resolved Request.
type Plan struct {
	MemberID    string
	ImportID    string
	SourceImage string
	Anchor      time.Time
	WeekStart   time.Time
	Window      schoolyear.Window
}

// Stage reports one stage's outcome.
type Stage struct {
	Ran     bool             `json:"ran"`
	Cleared int64            `json:"cleared"`
	Written int64            `json:"written"`
	Skipped int              `json:"skipped"`
	Sample  []store.Activity `json:"sample"`
}

// HomeworkStage reports the homework stage.
type HomeworkStage struct {
	Ran     bool             `json:"ran"`
	Cleared int64            `json:"cleared"`
	Written int64            `json:"written"`
	Skipped int              `json:"skipped"`
	Sample  []store.Homework `json:"sample"`
}

// Summary is the caller-visible result of one import.
type Summary struct {
	ImportID   string        `json:"import_id"`
	MemberID   string        `json:"member_id"`
	WeekStart  string        `json:"week_start"`
	WindowEnd  string        `json:"window_end"`
	Schedules  Stage         `json:"schedules"`
	Activities Stage         `json:"activities"`
	Homework   HomeworkStage `json:"homework"`
}

// Materializer writes generated rows for one member at a time. Imports for
// the same member must be serialized by the caller.
type Materializer struct {
	repo   Repository
	guard  Guard
	logger *zap.Logger
	opts   Options
}

func New(repo Repository, logger *zap.Logger, opts Options) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ScheduleTitle == "" {
		opts.ScheduleTitle = defaultScheduleTitle
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = defaultSampleSize
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Materializer{repo: repo, guard: NewGuard(repo), logger: logger, opts: opts}
}

// Resolve fixes the anchor week and school-year window of req.
func (m *Materializer) Resolve(req Request) (Plan, error) {
	if req.MemberID == "" {
		return Plan{}, fmt.Errorf("materialize: member id is required")
	}
	anchor := req.AnchorDate
	if !req.WeekStart.IsZero() {
		anchor = req.WeekStart
	}
	if anchor.IsZero() {
		anchor = m.opts.Now().In(m.opts.Location)
	}
	anchor = schoolyear.Day(anchor)
	plan := Plan{
		MemberID:    req.MemberID,
		ImportID:    req.ImportID,
		SourceImage: req.SourceImage,
		Anchor:      anchor,
		WeekStart:   schoolyear.WeekStart(anchor),
		Window:      schoolyear.WindowFor(anchor),
	}
	if plan.ImportID == "" {
		plan.ImportID = uuid.NewString()
	}
	if plan.SourceImage == "" {
		plan.SourceImage = plan.ImportID
	}
	return plan, nil
}

// Run materializes the schedule, activities and homework of ds. A nil
// schedule, or a dataset that failed to decode, leaves the existing rows of
// that dataset alone. On a storage failure the summary of the stages
// completed so far is returned with the error.
func (m *Materializer) Run(ctx context.Context, req Request, ds dataset.Result) (Summary, error) {
	plan, err := m.Resolve(req)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		ImportID:  plan.ImportID,
		MemberID:  plan.MemberID,
		WeekStart: plan.WeekStart.Format(schoolyear.DateLayout),
		WindowEnd: plan.Window.End.Format(schoolyear.DateLayout),
	}
	log := m.logger.With(
		zap.String("member", plan.MemberID),
		zap.String("import_id", plan.ImportID),
		zap.String("week_start", sum.WeekStart),
		zap.String("window", plan.Window.String()),
	)

	failed := make(map[string]bool, len(ds.Errors))
	for _, derr := range ds.Errors {
		failed[derr.Dataset] = true
	}

	if ds.Schedule != nil && !failed[dataset.NameSchedule] {
		sum.Schedules, err = m.Schedule(ctx, plan, ds.Schedule)
		if err != nil {
			log.Error("schedule stage failed", zap.Error(err))
			return sum, err
		}
	}
	if !failed[dataset.NameActivities] {
		sum.Activities, err = m.Activities(ctx, plan, ds.Activities)
		if err != nil {
			log.Error("activity stage failed", zap.Error(err))
			return sum, err
		}
	}
	if !failed[dataset.NameHomework] {
		sum.Homework, err = m.Homework(ctx, plan, ds.Homework)
		if err != nil {
			log.Error("homework stage failed", zap.Error(err))
			return sum, err
		}
	}
	log.Info("import materialized",
		zap.Int64("schedules", sum.Schedules.Written),
		zap.Int64("activities", sum.Activities.Written),
		zap.Int64("homework", sum.Homework.Written),
	)
	return sum, nil
}

// Schedule replaces the member's school-hours rows from the anchor week
// through the window end.
func (m *Materializer) Schedule(ctx context.Context, plan Plan, schedule dataset.Schedule) (Stage, error) {
	stage := Stage{Ran: true}
	cleared, err := m.guard.Clear(ctx, plan.MemberID, TagSchoolSchedule, plan.WeekStart)
	if err != nil {
		return stage, fmt.Errorf("materialize schedule: clear: %w", err)
	}
	stage.Cleared = cleared

	var rows []store.Activity
	seen := make(map[time.Weekday]bool, len(schedule))
	for _, day := range schedule.Days() {
		entry := schedule[day]
		wd, ok := schoolyear.ParseWeekday(day)
		if !ok {
			stage.Skipped++
			m.logger.Info("schedule entry skipped", zap.String("day", day), zap.String("reason", "unknown weekday"))
			continue
		}
		if seen[wd] {
			stage.Skipped++
			m.logger.Info("schedule entry skipped", zap.String("day", day), zap.String("reason", "duplicate weekday"))
			continue
		}
		seen[wd] = true
		if !entry.HasTimes() {
			stage.Skipped++
			m.logger.Info("schedule entry skipped", zap.String("day", day), zap.String("reason", "missing times"))
			continue
		}
		if !entry.ClocksValid() {
			stage.Skipped++
			m.logger.Info("schedule entry skipped", zap.String("day", day), zap.String("start", entry.Start), zap.String("end", entry.End), zap.String("reason", "unparseable times"))
			continue
		}
		dates, err := m.weekly(plan, wd)
		if err != nil {
			return stage, fmt.Errorf("materialize schedule: %s: %w", day, err)
		}
		for _, d := range dates {
			rows = append(rows, store.Activity{
				MemberID:      plan.MemberID,
				Title:         m.opts.ScheduleTitle,
				Date:          d.Format(schoolyear.DateLayout),
				StartTime:     entry.Start,
				EndTime:       entry.End,
				Description:   store.TypeMarker(TagSchoolSchedule),
				ActivityType:  TypeSchool,
				Recurrence:    store.RecurrenceWeekly,
				RecurrenceEnd: plan.Window.End.Format(schoolyear.DateLayout),
				Notes:         entry.Notes,
				Source:        store.SourceSchoolImport,
				ImportID:      plan.ImportID,
			})
		}
	}

	written, err := m.repo.InsertActivities(ctx, rows)
	if err != nil {
		return stage, fmt.Errorf("materialize schedule: insert: %w", err)
	}
	stage.Written = written
	stage.Sample = sample(rows, m.opts.SampleSize)
	return stage, nil
}

// Activities replaces the member's generated activity rows from the anchor
// week forward. Recurring entries repeat weekly to the window end; one-time
// entries are placed on their weekday inside the anchor week.
func (m *Materializer) Activities(ctx context.Context, plan Plan, entries []dataset.ActivityEntry) (Stage, error) {
	stage := Stage{Ran: true}
	cleared, err := m.guard.Clear(ctx, plan.MemberID, TagSchoolActivity, plan.WeekStart)
	if err != nil {
		return stage, fmt.Errorf("materialize activities: clear: %w", err)
	}
	stage.Cleared = cleared

	var rows []store.Activity
	for _, entry := range entries {
		wd, ok := schoolyear.ParseWeekday(entry.Day)
		if !ok {
			stage.Skipped++
			m.logger.Info("activity skipped", zap.String("name", entry.Name), zap.String("day", entry.Day), zap.String("reason", "unknown weekday"))
			continue
		}
		if !entry.HasTimes() {
			stage.Skipped++
			m.logger.Info("activity skipped", zap.String("name", entry.Name), zap.String("reason", "missing times"))
			continue
		}
		if !entry.ClocksValid() {
			stage.Skipped++
			m.logger.Info("activity skipped", zap.String("name", entry.Name), zap.String("start", entry.Start), zap.String("end", entry.End), zap.String("reason", "unparseable times"))
			continue
		}
		title := entry.Name
		if title == "" {
			title = defaultActivityTitle
		}
		base := store.Activity{
			MemberID:     plan.MemberID,
			Title:        title,
			StartTime:    entry.Start,
			EndTime:      entry.End,
			Description:  store.TypeMarker(TagSchoolActivity),
			ActivityType: TypeActivity,
			Source:       store.SourceSchoolImport,
			ImportID:     plan.ImportID,
		}
		if entry.Kind == dataset.KindOneTime {
			d := schoolyear.DayInWeek(plan.WeekStart, wd)
			if d.Before(plan.WeekStart) || d.After(plan.Window.End) {
				stage.Skipped++
				continue
			}
			row := base
			row.Date = d.Format(schoolyear.DateLayout)
			row.Recurrence = store.RecurrenceNone
			if entry.SpecificDate != nil {
				row.Notes = "Stated date: " + entry.SpecificDate.Format(schoolyear.DateLayout)
			}
			rows = append(rows, row)
			continue
		}
		dates, err := m.weekly(plan, wd)
		if err != nil {
			return stage, fmt.Errorf("materialize activities: %s: %w", entry.Name, err)
		}
		for _, d := range dates {
			row := base
			row.Date = d.Format(schoolyear.DateLayout)
			row.Recurrence = store.RecurrenceWeekly
			row.RecurrenceEnd = plan.Window.End.Format(schoolyear.DateLayout)
			rows = append(rows, row)
		}
	}

	written, err := m.repo.InsertActivities(ctx, rows)
	if err != nil {
		return stage, fmt.Errorf("materialize activities: insert: %w", err)
	}
	stage.Written = written
	stage.Sample = sample(rows, m.opts.SampleSize)
	return stage, nil
}

// Homework replaces the member's image-derived homework for the anchor
// week. Entries without subject or assignment are skipped one by one.
func (m *Materializer) Homework(ctx context.Context, plan Plan, entries []dataset.HomeworkEntry) (HomeworkStage, error) {
	stage := HomeworkStage{Ran: true}
	cleared, err := m.guard.ClearHomework(ctx, plan.MemberID, plan.WeekStart)
	if err != nil {
		return stage, fmt.Errorf("materialize homework: clear: %w", err)
	}
	stage.Cleared = cleared

	rows := make([]store.Homework, 0, len(entries))
	for _, entry := range entries {
		if !entry.Valid() {
			stage.Skipped++
			m.logger.Info("homework skipped", zap.String("subject", entry.Subject), zap.String("reason", "missing subject or assignment"))
			continue
		}
		rows = append(rows, store.Homework{
			MemberID:    plan.MemberID,
			Subject:     entry.Subject,
			Assignment:  entry.Assignment,
			WeekStart:   plan.WeekStart.Format(schoolyear.DateLayout),
			SourceImage: plan.SourceImage,
			FromImage:   true,
		})
	}

	written, err := m.repo.InsertHomework(ctx, rows)
	if err != nil {
		return stage, fmt.Errorf("materialize homework: insert: %w", err)
	}
	stage.Written = written
	if len(rows) > m.opts.SampleSize {
		stage.Sample = rows[:m.opts.SampleSize]
	} else {
		stage.Sample = rows
	}
	return stage, nil
}

// weekly lists the dates of wd from the anchor week to the window end.
func (m *Materializer) weekly(plan Plan, wd time.Weekday) ([]time.Time, error) {
	first := schoolyear.DayInWeek(plan.WeekStart, wd)
	dates, err := schoolyear.Weekly(first, plan.Window.End)
	if err != nil {
		return nil, err
	}
	out := dates[:0]
	for _, d := range dates {
		if d.Before(plan.WeekStart) || d.After(plan.Window.End) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func sample(rows []store.Activity, n int) []store.Activity {
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]store.Activity, len(rows))
	copy(out, rows)
	return out
}
