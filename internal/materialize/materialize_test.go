package materialize

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"schoolcal/internal/dataset"
	"schoolcal/internal/schoolyear"
	"schoolcal/internal/store"
)

const member = "kid-1"

func setup(t *testing.T) (*store.Store, *Materializer) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureMember(context.Background(), member, "Kid"))
	m := New(st, zaptest.NewLogger(t), Options{Location: time.UTC})
	return st, m
}

func monday(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := schoolyear.ParseDate(s)
	require.NoError(t, err)
	return d
}

func scheduleRows(t *testing.T, st *store.Store) []store.Activity {
	t.Helper()
	rows, err := st.QueryActivities(context.Background(), store.ActivityFilter{MemberID: member, Tag: TagSchoolSchedule})
	require.NoError(t, err)
	return rows
}

func mondaySchedule() dataset.Result {
	return dataset.Result{Schedule: dataset.Schedule{
		"Monday": {Start: "08:00", End: "14:00"},
	}}
}

func TestScheduleExpandsThroughSchoolYear(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()

	sum, err := m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, mondaySchedule())
	require.NoError(t, err)
	assert.Equal(t, "2024-08-19", sum.WeekStart)
	assert.Equal(t, "2025-07-31", sum.WindowEnd)
	assert.EqualValues(t, 50, sum.Schedules.Written)
	assert.Len(t, sum.Schedules.Sample, defaultSampleSize)

	rows := scheduleRows(t, st)
	require.Len(t, rows, 50)
	assert.Equal(t, "2024-08-19", rows[0].Date)
	assert.Equal(t, "2025-07-28", rows[len(rows)-1].Date)
	for _, r := range rows {
		d := monday(t, r.Date)
		assert.Equal(t, time.Monday, d.Weekday(), r.Date)
		assert.Equal(t, store.RecurrenceWeekly, r.Recurrence)
		assert.Equal(t, "2025-07-31", r.RecurrenceEnd)
		assert.Contains(t, r.Description, "[TYPE:school_schedule]")
		assert.Equal(t, "08:00", r.StartTime)
		assert.Equal(t, "14:00", r.EndTime)
		assert.Equal(t, store.SourceSchoolImport, r.Source)
		assert.Equal(t, TypeSchool, r.ActivityType)
		assert.Equal(t, "School", r.Title)
	}
}

func TestReimportKeepsEarlierWeeks(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()

	_, err := m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, mondaySchedule())
	require.NoError(t, err)
	before := scheduleRows(t, st)
	require.Len(t, before, 50)

	sum, err := m.Run(ctx, Request{MemberID: member, AnchorDate: monday(t, "2024-09-04")}, mondaySchedule())
	require.NoError(t, err)
	assert.Equal(t, "2024-09-02", sum.WeekStart)
	assert.EqualValues(t, 48, sum.Schedules.Cleared)
	assert.EqualValues(t, 48, sum.Schedules.Written)

	after := scheduleRows(t, st)
	require.Len(t, after, 50)
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[1], after[1])
	assert.Equal(t, "2024-08-26", after[1].Date)
	assert.NotEqual(t, before[2].ID, after[2].ID)
	assert.Equal(t, "2024-09-02", after[2].Date)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	ds := dataset.Result{
		Schedule: dataset.Schedule{
			"Monday":  {Start: "08:00", End: "14:00"},
			"Tuesday": {Start: "08:30", End: "15:00", Notes: "Swimming gear"},
		},
		Activities: []dataset.ActivityEntry{
			{Day: "Thursday", Name: "Choir", Start: "15:00", End: "16:00", Kind: dataset.KindRecurring},
			{Day: "Friday", Name: "Museum", Start: "10:00", End: "12:00", Kind: dataset.KindOneTime},
		},
		Homework: []dataset.HomeworkEntry{{Subject: "Math", Assignment: "p.12"}},
	}
	req := Request{MemberID: member, WeekStart: monday(t, "2025-03-03")}

	_, err := m.Run(ctx, req, ds)
	require.NoError(t, err)
	first, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member})
	require.NoError(t, err)
	hw1, err := st.QueryHomework(ctx, store.HomeworkFilter{MemberID: member})
	require.NoError(t, err)

	_, err = m.Run(ctx, req, ds)
	require.NoError(t, err)
	second, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member})
	require.NoError(t, err)
	hw2, err := st.QueryHomework(ctx, store.HomeworkFilter{MemberID: member})
	require.NoError(t, err)

	assert.Equal(t, shape(first), shape(second))
	assert.Len(t, hw2, len(hw1))
	assert.Len(t, hw2, 1)
}

// shape drops identity columns so two runs can be compared.
func shape(rows []store.Activity) []store.Activity {
	out := make([]store.Activity, len(rows))
	for i, r := range rows {
		r.ID = 0
		r.ImportID = ""
		r.CreatedAt = time.Time{}
		out[i] = r
	}
	return out
}

func TestOneTimeActivityLandsInAnchorWeek(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	ds := dataset.Result{Activities: []dataset.ActivityEntry{
		{Day: "Wednesday", Name: "Field trip", Start: "09:00", End: "12:00", Kind: dataset.KindOneTime},
	}}

	sum, err := m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, ds)
	require.NoError(t, err)
	assert.False(t, sum.Schedules.Ran)
	assert.EqualValues(t, 1, sum.Activities.Written)

	rows, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member, Tag: TagSchoolActivity})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-08-21", rows[0].Date)
	assert.Equal(t, "Field trip", rows[0].Title)
	assert.Equal(t, store.RecurrenceNone, rows[0].Recurrence)
	assert.Equal(t, TypeActivity, rows[0].ActivityType)
}

func TestSpecificDateIsInformational(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	stated := monday(t, "2024-10-02")
	ds := dataset.Result{Activities: []dataset.ActivityEntry{
		{Day: "Wednesday", Name: "Concert", Start: "18:00", End: "19:00", Kind: dataset.KindOneTime, SpecificDate: &stated},
	}}

	_, err := m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, ds)
	require.NoError(t, err)
	rows, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-08-21", rows[0].Date)
	assert.Contains(t, rows[0].Notes, "2024-10-02")
}

func TestRecurringActivityStartsOnAnchorWeek(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	ds := dataset.Result{Activities: []dataset.ActivityEntry{
		{Day: "Fri", Name: "Football", Start: "16:00", End: "17:30", Kind: dataset.KindRecurring},
	}}

	_, err := m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2025-07-14")}, ds)
	require.NoError(t, err)
	rows, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member})
	require.NoError(t, err)
	dates := make([]string, 0, len(rows))
	for _, r := range rows {
		dates = append(dates, r.Date)
	}
	assert.Equal(t, []string{"2025-07-18", "2025-07-25"}, dates)
}

func TestEntriesWithoutWeekdayOrTimesAreSkipped(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	ds := dataset.Result{
		Schedule: dataset.Schedule{
			"Someday": {Start: "08:00", End: "14:00"},
			"Tuesday": {Start: "08:00"},
		},
		Activities: []dataset.ActivityEntry{
			{Day: "Saturday", Name: "Scouts", Start: "10:00", End: "12:00"},
			{Day: "Monday", Name: "Chess"},
		},
	}

	sum, err := m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, ds)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Schedules.Skipped)
	assert.Equal(t, 2, sum.Activities.Skipped)
	assert.Zero(t, sum.Schedules.Written)
	assert.Zero(t, sum.Activities.Written)

	rows, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWeekdayAliasesWriteOneSchedule(t *testing.T) {
	st, m := setup(t)
	ds := dataset.Result{Schedule: dataset.Schedule{
		"Monday": {Start: "08:00", End: "14:00"},
		"mon":    {Start: "08:15", End: "13:00"},
	}}

	sum, err := m.Run(context.Background(), Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, ds)
	require.NoError(t, err)
	assert.EqualValues(t, 50, sum.Schedules.Written)
	assert.Equal(t, 1, sum.Schedules.Skipped)

	rows := scheduleRows(t, st)
	require.Len(t, rows, 50)
	var first []store.Activity
	for _, r := range rows {
		if r.Date == "2024-08-19" {
			first = append(first, r)
		}
	}
	require.Len(t, first, 1)
	assert.Equal(t, "08:00", first[0].StartTime)
	assert.Equal(t, "14:00", first[0].EndTime)
}

func TestUnparseableTimesAreSkipped(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	ds := dataset.Result{
		Schedule: dataset.Schedule{
			"Monday":  {Start: "08:00", End: "14:00"},
			"Tuesday": {Start: "morning", End: "14:00"},
		},
		Activities: []dataset.ActivityEntry{
			{Day: "Monday", Name: "Choir", Start: "after school", End: "16:00"},
			{Day: "Tuesday", Name: "Chess", Start: "15:00", End: "16:00", Kind: dataset.KindOneTime},
		},
	}

	sum, err := m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, ds)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Schedules.Skipped)
	assert.EqualValues(t, 50, sum.Schedules.Written)
	assert.Equal(t, 1, sum.Activities.Skipped)
	assert.EqualValues(t, 1, sum.Activities.Written)

	rows, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member, Tag: TagSchoolActivity})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Chess", rows[0].Title)
}

func TestHomeworkSkipsIncompleteEntries(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	ds := dataset.Result{Homework: []dataset.HomeworkEntry{
		{Subject: "Math", Assignment: "p.12"},
		{Subject: "", Assignment: "missing subject"},
	}}

	sum, err := m.Run(ctx, Request{MemberID: member, AnchorDate: monday(t, "2024-08-22"), SourceImage: "photo-7"}, ds)
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Homework.Written)
	assert.Equal(t, 1, sum.Homework.Skipped)

	rows, err := st.QueryHomework(ctx, store.HomeworkFilter{MemberID: member})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Math", rows[0].Subject)
	assert.Equal(t, "2024-08-19", rows[0].WeekStart)
	assert.Equal(t, "photo-7", rows[0].SourceImage)
	assert.True(t, rows[0].FromImage)
}

func TestHomeworkKeepsHandEnteredRows(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	_, err := st.InsertHomework(ctx, []store.Homework{{MemberID: member, Subject: "Art", Assignment: "sketch", WeekStart: "2024-08-19"}})
	require.NoError(t, err)

	ds := dataset.Result{Homework: []dataset.HomeworkEntry{{Subject: "Math", Assignment: "p.12"}}}
	for i := 0; i < 2; i++ {
		_, err = m.Run(ctx, Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, ds)
		require.NoError(t, err)
	}

	rows, err := st.QueryHomework(ctx, store.HomeworkFilter{MemberID: member})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestResolveDefaultsToToday(t *testing.T) {
	m := New(nil, nil, Options{
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2025, time.January, 5, 22, 0, 0, 0, time.UTC) },
	})
	plan, err := m.Resolve(Request{MemberID: member})
	require.NoError(t, err)
	assert.Equal(t, "2024-12-30", plan.WeekStart.Format(schoolyear.DateLayout))
	assert.Equal(t, "2024-08-01..2025-07-31", plan.Window.String())
	assert.NotEmpty(t, plan.ImportID)
	assert.Equal(t, plan.ImportID, plan.SourceImage)

	_, err = m.Resolve(Request{})
	assert.Error(t, err)
}

type failingRepo struct {
	Repository
	failHomework bool
}

func (f failingRepo) InsertHomework(ctx context.Context, rows []store.Homework) (int64, error) {
	if f.failHomework {
		return 0, errors.New("disk full")
	}
	return f.Repository.InsertHomework(ctx, rows)
}

func TestPartialSummaryOnStageFailure(t *testing.T) {
	st, _ := setup(t)
	m := New(failingRepo{Repository: st, failHomework: true}, zaptest.NewLogger(t), Options{Location: time.UTC})
	ds := mondaySchedule()
	ds.Homework = []dataset.HomeworkEntry{{Subject: "Math", Assignment: "p.12"}}

	sum, err := m.Run(context.Background(), Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}, ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "materialize homework")
	assert.EqualValues(t, 50, sum.Schedules.Written)
	assert.True(t, sum.Homework.Ran)
	assert.Len(t, scheduleRows(t, st), 50)
}

func TestDecodeFailureLeavesDatasetAlone(t *testing.T) {
	st, m := setup(t)
	ctx := context.Background()
	req := Request{MemberID: member, WeekStart: monday(t, "2024-08-19")}
	ds := dataset.Result{Activities: []dataset.ActivityEntry{
		{Day: "Thursday", Name: "Choir", Start: "15:00", End: "16:00"},
	}}
	_, err := m.Run(ctx, req, ds)
	require.NoError(t, err)

	broken := dataset.Result{Errors: []*dataset.DecodeError{{Dataset: dataset.NameActivities, Raw: "[{", Err: errors.New("eof")}}}
	sum, err := m.Run(ctx, req, broken)
	require.NoError(t, err)
	assert.False(t, sum.Activities.Ran)
	assert.True(t, sum.Homework.Ran)

	rows, err := st.QueryActivities(ctx, store.ActivityFilter{MemberID: member, Tag: TagSchoolActivity})
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}
