package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestActivitiesFilterAndDelete(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureMember(ctx, "kid", "Kid"))
	require.NoError(t, st.EnsureMember(ctx, "other", ""))

	rows := []Activity{
		{MemberID: "kid", Title: "School", Date: "2024-08-19", StartTime: "08:00", EndTime: "14:00", Description: TypeMarker("school_schedule"), Recurrence: RecurrenceWeekly},
		{MemberID: "kid", Title: "School", Date: "2024-08-26", StartTime: "08:00", EndTime: "14:00", Description: TypeMarker("school_schedule"), Recurrence: RecurrenceWeekly},
		{MemberID: "kid", Title: "Dentist", Date: "2024-08-26", StartTime: "07:00"},
		{MemberID: "other", Title: "School", Date: "2024-08-26", Description: TypeMarker("school_schedule")},
	}
	n, err := st.InsertActivities(ctx, rows)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	got, err := st.QueryActivities(ctx, ActivityFilter{MemberID: "kid", Date: "2024-08-26"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Dentist", got[0].Title, "ordered by start time")
	assert.Equal(t, SourceManual, got[0].Source)
	assert.Equal(t, RecurrenceNone, got[0].Recurrence)
	assert.False(t, got[0].CreatedAt.IsZero())

	deleted, err := st.DeleteActivities(ctx, ActivityFilter{MemberID: "kid", Tag: "school_schedule", DateFrom: "2024-08-26"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	left, err := st.QueryActivities(ctx, ActivityFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 3)

	_, err = st.DeleteActivities(ctx, ActivityFilter{})
	assert.Error(t, err)
}

func TestInsertActivitiesLargeBatch(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureMember(ctx, "kid", ""))
	rows := make([]Activity, 0, maxRowsPerInsert+10)
	start := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxRowsPerInsert+10; i++ {
		rows = append(rows, Activity{MemberID: "kid", Title: "x", Date: start.AddDate(0, 0, i%300).Format("2006-01-02")})
	}
	n, err := st.InsertActivities(ctx, rows)
	require.NoError(t, err)
	assert.EqualValues(t, len(rows), n)
}

func TestHomeworkFilter(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureMember(ctx, "kid", ""))
	_, err := st.InsertHomework(ctx, []Homework{
		{MemberID: "kid", Subject: "Math", Assignment: "p.12", WeekStart: "2024-08-19", FromImage: true, SourceImage: "img-1"},
		{MemberID: "kid", Subject: "Art", Assignment: "draw", WeekStart: "2024-08-19"},
		{MemberID: "kid", Subject: "Math", Assignment: "p.14", WeekStart: "2024-08-26", FromImage: true},
	})
	require.NoError(t, err)

	fromImage := true
	n, err := st.DeleteHomework(ctx, HomeworkFilter{MemberID: "kid", WeekStart: "2024-08-19", FromImage: &fromImage})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	left, err := st.QueryHomework(ctx, HomeworkFilter{MemberID: "kid"})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "Art", left[0].Subject)
	assert.False(t, left[0].FromImage)
	assert.Equal(t, "2024-08-26", left[1].WeekStart)
}

func TestExternalSourcesRespectActiveAndCancelled(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureMember(ctx, "kid", ""))
	require.NoError(t, st.UpsertGroup(ctx, Group{ID: "g1", MemberID: "kid", Name: "Football", Active: true}))
	require.NoError(t, st.UpsertGroup(ctx, Group{ID: "g2", MemberID: "kid", Name: "Old club", Active: false}))

	day := time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.ReplaceGroupActivities(ctx, "g1", []GroupActivity{
		{ID: "a1", Title: "Practice", StartAt: day.Add(17 * time.Hour), EndAt: day.Add(18 * time.Hour)},
		{ID: "a2", Title: "Match", StartAt: day.AddDate(0, 0, 5).Add(10 * time.Hour)},
	}))
	require.NoError(t, st.ReplaceGroupActivities(ctx, "g2", []GroupActivity{
		{ID: "a3", Title: "Hidden", StartAt: day.Add(12 * time.Hour)},
	}))

	groups, err := st.QueryGroupActivities(ctx, RangeFilter{MemberID: "kid", From: day, To: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Practice", groups[0].Title)
	assert.Equal(t, "Football", groups[0].GroupName)
	assert.True(t, groups[0].StartAt.Equal(day.Add(17*time.Hour)))

	require.NoError(t, st.UpsertMailboxCalendar(ctx, MailboxCalendar{ID: "c1", MemberID: "kid", Name: "Family", Active: true}))
	require.NoError(t, st.UpsertMailboxCalendar(ctx, MailboxCalendar{ID: "c2", MemberID: "kid", Name: "Muted", Active: false}))
	require.NoError(t, st.ReplaceMailboxEvents(ctx, "c1", []MailboxEvent{
		{ID: "e1", Title: "Parents meeting", StartAt: day.Add(18 * time.Hour), ShowAs: "busy"},
		{ID: "e2", Title: "Called off", StartAt: day.Add(19 * time.Hour), Status: EventCancelled},
	}))
	require.NoError(t, st.ReplaceMailboxEvents(ctx, "c2", []MailboxEvent{
		{ID: "e3", Title: "Muted", StartAt: day.Add(9 * time.Hour)},
	}))

	events, err := st.QueryMailboxEvents(ctx, RangeFilter{MemberID: "kid", From: day, To: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Parents meeting", events[0].Title)
	assert.Equal(t, EventConfirmed, events[0].Status)
	assert.Equal(t, "busy", events[0].ShowAs)

	cals, err := st.ListMailboxCalendars(ctx, true)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.NotNil(t, cals[0].SyncedAt)
}

func TestDeleteMemberRemovesOwnedRows(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	require.NoError(t, st.EnsureMember(ctx, "kid", ""))
	_, err := st.InsertActivities(ctx, []Activity{{MemberID: "kid", Title: "School", Date: "2024-08-19"}})
	require.NoError(t, err)
	_, err = st.InsertHomework(ctx, []Homework{{MemberID: "kid", Subject: "Math", Assignment: "p.1", WeekStart: "2024-08-19"}})
	require.NoError(t, err)
	require.NoError(t, st.UpsertGroup(ctx, Group{ID: "g1", MemberID: "kid", Active: true}))
	require.NoError(t, st.ReplaceGroupActivities(ctx, "g1", []GroupActivity{{ID: "a1", Title: "Practice", StartAt: time.Now()}}))

	require.NoError(t, st.DeleteMember(ctx, "kid"))

	acts, err := st.QueryActivities(ctx, ActivityFilter{MemberID: "kid"})
	require.NoError(t, err)
	assert.Empty(t, acts)
	hw, err := st.QueryHomework(ctx, HomeworkFilter{MemberID: "kid"})
	require.NoError(t, err)
	assert.Empty(t, hw)
	ga, err := st.QueryGroupActivities(ctx, RangeFilter{})
	require.NoError(t, err)
	assert.Empty(t, ga)
	members, err := st.ListMembers(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestActivityRequiresMember(t *testing.T) {
	st := openTest(t)
	_, err := st.InsertActivities(context.Background(), []Activity{{MemberID: "ghost", Title: "x", Date: "2024-08-19"}})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestJobIdempotency(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	ts := time.Now().UTC()
	j1, err := st.InsertJobIdempotent(ctx, &Job{MemberID: "kid", Stage: "IMPORT_RESPONSE", Status: "queued", IdempotencyKey: "k", CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)
	j2, err := st.InsertJobIdempotent(ctx, &Job{MemberID: "kid", Stage: "IMPORT_RESPONSE", Status: "queued", IdempotencyKey: "k", CreatedAt: ts, UpdatedAt: ts})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, j1.ID, j2.ID)

	require.NoError(t, st.AppendJobLog(ctx, j1.ID, "hello", ts))
	logs, err := st.JobLogs(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, logs)

	got, err := st.GetJob(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, "kid", got.MemberID)
}

func TestRequeueOnlyFailedJobs(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Second)
	j, err := st.InsertJobIdempotent(ctx, &Job{MemberID: "kid", Stage: "IMPORT_RESPONSE", Status: "queued", IdempotencyKey: "k", CreatedAt: ts, UpdatedAt: ts})
	require.NoError(t, err)

	ok, err := st.RequeueJob(ctx, j.ID, ts)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.MarkJobStarted(ctx, j.ID, ts))
	require.NoError(t, st.MarkJobFinished(ctx, j.ID, "failed", ts))
	ok, err = st.RequeueJob(ctx, j.ID, ts.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}
