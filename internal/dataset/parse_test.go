package dataset

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const fullResponse = "Sure! I read the timetable in the photo.\n\n" +
	"Dataset 1 - weekly schedule:\n" +
	"```json\n" +
	"{\n" +
	"  \"Monday\": {\"start\": \"08:00\", \"end\": \"14:00\"},\n" +
	"  \"Tuesday\": {\"start\": \"8:15\", \"end\": \"13:30\", \"notes\": \"Gym, bring \\\"shoes\\\" {indoor}\"},\n" +
	"  \"Friday\": {\"start_time\": \"08:00\", \"end_time\": \"12:00\"}\n" +
	"}\n" +
	"```\n\n" +
	"Dataset 2 - activities:\n" +
	"```json\n" +
	"[\n" +
	"  {\"day\": \"Wednesday\", \"name\": \"Field trip\", \"start\": \"09:00\", \"end\": \"12:00\", \"type\": \"one_time\", \"specific_date\": \"2024-08-21\"},\n" +
	"  {\"day\": \"Thursday\", \"name\": \"Chess [club]\", \"start\": \"14:00\", \"end\": \"15:00\"}\n" +
	"]\n" +
	"```\n\n" +
	"Dataset 3 - homework:\n" +
	"```json\n" +
	"[{\"subject\": \"Math\", \"assignment\": \"p.12\"}, {\"subject\": \"\", \"assignment\": \"missing subject\"}]\n" +
	"```\n" +
	"Let me know if anything looks off."

func TestParseFullResponse(t *testing.T) {
	res := NewParser(zaptest.NewLogger(t)).Parse(fullResponse)
	require.NoError(t, res.Err())

	require.NotNil(t, res.Schedule)
	assert.Equal(t, []string{"Monday", "Tuesday", "Friday"}, res.Schedule.Days())
	assert.Equal(t, ScheduleEntry{Start: "08:00", End: "14:00"}, res.Schedule["Monday"])
	assert.Equal(t, "08:15", res.Schedule["Tuesday"].Start)
	assert.Equal(t, `Gym, bring "shoes" {indoor}`, res.Schedule["Tuesday"].Notes)
	assert.Equal(t, ScheduleEntry{Start: "08:00", End: "12:00"}, res.Schedule["Friday"])

	require.Len(t, res.Activities, 2)
	trip := res.Activities[0]
	assert.Equal(t, "Field trip", trip.Name)
	assert.Equal(t, KindOneTime, trip.Kind)
	require.NotNil(t, trip.SpecificDate)
	assert.Equal(t, "2024-08-21", trip.SpecificDate.Format("2006-01-02"))
	chess := res.Activities[1]
	assert.Equal(t, "Chess [club]", chess.Name)
	assert.Equal(t, KindRecurring, chess.Kind)
	assert.Nil(t, chess.SpecificDate)

	assert.Equal(t, []HomeworkEntry{{Subject: "Math", Assignment: "p.12"}}, res.Homework)
	assert.Equal(t, 1, res.DroppedHomework)
}

func TestParseScheduleIgnoresSurroundingJunk(t *testing.T) {
	texts := []string{
		`{"Monday": {"start": "08:00", "end": "14:00"}}`,
		"prefix text }]{ ```\n{ \"Monday\" : {\"start\": \"08:00\", \"end\": \"14:00\"} }\n``` suffix {",
		"Schedule:\n\n\t{\n\"monday\": {\"start\": \"08:00\", \"end\": \"14:00\"}}",
	}
	for _, text := range texts {
		res := Parse(text)
		require.NoError(t, res.Err(), text)
		require.Len(t, res.Schedule, 1, text)
		for _, entry := range res.Schedule {
			assert.Equal(t, ScheduleEntry{Start: "08:00", End: "14:00"}, entry)
		}
	}
}

func TestParseScheduleNeedsAdjacentBrace(t *testing.T) {
	res := Parse(`{"week": 34, "Monday": {"start": "08:00", "end": "14:00"}}`)
	assert.Nil(t, res.Schedule)
	assert.NoError(t, res.Err())
}

func TestParseAbsentSections(t *testing.T) {
	res := Parse("I could not read the picture, sorry.")
	assert.Nil(t, res.Schedule)
	assert.NotNil(t, res.Activities)
	assert.Empty(t, res.Activities)
	assert.NotNil(t, res.Homework)
	assert.Empty(t, res.Homework)
	assert.NoError(t, res.Err())
}

func TestParseActivityLabelFallbacks(t *testing.T) {
	cases := map[string]string{
		"labelled without fence": "Dataset 2 (activities):\n[{\"day\": \"Monday\", \"name\": \"Choir\", \"start\": \"15:00\", \"end\": \"16:00\"}]",
		"bare keyword":           `{"activities": [{"day": "Monday", "name": "Choir", "start": "15:00", "end": "16:00"}]}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			res := Parse(text)
			require.NoError(t, res.Err())
			require.Len(t, res.Activities, 1)
			assert.Equal(t, "Choir", res.Activities[0].Name)
			assert.Equal(t, KindRecurring, res.Activities[0].Kind)
		})
	}
}

func TestParseActivityLabelDoesNotBorrowHomework(t *testing.T) {
	text := "Dataset 2: no activities found.\n\nDataset 3 homework:\n```json\n[{\"subject\": \"Math\", \"assignment\": \"p.12\"}]\n```"
	res := Parse(text)
	require.NoError(t, res.Err())
	assert.Empty(t, res.Activities)
	assert.Len(t, res.Homework, 1)
}

func TestParseDecodeErrorIsIsolated(t *testing.T) {
	text := "{\"Monday\": {\"start\": 8}}\n" +
		"Dataset 2:\n```json\n[{\"day\": \"Monday\", \"name\": \"Choir\", \"start\": \"15:00\", \"end\": \"16:00\"}]\n```\n" +
		"Dataset 3 homework:\n```json\n[{\"subject\": \"Math\", \"assignment\": \"p.12\",}]\n```"
	res := Parse(text)

	require.Len(t, res.Errors, 2)
	assert.Equal(t, NameSchedule, res.Errors[0].Dataset)
	assert.Equal(t, `{"Monday": {"start": 8}}`, res.Errors[0].Raw)
	assert.Equal(t, NameHomework, res.Errors[1].Dataset)
	assert.Contains(t, res.Errors[1].Raw, `"p.12",}`)

	assert.Nil(t, res.Schedule)
	assert.Empty(t, res.Homework)
	require.Len(t, res.Activities, 1)

	var de *DecodeError
	require.True(t, errors.As(res.Err(), &de))
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindOneTime, ParseKind("one-time"))
	assert.Equal(t, KindOneTime, ParseKind("One Time"))
	assert.Equal(t, KindRecurring, ParseKind(""))
	assert.Equal(t, KindRecurring, ParseKind("weekly"))
}

func TestNormalizeClock(t *testing.T) {
	assert.Equal(t, "08:05", NormalizeClock("8:05"))
	assert.Equal(t, "14:30", NormalizeClock("2:30 pm"))
	assert.Equal(t, "09:00", NormalizeClock("09.00"))
	assert.Equal(t, "after lunch", NormalizeClock(" after lunch "))
}

func TestIsClock(t *testing.T) {
	assert.True(t, IsClock("08:05"))
	assert.True(t, IsClock(NormalizeClock("3 PM")))
	assert.False(t, IsClock("after school"))
	assert.False(t, IsClock("8:05"))
	assert.False(t, IsClock(""))

	var a ActivityEntry
	require.NoError(t, json.Unmarshal([]byte(`{"day":"Monday","name":"Choir","start":"after school","end":"16:00"}`), &a))
	assert.True(t, a.HasTimes())
	assert.False(t, a.ClocksValid())
}
