package schoolyear

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowFor(t *testing.T) {
	cases := []struct {
		anchor time.Time
		start  string
		end    string
	}{
		{Date(2024, time.August, 19), "2024-08-01", "2025-07-31"},
		{Date(2024, time.December, 31), "2024-08-01", "2025-07-31"},
		{Date(2025, time.January, 1), "2024-08-01", "2025-07-31"},
		{Date(2025, time.July, 31), "2024-08-01", "2025-07-31"},
		{Date(2025, time.August, 1), "2025-08-01", "2026-07-31"},
	}
	for _, tc := range cases {
		w := WindowFor(tc.anchor)
		assert.Equal(t, tc.start, w.Start.Format(DateLayout), "anchor %s", tc.anchor.Format(DateLayout))
		assert.Equal(t, tc.end, w.End.Format(DateLayout), "anchor %s", tc.anchor.Format(DateLayout))
		assert.True(t, w.Contains(tc.anchor))
	}
}

func TestWeekStart(t *testing.T) {
	cases := map[string]string{
		"2024-08-19": "2024-08-19", // Monday
		"2024-08-21": "2024-08-19",
		"2024-08-24": "2024-08-19", // Saturday
		"2024-08-25": "2024-08-19", // Sunday goes back to the previous Monday
		"2024-08-26": "2024-08-26",
	}
	for in, want := range cases {
		d, err := ParseDate(in)
		require.NoError(t, err)
		assert.Equal(t, want, WeekStart(d).Format(DateLayout), in)
	}
}

func TestParseWeekday(t *testing.T) {
	wd, ok := ParseWeekday(" Wednesday ")
	require.True(t, ok)
	assert.Equal(t, time.Wednesday, wd)

	_, ok = ParseWeekday("Saturday")
	assert.False(t, ok)
	_, ok = ParseWeekday("Funday")
	assert.False(t, ok)
}

func TestDayInWeek(t *testing.T) {
	monday := Date(2024, time.August, 19)
	assert.Equal(t, "2024-08-21", DayInWeek(monday, time.Wednesday).Format(DateLayout))
	assert.Equal(t, "2024-08-23", DayInWeek(monday, time.Friday).Format(DateLayout))
}

func TestWeeklyInclusiveBounds(t *testing.T) {
	dates, err := Weekly(Date(2024, time.August, 19), Date(2025, time.July, 31))
	require.NoError(t, err)
	require.NotEmpty(t, dates)
	assert.Equal(t, "2024-08-19", dates[0].Format(DateLayout))
	assert.Equal(t, "2025-07-28", dates[len(dates)-1].Format(DateLayout))
	assert.Len(t, dates, 50)
	for _, d := range dates {
		assert.Equal(t, time.Monday, d.Weekday())
	}

	dates, err = Weekly(Date(2025, time.July, 28), Date(2025, time.July, 28))
	require.NoError(t, err)
	assert.Len(t, dates, 1)

	dates, err = Weekly(Date(2025, time.August, 4), Date(2025, time.July, 31))
	require.NoError(t, err)
	assert.Empty(t, dates)
}
