package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Activity sources for locally owned rows.
const (
	SourceManual         = "manual"
	SourceSchoolImport   = "school_import"
	SourceCalendarImport = "calendar_import"
)

// Recurrence markers.
const (
	RecurrenceNone   = "none"
	RecurrenceWeekly = "weekly"
)

// Activity is a locally owned, dated calendar row.
type Activity struct {
	ID            int64     `json:"id"`
	MemberID      string    `json:"member_id"`
	Title         string    `json:"title"`
	Date          string    `json:"date"`
	StartTime     string    `json:"start_time,omitempty"`
	EndTime       string    `json:"end_time,omitempty"`
	Description   string    `json:"description"`
	ActivityType  string    `json:"activity_type"`
	Recurrence    string    `json:"recurrence"`
	RecurrenceEnd string    `json:"recurrence_end,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Source        string    `json:"source"`
	ImportID      string    `json:"import_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ActivityFilter selects activities. Empty fields do not constrain. Tag
// matches the embedded [TYPE:tag] marker in the description. Dates are
// inclusive YYYY-MM-DD bounds.
type ActivityFilter struct {
	MemberID string
	Tag      string
	Date     string
	DateFrom string
	DateTo   string
}

// TypeMarker renders the machine-readable tag embedded in descriptions.
func TypeMarker(tag string) string {
	return "[TYPE:" + tag + "]"
}

func (f ActivityFilter) where() *where {
	w := &where{}
	if f.MemberID != "" {
		w.add("member_id = ?", f.MemberID)
	}
	if f.Tag != "" {
		w.add("instr(description, ?) > 0", TypeMarker(f.Tag))
	}
	if f.Date != "" {
		w.add("date = ?", f.Date)
	}
	if f.DateFrom != "" {
		w.add("date >= ?", f.DateFrom)
	}
	if f.DateTo != "" {
		w.add("date <= ?", f.DateTo)
	}
	return w
}

const activityColumns = 13

// maxRowsPerInsert keeps a multi-row INSERT under SQLite's bound-variable
// limit.
const maxRowsPerInsert = 1000

// InsertActivities writes rows with one multi-row INSERT per batch of up to
// maxRowsPerInsert rows, all inside a single transaction.
func (s *Store) InsertActivities(ctx context.Context, rows []Activity) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var total int64
	ts := now()
	for start := 0; start < len(rows); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(rows))
		batch := rows[start:end]
		placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", activityColumns), ",") + ")"
		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*activityColumns)
		for _, a := range batch {
			values = append(values, placeholder)
			source := a.Source
			if source == "" {
				source = SourceManual
			}
			recurrence := a.Recurrence
			if recurrence == "" {
				recurrence = RecurrenceNone
			}
			args = append(args,
				a.MemberID, a.Title, a.Date,
				nullableString(a.StartTime), nullableString(a.EndTime),
				a.Description, a.ActivityType, recurrence,
				nullableString(a.RecurrenceEnd), nullableString(a.Notes),
				source, nullableString(a.ImportID), ts,
			)
		}
		query := `INSERT INTO activities(member_id, title, date, start_time, end_time, description, activity_type, recurrence, recurrence_end, notes, source, import_id, created_at) VALUES ` +
			strings.Join(values, ",")
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, rollback(tx, fmt.Errorf("insert activities: %w", err))
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// DeleteActivities removes rows matching f and returns how many went. An
// empty filter is refused.
func (s *Store) DeleteActivities(ctx context.Context, f ActivityFilter) (int64, error) {
	w := f.where()
	if len(w.clauses) == 0 {
		return 0, fmt.Errorf("delete activities: empty filter")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM activities`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete activities: %w", err)
	}
	return res.RowsAffected()
}

// QueryActivities returns rows matching f ordered by date and start time.
func (s *Store) QueryActivities(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	w := f.where()
	rows, err := s.db.QueryContext(ctx, `SELECT id, member_id, title, date, start_time, end_time, description, activity_type, recurrence, recurrence_end, notes, source, import_id, created_at
FROM activities`+w.String()+`
ORDER BY date ASC, COALESCE(start_time, '00:00') ASC, id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var a Activity
		var start, end, recurrenceEnd, notes, importID sql.NullString
		var created sql.NullTime
		if err := rows.Scan(&a.ID, &a.MemberID, &a.Title, &a.Date, &start, &end, &a.Description, &a.ActivityType, &a.Recurrence, &recurrenceEnd, &notes, &a.Source, &importID, &created); err != nil {
			return nil, err
		}
		a.StartTime = start.String
		a.EndTime = end.String
		a.RecurrenceEnd = recurrenceEnd.String
		a.Notes = notes.String
		a.ImportID = importID.String
		if created.Valid {
			a.CreatedAt = created.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
