package store

import (
	"context"
	"database/sql"
	"time"
)

// Import is the audit row of one materialization run.
type Import struct {
	ID         string    `json:"id"`
	MemberID   string    `json:"member_id"`
	WeekStart  string    `json:"week_start"`
	Source     string    `json:"source,omitempty"`
	Status     string    `json:"status"`
	Schedules  int       `json:"schedules"`
	Activities int       `json:"activities"`
	Homework   int       `json:"homework"`
	LastError  *string   `json:"last_error"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) RecordImport(ctx context.Context, imp Import) error {
	if imp.CreatedAt.IsZero() {
		imp.CreatedAt = now()
	}
	var errMsg any
	if imp.LastError != nil {
		errMsg = *imp.LastError
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO imports(id, member_id, week_start, source, status, schedules, activities, homework, last_error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, schedules=excluded.schedules, activities=excluded.activities, homework=excluded.homework, last_error=excluded.last_error`,
		imp.ID, imp.MemberID, imp.WeekStart, nullableString(imp.Source), imp.Status, imp.Schedules, imp.Activities, imp.Homework, errMsg, imp.CreatedAt)
	return err
}

func (s *Store) ListImports(ctx context.Context, limit int) ([]Import, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, member_id, week_start, source, status, schedules, activities, homework, last_error, created_at
FROM imports ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Import
	for rows.Next() {
		var imp Import
		var source, errMsg sql.NullString
		if err := rows.Scan(&imp.ID, &imp.MemberID, &imp.WeekStart, &source, &imp.Status, &imp.Schedules, &imp.Activities, &imp.Homework, &errMsg, &imp.CreatedAt); err != nil {
			return nil, err
		}
		imp.Source = source.String
		if errMsg.Valid {
			imp.LastError = &errMsg.String
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}
