package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Homework is one assignment scoped to a member and a week.
type Homework struct {
	ID          int64     `json:"id"`
	MemberID    string    `json:"member_id"`
	Subject     string    `json:"subject"`
	Assignment  string    `json:"assignment"`
	WeekStart   string    `json:"week_start"`
	SourceImage string    `json:"source_image,omitempty"`
	FromImage   bool      `json:"from_image"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"created_at"`
}

// HomeworkFilter selects homework rows. FromImage, when set, restricts to
// image-derived (true) or hand-entered (false) rows.
type HomeworkFilter struct {
	MemberID  string
	WeekStart string
	FromImage *bool
}

func (f HomeworkFilter) where() *where {
	w := &where{}
	if f.MemberID != "" {
		w.add("member_id = ?", f.MemberID)
	}
	if f.WeekStart != "" {
		w.add("week_start = ?", f.WeekStart)
	}
	if f.FromImage != nil {
		w.add("from_image = ?", boolInt(*f.FromImage))
	}
	return w
}

// InsertHomework writes rows with one multi-row INSERT.
func (s *Store) InsertHomework(ctx context.Context, rows []Homework) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ts := now()
	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*8)
	for _, h := range rows {
		values = append(values, "(?,?,?,?,?,?,?,?)")
		args = append(args, h.MemberID, h.Subject, h.Assignment, h.WeekStart,
			nullableString(h.SourceImage), boolInt(h.FromImage), boolInt(h.Done), ts)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO homework(member_id, subject, assignment, week_start, source_image, from_image, done, created_at) VALUES `+
		strings.Join(values, ","), args...)
	if err != nil {
		return 0, fmt.Errorf("insert homework: %w", err)
	}
	return res.RowsAffected()
}

// DeleteHomework removes rows matching f. An empty filter is refused.
func (s *Store) DeleteHomework(ctx context.Context, f HomeworkFilter) (int64, error) {
	w := f.where()
	if len(w.clauses) == 0 {
		return 0, fmt.Errorf("delete homework: empty filter")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM homework`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete homework: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) QueryHomework(ctx context.Context, f HomeworkFilter) ([]Homework, error) {
	w := f.where()
	rows, err := s.db.QueryContext(ctx, `SELECT id, member_id, subject, assignment, week_start, source_image, from_image, done, created_at
FROM homework`+w.String()+` ORDER BY week_start ASC, id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query homework: %w", err)
	}
	defer rows.Close()
	var out []Homework
	for rows.Next() {
		var h Homework
		var image sql.NullString
		var fromImage, done int
		var created sql.NullTime
		if err := rows.Scan(&h.ID, &h.MemberID, &h.Subject, &h.Assignment, &h.WeekStart, &image, &fromImage, &done, &created); err != nil {
			return nil, err
		}
		h.SourceImage = image.String
		h.FromImage = fromImage == 1
		h.Done = done == 1
		if created.Valid {
			h.CreatedAt = created.Time
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
