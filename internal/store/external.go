package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Group is a third-party activity group a member belongs to.
type Group struct {
	ID       string `json:"id"`
	MemberID string `json:"member_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
}

// GroupActivity is an activity synced from a third-party group service.
type GroupActivity struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	GroupName   string    `json:"group_name,omitempty"`
	MemberID    string    `json:"member_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at"`
}

// MailboxCalendar is a calendar of an external mailbox account.
type MailboxCalendar struct {
	ID       string     `json:"id"`
	MemberID string     `json:"member_id"`
	Name     string     `json:"name"`
	URL      string     `json:"url"`
	Active   bool       `json:"active"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// Mailbox event statuses.
const (
	EventConfirmed = "confirmed"
	EventTentative = "tentative"
	EventCancelled = "cancelled"
)

// MailboxEvent is an event synced from an external mailbox calendar.
type MailboxEvent struct {
	ID             string    `json:"id"`
	CalendarID     string    `json:"calendar_id"`
	CalendarName   string    `json:"calendar_name,omitempty"`
	MemberID       string    `json:"member_id,omitempty"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	AllDay         bool      `json:"all_day"`
	Status         string    `json:"status"`
	ResponseStatus string    `json:"response_status,omitempty"`
	ShowAs         string    `json:"show_as,omitempty"`
}

// RangeFilter selects synced rows for an optional member whose start lies
// in [From, To). Zero bounds do not constrain.
type RangeFilter struct {
	MemberID string
	From     time.Time
	To       time.Time
}

func (f RangeFilter) where(memberCol, startCol string) *where {
	w := &where{}
	if f.MemberID != "" {
		w.add(memberCol+" = ?", f.MemberID)
	}
	if !f.From.IsZero() {
		w.add(startCol+" >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		w.add(startCol+" < ?", f.To.UTC())
	}
	return w
}

func (s *Store) UpsertGroup(ctx context.Context, g Group) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO activity_groups(id, member_id, name, active) VALUES(?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET member_id=excluded.member_id, name=excluded.name, active=excluded.active`,
		g.ID, g.MemberID, g.Name, boolInt(g.Active))
	return err
}

// ReplaceGroupActivities swaps the synced activity set of one group.
func (s *Store) ReplaceGroupActivities(ctx context.Context, groupID string, rows []GroupActivity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_activities WHERE group_id = ?`, groupID); err != nil {
		return rollback(tx, err)
	}
	for _, a := range rows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO group_activities(id, group_id, title, description, start_at, end_at) VALUES(?, ?, ?, ?, ?, ?)`,
			a.ID, groupID, a.Title, a.Description, a.StartAt.UTC(), nullableTime(a.EndAt)); err != nil {
			return rollback(tx, fmt.Errorf("insert group activity %s: %w", a.ID, err))
		}
	}
	return tx.Commit()
}

// QueryGroupActivities returns activities of active groups only.
func (s *Store) QueryGroupActivities(ctx context.Context, f RangeFilter) ([]GroupActivity, error) {
	w := f.where("g.member_id", "a.start_at")
	w.add("g.active = 1")
	rows, err := s.db.QueryContext(ctx, `SELECT a.id, a.group_id, g.name, g.member_id, a.title, a.description, a.start_at, a.end_at
FROM group_activities a JOIN activity_groups g ON g.id = a.group_id`+w.String()+`
ORDER BY a.start_at ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query group activities: %w", err)
	}
	defer rows.Close()
	var out []GroupActivity
	for rows.Next() {
		var a GroupActivity
		var end sql.NullTime
		if err := rows.Scan(&a.ID, &a.GroupID, &a.GroupName, &a.MemberID, &a.Title, &a.Description, &a.StartAt, &end); err != nil {
			return nil, err
		}
		if end.Valid {
			a.EndAt = end.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMailboxCalendar(ctx context.Context, c MailboxCalendar) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mailbox_calendars(id, member_id, name, url, active) VALUES(?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET member_id=excluded.member_id, name=excluded.name, url=excluded.url, active=excluded.active`,
		c.ID, c.MemberID, c.Name, c.URL, boolInt(c.Active))
	return err
}

// ListMailboxCalendars returns calendars, optionally only active ones.
func (s *Store) ListMailboxCalendars(ctx context.Context, activeOnly bool) ([]MailboxCalendar, error) {
	query := `SELECT id, member_id, name, url, active, synced_at FROM mailbox_calendars`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MailboxCalendar
	for rows.Next() {
		var c MailboxCalendar
		var active int
		var synced sql.NullTime
		if err := rows.Scan(&c.ID, &c.MemberID, &c.Name, &c.URL, &active, &synced); err != nil {
			return nil, err
		}
		c.Active = active == 1
		if synced.Valid {
			c.SyncedAt = &synced.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceMailboxEvents swaps the synced event set of one calendar and
// stamps its sync time.
func (s *Store) ReplaceMailboxEvents(ctx context.Context, calendarID string, events []MailboxEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mailbox_events WHERE calendar_id = ?`, calendarID); err != nil {
		return rollback(tx, err)
	}
	for _, e := range events {
		status := e.Status
		if status == "" {
			status = EventConfirmed
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO mailbox_events(id, calendar_id, title, description, start_at, end_at, all_day, status, response_status, show_as)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, calendarID, e.Title, e.Description, e.StartAt.UTC(), nullableTime(e.EndAt), boolInt(e.AllDay), status, e.ResponseStatus, e.ShowAs); err != nil {
			return rollback(tx, fmt.Errorf("insert mailbox event %s: %w", e.ID, err))
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE mailbox_calendars SET synced_at = ? WHERE id = ?`, now(), calendarID); err != nil {
		return rollback(tx, err)
	}
	return tx.Commit()
}

// QueryMailboxEvents returns non-cancelled events of active calendars.
func (s *Store) QueryMailboxEvents(ctx context.Context, f RangeFilter) ([]MailboxEvent, error) {
	w := f.where("c.member_id", "e.start_at")
	w.add("c.active = 1")
	w.add("e.status != ?", EventCancelled)
	rows, err := s.db.QueryContext(ctx, `SELECT e.id, e.calendar_id, c.name, c.member_id, e.title, e.description, e.start_at, e.end_at, e.all_day, e.status, e.response_status, e.show_as
FROM mailbox_events e JOIN mailbox_calendars c ON c.id = e.calendar_id`+w.String()+`
ORDER BY e.start_at ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query mailbox events: %w", err)
	}
	defer rows.Close()
	var out []MailboxEvent
	for rows.Next() {
		var e MailboxEvent
		var end sql.NullTime
		var allDay int
		if err := rows.Scan(&e.ID, &e.CalendarID, &e.CalendarName, &e.MemberID, &e.Title, &e.Description, &e.StartAt, &end, &allDay, &e.Status, &e.ResponseStatus, &e.ShowAs); err != nil {
			return nil, err
		}
		if end.Valid {
			e.EndAt = end.Time
		}
		e.AllDay = allDay == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
