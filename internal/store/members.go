package store

import (
	"context"
	"fmt"
)

// Member is a household member owning calendar rows.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureMember creates the member if missing; an existing name is only
// replaced by a non-empty one.
func (s *Store) EnsureMember(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("ensure member: empty id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO members(id, name, created_at) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE members.name END`, id, name, now())
	return err
}

// DeleteMember removes the member and everything owned by it: activities,
// homework, groups with their activities, and mailbox calendars with their
// events. The rows are deleted explicitly in one transaction; the schema's
// ON DELETE CASCADE is not relied on.
func (s *Store) DeleteMember(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmts := []string{
		`DELETE FROM activities WHERE member_id = ?`,
		`DELETE FROM homework WHERE member_id = ?`,
		`DELETE FROM group_activities WHERE group_id IN (SELECT id FROM activity_groups WHERE member_id = ?)`,
		`DELETE FROM activity_groups WHERE member_id = ?`,
		`DELETE FROM mailbox_events WHERE calendar_id IN (SELECT id FROM mailbox_calendars WHERE member_id = ?)`,
		`DELETE FROM mailbox_calendars WHERE member_id = ?`,
		`DELETE FROM members WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return rollback(tx, fmt.Errorf("delete member %s: %w", id, err))
		}
	}
	return tx.Commit()
}

func (s *Store) ListMembers(ctx context.Context) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
