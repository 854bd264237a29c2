package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite access for members, generated and synced calendar
// records, and import jobs.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			date TEXT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			description TEXT NOT NULL DEFAULT '',
			activity_type TEXT NOT NULL DEFAULT '',
			recurrence TEXT NOT NULL DEFAULT 'none',
			recurrence_end TEXT,
			notes TEXT,
			source TEXT NOT NULL DEFAULT 'manual',
			import_id TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_member_date ON activities(member_id, date);`,
		`CREATE TABLE IF NOT EXISTS homework (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
			subject TEXT NOT NULL,
			assignment TEXT NOT NULL,
			week_start TEXT NOT NULL,
			source_image TEXT,
			from_image INTEGER NOT NULL DEFAULT 0,
			done INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_homework_member_week ON homework(member_id, week_start);`,
		`CREATE TABLE IF NOT EXISTS activity_groups (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS group_activities (
			id TEXT PRIMARY KEY,
			group_id TEXT NOT NULL REFERENCES activity_groups(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			start_at TIMESTAMP NOT NULL,
			end_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_group_activities_start ON group_activities(group_id, start_at);`,
		`CREATE TABLE IF NOT EXISTS mailbox_calendars (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			synced_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS mailbox_events (
			id TEXT PRIMARY KEY,
			calendar_id TEXT NOT NULL REFERENCES mailbox_calendars(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			start_at TIMESTAMP NOT NULL,
			end_at TIMESTAMP,
			all_day INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'confirmed',
			response_status TEXT NOT NULL DEFAULT '',
			show_as TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_events_start ON mailbox_events(calendar_id, start_at);`,
		`CREATE TABLE IF NOT EXISTS imports (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL,
			week_start TEXT NOT NULL,
			source TEXT,
			status TEXT NOT NULL,
			schedules INTEGER NOT NULL DEFAULT 0,
			activities INTEGER NOT NULL DEFAULT 0,
			homework INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			member_id TEXT,
			stage TEXT,
			status TEXT,
			params_json TEXT,
			idempotency_key TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(idempotency_key);`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			job_id INTEGER,
			line TEXT,
			created_at TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

// where accumulates AND-ed predicates with their arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func nullableString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return errors.Join(err, rbErr)
	}
	return err
}
