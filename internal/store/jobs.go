package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Job represents a pipeline job persisted to DB.
type Job struct {
	ID             int64      `json:"id"`
	MemberID       string     `json:"member_id"`
	Stage          string     `json:"stage"`
	Status         string     `json:"status"`
	ParamsJSON     string     `json:"params_json"`
	IdempotencyKey string     `json:"idempotency_key"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

const jobColumns = `id, member_id, stage, status, params_json, idempotency_key, created_at, updated_at, started_at, finished_at`

func (s *Store) RecordJob(ctx context.Context, j *Job) (*Job, error) {
	if j.ParamsJSON == "" {
		j.ParamsJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs(member_id, stage, status, params_json, idempotency_key, created_at, updated_at) VALUES(?,?,?,?,?,?,?)`,
		j.MemberID, j.Stage, j.Status, j.ParamsJSON, j.IdempotencyKey, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	j.ID = id
	return j, nil
}

// FetchJobByIdempotency returns existing job if present.
func (s *Store) FetchJobByIdempotency(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=?`, key)
	j, err := scanJob(row)
	switch {
	case err == nil:
		return j, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, err
	}
}

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *Store) MarkJobStarted(ctx context.Context, id int64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=?, updated_at=? WHERE id=?`, "running", ts, ts, id)
	return err
}

func (s *Store) MarkJobFinished(ctx context.Context, id int64, status string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, finished_at=?, updated_at=? WHERE id=?`, status, ts, ts, id)
	return err
}

// RequeueJob moves a failed job back to queued and clears its run times.
// It reports false when the job was not failed.
func (s *Store) RequeueJob(ctx context.Context, id int64, ts time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='queued', started_at=NULL, finished_at=NULL, updated_at=? WHERE id=? AND status='failed'`, ts, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) AppendJobLog(ctx context.Context, id int64, line string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs(job_id, line, created_at) VALUES(?,?,?)`, id, line, ts)
	return err
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) JobLogs(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM job_logs WHERE job_id=? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

var ErrConflict = errors.New("idempotent job already exists")

// InsertJobIdempotent records a job if idempotency key is new.
func (s *Store) InsertJobIdempotent(ctx context.Context, j *Job) (*Job, error) {
	existing, err := s.FetchJobByIdempotency(ctx, j.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, ErrConflict
	}
	return s.RecordJob(ctx, j)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var member sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(&j.ID, &member, &j.Stage, &j.Status, &j.ParamsJSON, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt, &started, &finished); err != nil {
		return nil, err
	}
	j.MemberID = member.String
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return &j, nil
}
