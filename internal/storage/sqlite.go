package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite storage.
// Use ":memory:" for in-memory database, or a file path for persistent storage.
func NewSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better performance
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'queued',
			worker_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			assigned_at DATETIME,
			finished_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_session_id ON jobs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStorage) CreateSession(ctx context.Context, session *Session) error {
	// A reused custom id replaces the record, matching the broker.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, filename, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   filename = excluded.filename, created_at = excluded.created_at`,
		session.ID, session.Filename, session.CreatedAt)
	return err
}

func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.filename, s.created_at, COUNT(j.id)
		 FROM sessions s LEFT JOIN jobs j ON j.session_id = s.id
		 WHERE s.id = ?
		 GROUP BY s.id, s.filename, s.created_at`, id).Scan(
		&session.ID, &session.Filename, &session.CreatedAt, &session.JobsTotal)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return session, err
}

func (s *SQLiteStorage) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	query := `SELECT s.id, s.filename, s.created_at, COUNT(j.id)
	          FROM sessions s LEFT JOIN jobs j ON j.session_id = s.id
	          GROUP BY s.id, s.filename, s.created_at
	          ORDER BY s.created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(&session.ID, &session.Filename, &session.CreatedAt,
			&session.JobsTotal); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// --- Jobs ---

func (s *SQLiteStorage) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, session_id, filename, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.SessionID, job.Filename, job.State, job.CreatedAt)
	return err
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*Job, error) {
	job := &Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, filename, state, worker_id,
		        created_at, assigned_at, finished_at
		 FROM jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.SessionID, &job.Filename, &job.State,
		&job.WorkerID, &job.CreatedAt, &job.AssignedAt, &job.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStorage) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT id, session_id, filename, state, worker_id,
	                 created_at, assigned_at, finished_at FROM jobs WHERE 1=1`
	args := []any{}

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		if err := rows.Scan(&job.ID, &job.SessionID, &job.Filename,
			&job.State, &job.WorkerID, &job.CreatedAt, &job.AssignedAt,
			&job.FinishedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStorage) UpdateJobState(ctx context.Context, id string, state JobState) error {
	var err error
	now := time.Now()

	switch state {
	case JobStateAssigned:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, assigned_at = ? WHERE id = ?`,
			state, now, id)
	case JobStateDone:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, finished_at = ? WHERE id = ?`,
			state, now, id)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ? WHERE id = ?`,
			state, id)
	}
	return err
}

func (s *SQLiteStorage) UpdateJobWorker(ctx context.Context, jobID, workerID string) error {
	// Empty worker id clears the pin, as on requeue.
	if workerID == "" {
		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET worker_id = NULL WHERE id = ?`, jobID)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET worker_id = ? WHERE id = ?`,
		workerID, jobID)
	return err
}
