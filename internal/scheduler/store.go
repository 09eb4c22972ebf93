package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists background jobs so they survive a restart. The
// session key is the primary key, which keeps at most one job per
// session at rest as well.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store on db. The caller owns the connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS background_jobs (
		session_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		directive TEXT NOT NULL,
		interval_ms INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`)
	return err
}

// Save upserts the job for its session.
func (s *Store) Save(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO background_jobs (session_key, id, directive, interval_ms, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET
			id = excluded.id,
			directive = excluded.directive,
			interval_ms = excluded.interval_ms,
			created_at = excluded.created_at
	`, j.SessionKey, j.ID, j.Directive, j.Interval.Milliseconds(), j.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.SessionKey, err)
	}
	return nil
}

// Delete removes the session's job. Deleting a missing job is not an
// error.
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM background_jobs WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("delete job %s: %w", sessionKey, err)
	}
	return nil
}

// List returns all persisted jobs ordered by session key.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, id, directive, interval_ms, created_at
		FROM background_jobs ORDER BY session_key`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			j          Job
			intervalMS int64
			created    string
		)
		if err := rows.Scan(&j.SessionKey, &j.ID, &j.Directive, &intervalMS, &created); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Interval = time.Duration(intervalMS) * time.Millisecond
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}
