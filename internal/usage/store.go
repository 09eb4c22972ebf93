// Package usage records model token consumption per agent turn. Records
// are append-only and indexed by time and session so totals can be
// reported per session and per source.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Outcomes recorded for a turn.
const (
	OutcomeOK            = "ok"
	OutcomeMaxIterations = "max_iterations"
)

// Record is the token usage of one agent turn.
type Record struct {
	ID           string
	Timestamp    time.Time
	RequestID    string
	SessionKey   string
	Source       string // telegram, api, scheduler, cli
	Model        string
	InputTokens  int
	OutputTokens int
	Iterations   int
	ToolCalls    int
	Outcome      string
	Duration     time.Duration
}

// Summary holds aggregated totals.
type Summary struct {
	Turns        int   `json:"turns"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	ToolCalls    int64 `json:"tool_calls"`
}

// Store is an append-only SQLite store for usage records.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store on db. The schema is created on first
// use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		request_id    TEXT NOT NULL,
		session_key   TEXT NOT NULL,
		source        TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		iterations    INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL,
		outcome       TEXT NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_key);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeOK
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, request_id, session_key, source, model,
			 input_tokens, output_tokens, iterations, tool_calls, outcome, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.RequestID,
		rec.SessionKey,
		rec.Source,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Iterations,
		rec.ToolCalls,
		rec.Outcome,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(tool_calls), 0)`

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM usage_records WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SessionSummary returns all-time totals for one session.
func (s *Store) SessionSummary(ctx context.Context, sessionKey string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM usage_records WHERE session_key = ?`, sessionKey)
	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls); err != nil {
		return nil, fmt.Errorf("query session usage: %w", err)
	}
	return &sum, nil
}

// SummaryBySource returns per-source totals for records within
// [start, end).
func (s *Store) SummaryBySource(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, `+summaryColumns+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY source`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by source: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var source string
		var sum Summary
		if err := rows.Scan(&source, &sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls); err != nil {
			return nil, fmt.Errorf("scan usage by source: %w", err)
		}
		result[source] = &sum
	}
	return result, rows.Err()
}

// Stats returns the last 24 hours of usage per source for the health
// endpoint.
func (s *Store) Stats() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	end := time.Now()
	bySource, err := s.SummaryBySource(ctx, end.Add(-24*time.Hour), end.Add(time.Second))
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	stats := make(map[string]any, len(bySource))
	for source, sum := range bySource {
		stats[source] = sum
	}
	return stats
}
