package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SQLiteStore is a SQLite-backed Store. History survives restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store using the given database connection and
// ensures the schema exists. The caller owns the connection.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate messages: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			session_key  TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			tool_calls   TEXT,
			tool_call_id TEXT,
			created_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);
	`)
	return err
}

// Append implements Store. All messages are written in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, sessionKey string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, session_key, role, content, tool_calls, tool_call_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, m := range stamp(msgs) {
		var toolCalls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		toolCallID := sql.NullString{String: m.ToolCallID, Valid: m.ToolCallID != ""}

		if _, err := stmt.ExecContext(ctx, m.ID, sessionKey, m.Role, m.Content,
			toolCalls, toolCallID, m.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Messages implements Store.
func (s *SQLiteStore) Messages(ctx context.Context, sessionKey string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, created_at
		FROM messages WHERE session_key = ? ORDER BY seq`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m          Message
			toolCalls  sql.NullString
			toolCallID sql.NullString
			created    string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				s.logger.Warn("dropping unreadable tool calls", "session", sessionKey, "message", m.ID, "error", err)
			}
		}
		m.ToolCallID = toolCallID.String
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.Timestamp = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats implements Store.
func (s *SQLiteStore) Stats() map[string]any {
	var sessions, messages int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT session_key), COUNT(*) FROM messages`).Scan(&sessions, &messages); err != nil {
		return map[string]any{"backend": "sqlite", "error": err.Error()}
	}
	return map[string]any{
		"backend":  "sqlite",
		"sessions": sessions,
		"messages": messages,
	}
}
