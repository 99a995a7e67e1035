// ABOUTME: SQLite persistence for transcript entries using modernc.org/sqlite
// ABOUTME: Lets the chat CLI show earlier conversations for a session after restart

package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Persister stores transcript entries.
type Persister interface {
	Append(ctx context.Context, e Entry) error
	Entries(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// SQLiteLog is a Persister backed by a SQLite file.
type SQLiteLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteLog opens (creating if needed) the transcript database at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteLog(path string, logger *slog.Logger) (*SQLiteLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transcript.sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLog{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("transcript log initialized", "path", path)
	return l, nil
}

func (l *SQLiteLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_id TEXT,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'agent', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_entries_session
			ON entries(session_id, seq);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append stores e. Appending an id that already exists is a no-op.
func (l *SQLiteLog) Append(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entries (id, session_id, role, content, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, string(e.Role), e.Content, nullString(e.MessageID), e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// Entries returns the newest limit entries of a session, oldest first.
// A non-positive limit returns all of them.
func (l *SQLiteLog) Entries(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, message_id, created_at FROM (
			SELECT seq, id, session_id, role, content, message_id, created_at
			FROM entries
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			role      string
			messageID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &role, &e.Content, &messageID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Role = Role(role)
		e.MessageID = messageID.String
		if e.At, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestSession returns the session id with the most recent entry, or ""
// when the log is empty.
func (l *SQLiteLog) LatestSession(ctx context.Context) (string, error) {
	var id string
	err := l.db.QueryRowContext(ctx, `SELECT session_id FROM entries ORDER BY seq DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying latest session: %w", err)
	}
	return id, nil
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
