package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alloybot/alloy/pkg/models"
)

// SQLiteStore is the persistent conversation backend. Rows keep
// insertion order per session via a monotonic rowid.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
}

// NewSQLiteStore opens (and bootstraps) the message table at path.
func NewSQLiteStore(path string, maxMessages int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent appenders.
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	if maxMessages <= 0 {
		maxMessages = 50
	}
	return &SQLiteStore{db: db, maxMessages: maxMessages}, nil
}

// Append stores one message for the session.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg models.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(msg.Role), msg.Content, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// History returns the last maxMessages rows for the session in insertion
// order.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, created_at FROM (
	SELECT id, role, content, created_at FROM messages
	WHERE session_id = ?
	ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`,
		sessionID, s.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Remove deletes all rows for a session.
func (s *SQLiteStore) Remove(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions deletes every session whose newest message is
// older than now minus ttl. Returns the number of rows removed.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
DELETE FROM messages WHERE session_id IN (
	SELECT session_id FROM messages
	GROUP BY session_id
	HAVING MAX(created_at) < ?
)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}

	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
