package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chatrelay/internal/domain"
)

// Turn is one archived turn of a conversation.
type Turn struct {
	ID             int64
	AppID          string
	ConversationID string
	MessageID      string
	Query          string
	Answer         string
	CreatedAt      time.Time
}

// SQLiteStore is a local transcript archive. Completed turns are
// appended as they finalize; conversation rows track the latest known
// name so renames and deletions stay visible offline.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the archive database at dbPath and
// runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			app_id          TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			message_id      TEXT NOT NULL DEFAULT '',
			query           TEXT NOT NULL,
			answer          TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			app_id     TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			deleted    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordTurn implements usecase.TurnRecorder.
func (s *SQLiteStore) RecordTurn(ctx context.Context, appID, conversationID, messageID, query, answer string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO turns (app_id, conversation_id, message_id, query, answer, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		appID, conversationID, messageID, query, answer, now,
	)
	if err != nil {
		return fmt.Errorf("%w: insert turn: %v", domain.ErrArchiveWrite, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, app_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conversationID, appID, now,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert conversation: %v", domain.ErrArchiveWrite, err)
	}
	return nil
}

// SetConversationName records the latest known conversation name.
func (s *SQLiteStore) SetConversationName(ctx context.Context, conversationID, name string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, app_id, name, updated_at) VALUES (?, '', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		conversationID, name, now,
	)
	if err != nil {
		return fmt.Errorf("%w: set conversation name: %v", domain.ErrArchiveWrite, err)
	}
	return nil
}

// MarkConversationDeleted flags a conversation as deleted on the backend.
// Its archived turns are kept.
func (s *SQLiteStore) MarkConversationDeleted(ctx context.Context, conversationID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, app_id, deleted, updated_at) VALUES (?, '', 1, ?)
		 ON CONFLICT(id) DO UPDATE SET deleted = 1, updated_at = excluded.updated_at`,
		conversationID, now,
	)
	if err != nil {
		return fmt.Errorf("%w: mark deleted: %v", domain.ErrArchiveWrite, err)
	}
	return nil
}

// Turns returns the archived turns of one conversation in order.
func (s *SQLiteStore) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, app_id, conversation_id, message_id, query, answer, created_at FROM turns WHERE conversation_id = ? ORDER BY created_at, id",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.AppID, &t.ConversationID, &t.MessageID, &t.Query, &t.Answer, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse turn timestamp: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
