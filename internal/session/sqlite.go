// ABOUTME: SQLite-backed session store using modernc.org/sqlite
// ABOUTME: Sessions survive restarts; latching uses a conditional UPDATE

package session

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

// SQLiteStore implements Store on a SQLite database so sessions (and their
// backend thread bindings) survive process restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the session database at the given path.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "session")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key               TEXT PRIMARY KEY,
			mode              TEXT NOT NULL,
			backend_thread_id TEXT NOT NULL DEFAULT '',
			created_at        DATETIME NOT NULL,
			last_active_at    DATETIME NOT NULL,

			CHECK (mode IN ('chat', 'assistant'))
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreate implements Store. Creation races resolve through the primary
// key: the losing INSERT is ignored and the winner's row is returned.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string, mode Mode) (*Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, mode, created_at, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, string(mode), now, now)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	return s.get(ctx, key)
}

// AttachThreadID implements Store. The conditional UPDATE only fires when no
// thread is attached yet, so concurrent first attaches have exactly one
// winner and the stored ID is returned to everyone.
func (s *SQLiteStore) AttachThreadID(ctx context.Context, key, threadID string) (string, error) {
	sess, err := s.get(ctx, key)
	if err != nil {
		return "", err
	}
	if sess.Mode != ModeAssistant {
		return "", ErrWrongMode
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET backend_thread_id = ?
		WHERE key = ? AND backend_thread_id = ''`,
		threadID, key)
	if err != nil {
		return "", fmt.Errorf("attaching thread id: %w", err)
	}

	sess, err = s.get(ctx, key)
	if err != nil {
		return "", err
	}
	return sess.BackendThreadID, nil
}

// Touch implements Store.
func (s *SQLiteStore) Touch(ctx context.Context, key string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE key = ?`, at.UTC(), key)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, mode, backend_thread_id, created_at, last_active_at
		FROM sessions WHERE key = ?`, key)

	var sess Session
	var mode string
	err := row.Scan(&sess.Key, &mode, &sess.BackendThreadID, &sess.CreatedAt, &sess.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	sess.Mode = Mode(mode)
	return &sess, nil
}
