// ABOUTME: SQLite implementation of the session Store using modernc.org/sqlite.
// ABOUTME: Snapshots are CBOR blobs; messages are JSON rows indexed per session.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-relay/internal/codec"
	"github.com/2389/coven-relay/internal/llm"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "session-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite session store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_state (
			session_key TEXT PRIMARY KEY,
			snapshot BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_messages (
			session_key TEXT NOT NULL,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_key, idx)
		);

		CREATE TABLE IF NOT EXISTS gateway_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies idempotent column additions for older databases.
func (s *SQLiteStore) runMigrations() error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info('session_state') WHERE name = 'alarm_at'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if _, err := s.db.Exec(`ALTER TABLE session_state ADD COLUMN alarm_at INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("adding alarm_at column to session_state: %w", err)
	}
	s.logger.Info("applied migration", "column", "alarm_at", "table", "session_state")
	return nil
}

// LoadSnapshot returns the stored snapshot or ErrNotFound.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, key string) (*Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM session_state WHERE session_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	var snap Snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot upserts the snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, key string, snap *Snapshot) error {
	data, err := codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	var alarm int64
	if !snap.AlarmAt.IsZero() {
		alarm = snap.AlarmAt.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state (session_key, snapshot, updated_at, alarm_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at,
			alarm_at = excluded.alarm_at
	`, key, data, time.Now().UnixMilli(), alarm)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Messages returns the full log in index order.
func (s *SQLiteStore) Messages(ctx context.Context, key string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM session_messages WHERE session_key = ? ORDER BY idx`, key)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		var m llm.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessage adds msg at the next index and returns it.
func (s *SQLiteStore) AppendMessage(ctx context.Context, key string, msg llm.Message) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM session_messages WHERE session_key = ?`, key,
	).Scan(&next); err != nil {
		return 0, fmt.Errorf("reading next index: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_key, idx, role, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		key, next, msg.Role, string(data), time.Now().UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing message: %w", err)
	}
	return next, nil
}

// ReplaceMessages clears the log and rewrites it from index zero in one transaction.
func (s *SQLiteStore) ReplaceMessages(ctx context.Context, key string, msgs []llm.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}
	now := time.Now().UnixMilli()
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding message %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_key, idx, role, data, created_at) VALUES (?, ?, ?, ?, ?)`,
			key, i, m.Role, string(data), now,
		); err != nil {
			return fmt.Errorf("inserting message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListSessions returns the metadata of every stored session, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key, snapshot FROM session_state ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var key string
		var data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		var snap Snapshot
		if err := codec.Unmarshal(data, &snap); err != nil {
			s.logger.Warn("skipping undecodable snapshot", "session_key", key, "error", err)
			continue
		}
		out = append(out, snap.Meta)
	}
	return out, rows.Err()
}

// ListAlarms returns every armed alarm keyed by session key.
func (s *SQLiteStore) ListAlarms(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key, alarm_at FROM session_state WHERE alarm_at > 0`)
	if err != nil {
		return nil, fmt.Errorf("querying alarms: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var at int64
		if err := rows.Scan(&key, &at); err != nil {
			return nil, fmt.Errorf("scanning alarm: %w", err)
		}
		out[key] = time.UnixMilli(at).UTC()
	}
	return out, rows.Err()
}

// GetConfig returns a runtime setting or ErrNotFound.
func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM gateway_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading config %s: %w", key, err)
	}
	return value, nil
}

// SetConfig upserts a runtime setting.
func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("writing config %s: %w", key, err)
	}
	return nil
}

// ListConfig returns every runtime setting.
func (s *SQLiteStore) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM gateway_config`)
	if err != nil {
		return nil, fmt.Errorf("querying config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
