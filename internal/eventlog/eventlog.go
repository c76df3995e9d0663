// Package eventlog backs the resumable event stream with a durable,
// monotonically increasing event id counter and a bounded-retention log of
// event-log entries, plus the idempotency cache for /byoa/sse/messages.
// Both live in one SQLite database so the id counter survives a restart.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	retention      = 24 * time.Hour
	idempotencyTTL = 1 * time.Hour
)

// Entry is one persisted event-log row.
type Entry struct {
	EventID int64
	RoomID  string
	Message []byte // serialized domain.InboundMessage
}

// Store is the SQLite-backed event log and idempotency cache.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and runs
// migrations, using the same single-connection WAL pattern the rest of the
// corpus uses for its own SQLite-backed stores.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create eventlog directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open eventlog database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_counter (
		id    INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO event_counter (id, value) VALUES (1, 0);

	CREATE TABLE IF NOT EXISTS event_log (
		event_id   INTEGER PRIMARY KEY,
		room_id    TEXT NOT NULL,
		message    BLOB NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_log_created ON event_log(created_at);

	CREATE TABLE IF NOT EXISTS idempotency (
		principal_id TEXT NOT NULL,
		key          TEXT NOT NULL,
		result       BLOB NOT NULL,
		created_at   DATETIME NOT NULL,
		PRIMARY KEY (principal_id, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append allocates the next monotonic event id, persists the entry, and
// returns the allocated id. The allocation and the write happen in one
// transaction so a crash cannot leave a gap observable to readers.
func (s *Store) Append(ctx context.Context, roomID string, message []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE event_counter SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, err
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM event_counter WHERE id = 1`).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_log (event_id, room_id, message, created_at) VALUES (?, ?, ?, ?)`,
		id, roomID, message, time.Now(),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Since returns every entry with event id strictly greater than afterID, in
// ascending id order, across all rooms. Since does not filter by age:
// entries older than the 24h retention window remain until Sweep deletes
// them.
func (s *Store) Since(ctx context.Context, afterID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, room_id, message FROM event_log WHERE event_id > ? ORDER BY event_id ASC`, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.RoomID, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sweep deletes entries older than the 24h retention window. Call
// periodically from a background tick.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IdempotencyResult is cached against a successful send so that a retried
// request with the same key returns an identical body.
type IdempotencyResult struct {
	MessageID string `json:"messageId"`
}

// Lookup returns a previously cached result for (principalID, key), if one
// exists and has not expired past its 1h TTL.
func (s *Store) Lookup(ctx context.Context, principalID, key string) (IdempotencyResult, bool, error) {
	var raw []byte
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT result, created_at FROM idempotency WHERE principal_id = ? AND key = ?`, principalID, key,
	).Scan(&raw, &createdAt)
	if err == sql.ErrNoRows {
		return IdempotencyResult{}, false, nil
	}
	if err != nil {
		return IdempotencyResult{}, false, err
	}
	if time.Since(createdAt) > idempotencyTTL {
		return IdempotencyResult{}, false, nil
	}
	var result IdempotencyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return IdempotencyResult{}, false, err
	}
	return result, true, nil
}

// StoreResult persists a successful send result under (principalID, key).
func (s *Store) StoreResult(ctx context.Context, principalID, key string, result IdempotencyResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency (principal_id, key, result, created_at) VALUES (?, ?, ?, ?)`,
		principalID, key, raw, time.Now(),
	)
	return err
}

// SweepIdempotency deletes cache entries older than the 1h TTL.
func (s *Store) SweepIdempotency(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-idempotencyTTL)
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Close() error { return s.db.Close() }
