// Package store persists the append-only message log backing durable,
// at-least-once delivery. The log is the single source of truth: sequence
// numbers are assigned here, dedup tokens are enforced here, and nothing
// updates or deletes a row once written.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDuplicateToken is returned by Append when the dedup token is already
// recorded. It is the proof that the message is safely durable from an
// earlier submission.
var ErrDuplicateToken = errors.New("dedup token already recorded")

// Message is one row of the log.
type Message struct {
	Sequence   int64
	DedupToken string
	Content    string
}

// Store is the SQLite-backed durable log.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the log database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying log store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the messages table. AUTOINCREMENT keeps sequence
// numbers strictly increasing and never reused; the unique index on
// dedup_token makes resubmission a constraint violation rather than a
// second row. NULL tokens carry no dedup guarantee.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			dedup_token TEXT UNIQUE,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// Append persists one message and returns its assigned sequence number.
// An empty dedupToken is stored as NULL and is always treated as unique.
//
// Append deliberately takes no context: a client disconnecting mid-submit
// must not cancel the durable write. Only the acknowledgment is lost, and
// the client's retry resolves to ErrDuplicateToken.
func (s *Store) Append(content, dedupToken string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token any
	if dedupToken != "" {
		token = dedupToken
	}

	res, err := s.db.Exec(
		"INSERT INTO messages (dedup_token, content, created_at) VALUES (?, ?, ?)",
		token, content, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateToken
		}
		return 0, fmt.Errorf("append message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read assigned sequence: %w", err)
	}
	return seq, nil
}

// ReadAfter returns up to limit messages with sequence number strictly
// greater than after, in ascending order. Call repeatedly with the last
// returned sequence to walk the whole log.
func (s *Store) ReadAfter(ctx context.Context, after int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, COALESCE(dedup_token, ''), content FROM messages WHERE seq > ? ORDER BY seq ASC LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read after %d: %w", after, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Sequence, &m.DedupToken, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// LastSequence returns the highest assigned sequence number, or 0 for an
// empty log.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM messages").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq, nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure on insert.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code&0xff == sqlite3.SQLITE_CONSTRAINT
}
