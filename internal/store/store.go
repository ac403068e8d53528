// Package store owns the SQLite-backed persistence for bearer-token
// hashes and the searchable log table (spec §4.1). It opens the
// database with WAL journaling and foreign keys enforced, and exposes
// batched log insert, filtered log query (including FTS5 search), and
// token CRUD.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// isBusyLock reports whether err indicates SQLITE_BUSY. Handles wrapped
// errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// DefaultMaxOpenConns is the default connection pool size for concurrent
// reads; WAL mode allows multiple readers plus one writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout, and perf pragmas per-connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tokens (
	id         TEXT PRIMARY KEY,
	hash       TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	last_used  DATETIME
);

CREATE TABLE IF NOT EXISTS logs (
	sequence  INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	service   TEXT NOT NULL,
	instance  TEXT NOT NULL,
	stream    TEXT NOT NULL,
	severity  TEXT NOT NULL,
	message   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_service ON logs(service);
CREATE INDEX IF NOT EXISTS idx_logs_instance ON logs(instance);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);

CREATE VIRTUAL TABLE IF NOT EXISTS logs_fts USING fts5(
	message,
	content='logs',
	content_rowid='sequence'
);

CREATE TRIGGER IF NOT EXISTS logs_ai AFTER INSERT ON logs BEGIN
	INSERT INTO logs_fts(rowid, message) VALUES (new.sequence, new.message);
END;
CREATE TRIGGER IF NOT EXISTS logs_ad AFTER DELETE ON logs BEGIN
	INSERT INTO logs_fts(logs_fts, rowid, message) VALUES('delete', old.sequence, old.message);
END;
`

// New opens the store at dbPath, creating the schema if absent.
// Initialization is idempotent.
func New(dbPath string) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: running schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Store wraps the SQLite connection pool.
type Store struct {
	db *sql.DB
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Tokens ---

// TokenRecord is a persisted bearer token (spec §3).
type TokenRecord struct {
	ID        string
	Hash      string
	Label     string
	CreatedAt time.Time
	ExpiresAt *time.Time
	LastUsed  *time.Time
}

func (s *Store) CreateToken(t *TokenRecord) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO tokens (id, hash, label, created_at, expires_at, last_used)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Hash, t.Label, t.CreatedAt.UTC(), nullTime(t.ExpiresAt), nullTime(t.LastUsed),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("store: inserting token: %w", err)
	}
	return nil
}

func (s *Store) GetToken(id string) (*TokenRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, hash, label, created_at, expires_at, last_used FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

func (s *Store) ListTokens() ([]*TokenRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, hash, label, created_at, expires_at, last_used FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: listing tokens: %w", err)
	}
	defer rows.Close()

	var out []*TokenRecord
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllHashes returns every stored token hash, expired ones included,
// for constant-per-hash verification (spec §4.4).
func (s *Store) ListAllHashes() ([]*TokenRecord, error) {
	return s.ListTokens()
}

func (s *Store) TouchTokenLastUsed(id string, when time.Time) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`UPDATE tokens SET last_used = ? WHERE id = ?`, when.UTC(), id)
		return e
	})
	if err != nil {
		return fmt.Errorf("store: touching token: %w", err)
	}
	return nil
}

func (s *Store) DeleteToken(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM tokens WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("store: deleting token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanToken(row scannable) (*TokenRecord, error) {
	var t TokenRecord
	var expiresAt, lastUsed sql.NullTime
	err := row.Scan(&t.ID, &t.Hash, &t.Label, &t.CreatedAt, &expiresAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scanning token: %w", err)
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		t.LastUsed = &lastUsed.Time
	}
	return &t, nil
}

// --- Logs ---

// LogStream identifies which channel a log record came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogSeverity is a hint for filtering and display.
type LogSeverity string

const (
	SeverityDebug LogSeverity = "debug"
	SeverityInfo  LogSeverity = "info"
	SeverityWarn  LogSeverity = "warn"
	SeverityError LogSeverity = "error"
)

// LogRecord is a single persisted/ring-buffered log line (spec §3).
type LogRecord struct {
	Sequence  int64
	Timestamp time.Time
	Service   string
	Instance  string
	Stream    LogStream
	Severity  LogSeverity
	Message   string
}

// LogQuery filters a log listing. Zero values mean "unfiltered" for that
// field; Limit must be set explicitly.
type LogQuery struct {
	Service  string
	Instance string
	Stream   LogStream
	Severity LogSeverity
	Since    time.Time
	Match    string // FTS5 match expression; empty disables full-text search
	Limit    int
}

// InsertLogBatch writes a slice of records in a single transaction,
// amortizing write cost across the batch (spec §4.1: "≤N records per
// transaction, flushed every ≤250ms or when the batch fills" — the
// batching policy itself lives in internal/logplane; this is the
// transactional primitive it calls).
func (s *Store) InsertLogBatch(records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(
			`INSERT INTO logs (timestamp, service, instance, stream, severity, message)
			 VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, r := range records {
			if _, err := stmt.Exec(r.Timestamp.UTC(), r.Service, r.Instance, string(r.Stream), string(r.Severity), r.Message); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
		return tx.Commit()
	})
}

// QueryLogs returns records matching q, most recent first, bounded by
// q.Limit. When q.Match is set the query joins through logs_fts.
func (s *Store) QueryLogs(q LogQuery) ([]LogRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var sb strings.Builder
	var args []any

	if q.Match != "" {
		sb.WriteString(`SELECT logs.sequence, logs.timestamp, logs.service, logs.instance, logs.stream, logs.severity, logs.message
			FROM logs_fts JOIN logs ON logs.sequence = logs_fts.rowid
			WHERE logs_fts MATCH ?`)
		args = append(args, q.Match)
	} else {
		sb.WriteString(`SELECT sequence, timestamp, service, instance, stream, severity, message FROM logs WHERE 1=1`)
	}

	if q.Service != "" {
		sb.WriteString(" AND service = ?")
		args = append(args, q.Service)
	}
	if q.Instance != "" {
		sb.WriteString(" AND instance = ?")
		args = append(args, q.Instance)
	}
	if q.Stream != "" {
		sb.WriteString(" AND stream = ?")
		args = append(args, string(q.Stream))
	}
	if q.Severity != "" {
		sb.WriteString(" AND severity = ?")
		args = append(args, string(q.Severity))
	}
	if !q.Since.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, q.Since.UTC())
	}
	sb.WriteString(" ORDER BY sequence DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying logs: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var r LogRecord
		var stream, severity string
		if err := rows.Scan(&r.Sequence, &r.Timestamp, &r.Service, &r.Instance, &stream, &severity, &r.Message); err != nil {
			return nil, fmt.Errorf("store: scanning log: %w", err)
		}
		r.Stream = LogStream(stream)
		r.Severity = LogSeverity(severity)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rotate deletes log records beyond the tighter of maxAge and maxCount.
func (s *Store) Rotate(maxAge time.Duration, maxCount int) error {
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UTC()
		if err := retryOnBusy(func() error {
			_, e := s.db.Exec(`DELETE FROM logs WHERE timestamp < ?`, cutoff)
			return e
		}); err != nil {
			return fmt.Errorf("store: rotating by age: %w", err)
		}
	}
	if maxCount > 0 {
		if err := retryOnBusy(func() error {
			_, e := s.db.Exec(
				`DELETE FROM logs WHERE sequence <= (
					SELECT sequence FROM logs ORDER BY sequence DESC LIMIT 1 OFFSET ?
				)`, maxCount)
			return e
		}); err != nil {
			return fmt.Errorf("store: rotating by count: %w", err)
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
