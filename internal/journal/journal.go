// Package journal records worker lifecycle transitions and request outcomes
// in a local SQLite database, so `sigbridge status` and the HTTP API can
// answer "what has the worker been doing" after the fact.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Lifecycle event kinds.
const (
	KindLaunch    = "launch"
	KindConnected = "connected"
	KindCrash     = "crash"
	KindRestart   = "restart"
	KindDegraded  = "degraded"
	KindShutdown  = "shutdown"
)

// Request outcome statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusNoWorker = "no_worker"
)

// Event is one lifecycle journal row.
type Event struct {
	ID        string
	At        time.Time
	Kind      string
	ChannelID string
	WorkerPID int
	Detail    string
}

// RequestRecord is one request journal row.
type RequestRecord struct {
	ID        string
	At        time.Time
	Signature string
	Status    string
	Error     string
}

// Journal is the SQLite-backed event log. Safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens (and creates if needed) the journal database at path and ensures
// required tables exist.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_log (
  id         TEXT PRIMARY KEY,
  at         TEXT NOT NULL,
  kind       TEXT NOT NULL,
  channel_id TEXT,
  worker_pid INTEGER,
  detail     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS request_log (
  id        TEXT PRIMARY KEY,
  at        TEXT NOT NULL,
  signature TEXT NOT NULL,
  status    TEXT NOT NULL,
  error     TEXT
);`,
		`CREATE INDEX IF NOT EXISTS lifecycle_log_at_idx ON lifecycle_log(at);`,
		`CREATE INDEX IF NOT EXISTS request_log_at_idx ON request_log(at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// Record appends a lifecycle event.
func (j *Journal) Record(ctx context.Context, kind, channelID string, workerPID int, detail string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx, `
INSERT INTO lifecycle_log(id, at, kind, channel_id, worker_pid, detail)
VALUES(?, ?, ?, ?, ?, ?);
`, uuid.NewString(), now, kind, channelID, workerPID, detail)
	if err != nil {
		return fmt.Errorf("record lifecycle event: %w", err)
	}
	return nil
}

// RecordRequest appends a request outcome.
func (j *Journal) RecordRequest(ctx context.Context, signature, status, errDetail string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := j.db.ExecContext(ctx, `
INSERT INTO request_log(id, at, signature, status, error)
VALUES(?, ?, ?, ?, ?);
`, uuid.NewString(), now, signature, status, errDetail)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// Recent returns the newest lifecycle events, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, at, kind, channel_id, worker_pid, detail
FROM lifecycle_log
ORDER BY at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev        Event
			atS       string
			channelID sql.NullString
			pid       sql.NullInt64
			detail    sql.NullString
		)
		if err := rows.Scan(&ev.ID, &atS, &ev.Kind, &channelID, &pid, &detail); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, atS)
		ev.ChannelID = channelID.String
		ev.WorkerPID = int(pid.Int64)
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentRequests returns the newest request outcomes, most recent first.
func (j *Journal) RecentRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, at, signature, status, error
FROM request_log
ORDER BY at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	var records []RequestRecord
	for rows.Next() {
		var (
			rec    RequestRecord
			atS    string
			errCol sql.NullString
		)
		if err := rows.Scan(&rec.ID, &atS, &rec.Signature, &rec.Status, &errCol); err != nil {
			return nil, fmt.Errorf("scan request record: %w", err)
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, atS)
		rec.Error = errCol.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByKind returns how many lifecycle events of kind exist.
func (j *Journal) CountByKind(ctx context.Context, kind string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lifecycle_log WHERE kind = ?;`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count lifecycle events: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
