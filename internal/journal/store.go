// Package journal provides an append-only SQLite record of backend
// invocations and tool dispatches for diagnostics. It stores metadata
// only: no prompts, replies or argument values.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // "sqlite3", cgo
	_ "modernc.org/sqlite"          // "sqlite", pure Go
)

// Driver names accepted by [Open].
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// Invocation is one ProcessMessage call.
type Invocation struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	RequestID  string        `json:"request_id"`
	Model      string        `json:"model"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration_ns"`
	Candidates int           `json:"candidates"`
	Dropped    int           `json:"dropped"`
	Actions    int           `json:"actions"`
}

// Action is one dispatched tool call.
type Action struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	RequestID  string        `json:"request_id"`
	Tool       string        `json:"tool"`
	Allowed    bool          `json:"allowed"`
	Success    bool          `json:"success"`
	Confidence int           `json:"confidence"`
	Reason     string        `json:"reason,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// Summary holds aggregated totals.
type Summary struct {
	Invocations     int           `json:"invocations"`
	Failures        int           `json:"failures"`
	Actions         int           `json:"actions"`
	Denied          int           `json:"denied"`
	AverageDuration time.Duration `json:"average_duration_ns"`
}

// Store is an append-only journal. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates or opens a journal at path using driver, which must be
// [DriverCGO] or [DriverPure]. An empty driver selects [DriverCGO].
func Open(path, driver string) (*Store, error) {
	var dsn string
	switch driver {
	case "", DriverCGO:
		driver = DriverCGO
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPure:
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown journal driver %q (want %q or %q)", driver, DriverCGO, DriverPure)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and migrates its schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		request_id  TEXT NOT NULL,
		model       TEXT NOT NULL,
		success     INTEGER NOT NULL,
		error       TEXT,
		attempts    INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		candidates  INTEGER NOT NULL,
		dropped     INTEGER NOT NULL,
		actions     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_request ON invocations(request_id);

	CREATE TABLE IF NOT EXISTS actions (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		request_id  TEXT NOT NULL,
		tool        TEXT NOT NULL,
		allowed     INTEGER NOT NULL,
		success     INTEGER NOT NULL,
		confidence  INTEGER NOT NULL,
		reason      TEXT,
		elapsed_ms  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_request ON actions(request_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate journal ID: %w", err)
	}
	return id.String(), nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// RecordInvocation persists inv. Empty ID and zero Timestamp are filled in.
func (s *Store) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		inv.ID = id
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations
			(id, timestamp, request_id, model, success, error, attempts,
			 duration_ms, candidates, dropped, actions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		formatTime(inv.Timestamp),
		inv.RequestID,
		inv.Model,
		inv.Success,
		inv.Error,
		inv.Attempts,
		inv.Duration.Milliseconds(),
		inv.Candidates,
		inv.Dropped,
		inv.Actions,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// RecordAction persists a. Empty ID and zero Timestamp are filled in.
func (s *Store) RecordAction(ctx context.Context, a Action) error {
	if a.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		a.ID = id
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions
			(id, timestamp, request_id, tool, allowed, success, confidence, reason, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		formatTime(a.Timestamp),
		a.RequestID,
		a.Tool,
		a.Allowed,
		a.Success,
		a.Confidence,
		a.Reason,
		a.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// Recent returns up to limit invocations, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, model, success, COALESCE(error, ''), attempts,
		        duration_ms, candidates, dropped, actions
		 FROM invocations
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var ts string
		var durMS int64
		if err := rows.Scan(&inv.ID, &ts, &inv.RequestID, &inv.Model, &inv.Success, &inv.Error,
			&inv.Attempts, &durMS, &inv.Candidates, &inv.Dropped, &inv.Actions); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Timestamp = parseTime(ts)
		inv.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Actions returns the actions recorded for requestID in the order they
// were dispatched.
func (s *Store) Actions(ctx context.Context, requestID string) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, tool, allowed, success, confidence,
		        COALESCE(reason, ''), elapsed_ms
		 FROM actions
		 WHERE request_id = ?
		 ORDER BY timestamp, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var ts string
		var elapsedMS int64
		if err := rows.Scan(&a.ID, &ts, &a.RequestID, &a.Tool, &a.Allowed, &a.Success,
			&a.Confidence, &a.Reason, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Timestamp = parseTime(ts)
		a.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// Summary returns totals for records at or after since. A zero since
// covers everything.
func (s *Store) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	from := formatTime(since)
	if since.IsZero() {
		from = ""
	}

	var sum Summary
	var avgMS float64
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(duration_ms), 0)
		 FROM invocations WHERE timestamp >= ?`, from)
	if err := row.Scan(&sum.Invocations, &sum.Failures, &avgMS); err != nil {
		return nil, fmt.Errorf("query invocation summary: %w", err)
	}
	sum.AverageDuration = time.Duration(avgMS * float64(time.Millisecond))

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN allowed = 0 THEN 1 ELSE 0 END), 0)
		 FROM actions WHERE timestamp >= ?`, from)
	if err := row.Scan(&sum.Actions, &sum.Denied); err != nil {
		return nil, fmt.Errorf("query action summary: %w", err)
	}
	return &sum, nil
}

// String renders the summary on one line.
func (s Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d invocation(s), %d failed", s.Invocations, s.Failures)
	if s.Invocations > 0 {
		fmt.Fprintf(&sb, ", avg %s", s.AverageDuration.Round(time.Millisecond))
	}
	fmt.Fprintf(&sb, "; %d action(s), %d denied", s.Actions, s.Denied)
	return sb.String()
}
