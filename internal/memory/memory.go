// Package memory persists run history and the file changes each run made
// to a local sqlite database, so past work survives process restarts.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"gofer/internal/dispatch"
)

// Run is one recorded agent run. EndedAt is zero while the run is open.
type Run struct {
	ID          int64
	Instruction string
	StartedAt   time.Time
	EndedAt     time.Time
	Steps       int
	Outcome     string
}

// Store records runs and their changes. A nil *Store is a no-op sink, so
// callers that run without persistence do not need to branch.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("memory store path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare memory store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instruction TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	steps INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT ''
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init runs schema: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS changes (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	seq INTEGER NOT NULL,
	operation TEXT NOT NULL,
	file TEXT NOT NULL,
	content TEXT NOT NULL,
	result TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, seq)
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init changes schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// BeginRun inserts a new open run row and returns its id. On a nil store it
// returns id 0, which the other methods treat as "not tracked".
func (s *Store) BeginRun(instruction string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO runs (instruction, started_at) VALUES (?, ?)`,
		instruction, time.Now())
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun closes the run row with its step count and outcome.
func (s *Store) FinishRun(id int64, steps int, outcome string) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE runs SET ended_at=?, steps=?, outcome=? WHERE id=?`,
		time.Now(), steps, outcome, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// AppendChanges records the changes in order, continuing the run's sequence.
func (s *Store) AppendChanges(runID int64, changes []dispatch.Change) error {
	if s == nil || s.db == nil || runID == 0 || len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("append changes: %w", err)
	}
	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM changes WHERE run_id=?`, runID).Scan(&seq); err != nil {
		tx.Rollback()
		return fmt.Errorf("append changes: %w", err)
	}
	now := time.Now()
	for _, change := range changes {
		seq++
		if _, err := tx.Exec(
			`INSERT INTO changes (run_id, seq, operation, file, content, result, created_at) VALUES (?,?,?,?,?,?,?)`,
			runID, seq, change.Operation, change.File, change.Content, change.Result, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("append changes: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append changes: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, instruction, started_at, ended_at, steps, outcome
FROM runs
ORDER BY started_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var run Run
		var ended sql.NullTime
		if err := rows.Scan(&run.ID, &run.Instruction, &run.StartedAt, &ended, &run.Steps, &run.Outcome); err != nil {
			return nil, fmt.Errorf("recent runs: %w", err)
		}
		if ended.Valid {
			run.EndedAt = ended.Time
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	return runs, nil
}

// Changes returns the recorded changes for a run in sequence order.
func (s *Store) Changes(runID int64) ([]dispatch.Change, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(context.Background(), `
SELECT operation, file, content, result
FROM changes
WHERE run_id=?
ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("run changes: %w", err)
	}
	defer rows.Close()
	var changes []dispatch.Change
	for rows.Next() {
		var change dispatch.Change
		if err := rows.Scan(&change.Operation, &change.File, &change.Content, &change.Result); err != nil {
			return nil, fmt.Errorf("run changes: %w", err)
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run changes: %w", err)
	}
	return changes, nil
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
