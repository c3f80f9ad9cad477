// Package journal records procvm runs in a SQLite database.
package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one journal entry.
type Run struct {
	ID            string
	ProgramSHA256 string
	StartedAt     time.Time
	Duration      time.Duration
	Steps         int64
	Processes     int
	// Fault is the error that ended the run, or empty.
	Fault string
}

// Journal handles SQLite storage for runs.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		program_sha256 TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		processes INTEGER NOT NULL,
		fault TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// ProgramHash returns the hex SHA-256 of a program, as stored in runs.
func ProgramHash(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.New().String()
}

// Record stores a run. An empty ID is replaced by a new one, which is
// returned.
func (j *Journal) Record(ctx context.Context, r Run) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if r.ID == "" {
		r.ID = NewRunID()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, program_sha256, started_at, duration_ns, steps, processes, fault)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProgramSHA256, r.StartedAt.UnixNano(), int64(r.Duration), r.Steps, r.Processes, r.Fault,
	)
	if err != nil {
		return "", fmt.Errorf("saving run: %w", err)
	}
	return r.ID, nil
}

const runColumns = "id, program_sha256, started_at, duration_ns, steps, processes, fault"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r         Run
		startedAt int64
		duration  int64
	)
	if err := s.Scan(&r.ID, &r.ProgramSHA256, &startedAt, &duration, &r.Steps, &r.Processes, &r.Fault); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, startedAt).UTC()
	r.Duration = time.Duration(duration)
	return r, nil
}

// Get retrieves a run by id.
func (j *Journal) Get(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, fmt.Errorf("querying run: %w", err)
	}
	return r, nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
