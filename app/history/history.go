// Package history keeps an optional sqlite log of download executions and
// eviction runs. Best effort, a write failure never blocks the pipeline.
package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Store implements execution history persistence using sqlite
type Store struct {
	db *sqlx.DB
}

// DownloadRec is one recorded download execution
type DownloadRec struct {
	JobID      string    `db:"job_id"`
	URL        string    `db:"url"`
	Status     string    `db:"status"`
	Title      string    `db:"title"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

// CleanupRec is one recorded eviction run
type CleanupRec struct {
	ID         string    `db:"id"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
	Deleted    int       `db:"deleted"`
	FreedBytes int64     `db:"freed_bytes"`
	Skipped    int       `db:"skipped"`
	Errors     int       `db:"errors"`
}

// NewStore opens (and migrates) the history database
func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	// WAL for better concurrency between writers and status readers
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_downloads_job_id ON downloads(job_id)`,
		`CREATE TABLE IF NOT EXISTS cleanup_runs (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			deleted INTEGER,
			freed_bytes INTEGER,
			skipped INTEGER,
			errors INTEGER
		)`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate history db: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// RecordDownload logs one download execution
func (s *Store) RecordDownload(rec DownloadRec) error {
	_, err := s.db.NamedExec(`INSERT INTO downloads (job_id, url, status, title, started_at, finished_at)
		VALUES (:job_id, :url, :status, :title, :started_at, :finished_at)`, rec)
	if err != nil {
		return fmt.Errorf("failed to record download %s: %w", rec.JobID, err)
	}
	return nil
}

// RecordCleanup logs one eviction run, returns the generated run id
func (s *Store) RecordCleanup(rec CleanupRec) (string, error) {
	rec.ID = uuid.New().String()
	_, err := s.db.NamedExec(`INSERT INTO cleanup_runs (id, started_at, finished_at, deleted, freed_bytes, skipped, errors)
		VALUES (:id, :started_at, :finished_at, :deleted, :freed_bytes, :skipped, :errors)`, rec)
	if err != nil {
		return "", fmt.Errorf("failed to record cleanup run: %w", err)
	}
	return rec.ID, nil
}

// Downloads returns recorded download executions for a job, newest first
func (s *Store) Downloads(jobID string, limit int) ([]DownloadRec, error) {
	res := []DownloadRec{}
	err := s.db.Select(&res, `SELECT job_id, url, status, title, started_at, finished_at
		FROM downloads WHERE job_id = ? ORDER BY finished_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load downloads for %s: %w", jobID, err)
	}
	return res, nil
}

// CleanupRuns returns recorded eviction runs, newest first
func (s *Store) CleanupRuns(limit int) ([]CleanupRec, error) {
	res := []CleanupRec{}
	err := s.db.Select(&res, `SELECT id, started_at, finished_at, deleted, freed_bytes, skipped, errors
		FROM cleanup_runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load cleanup runs: %w", err)
	}
	return res, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
