// Package jobs keeps a SQLite record of completed pipeline jobs.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrJobNotFound is returned by Get for an unknown id
var ErrJobNotFound = errors.New("job not found")

// Job is one ledger row
type Job struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	WeightKg   float64   `json:"weight_kg"`
	TargetSize int       `json:"target_size"`
	Diagnosis  string    `json:"diagnosis"`
	ArchType   string    `json:"arch_type"`
	Infill     int       `json:"infill"`
	MeshPaths  []string  `json:"mesh_paths"`
}

// Ledger stores jobs. database/sql serializes access, so a Ledger may be
// shared between goroutines.
type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	weight_kg REAL NOT NULL,
	target_size INTEGER NOT NULL,
	diagnosis TEXT NOT NULL,
	arch_type TEXT NOT NULL,
	infill INTEGER NOT NULL,
	mesh_paths TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

// Open opens or creates the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases shared and avoids
	// SQLITE_BUSY between writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record inserts a job. CreatedAt defaults to now.
func (l *Ledger) Record(ctx context.Context, job Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	paths, err := json.Marshal(job.MeshPaths)
	if err != nil {
		return fmt.Errorf("failed to encode mesh paths: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, weight_kg, target_size, diagnosis, arch_type, infill, mesh_paths)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CreatedAt.UnixNano(), job.WeightKg, job.TargetSize,
		job.Diagnosis, job.ArchType, job.Infill, string(paths))
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job with id
func (l *Ledger) Get(ctx context.Context, id string) (Job, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, created_at, weight_kg, target_size, diagnosis, arch_type, infill, mesh_paths
		 FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, err
}

// List returns up to limit jobs, newest first. A limit <= 0 returns all.
func (l *Ledger) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, created_at, weight_kg, target_size, diagnosis, arch_type, infill, mesh_paths
		 FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (Job, error) {
	var (
		job     Job
		created int64
		paths   string
	)
	err := s.Scan(&job.ID, &created, &job.WeightKg, &job.TargetSize,
		&job.Diagnosis, &job.ArchType, &job.Infill, &paths)
	if err != nil {
		return Job{}, err
	}
	job.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(paths), &job.MeshPaths); err != nil {
		return Job{}, fmt.Errorf("corrupt mesh paths for job %s: %w", job.ID, err)
	}
	return job, nil
}
