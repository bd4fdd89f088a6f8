package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteExecutionStore is the durable execution-history backend.
type SQLiteExecutionStore struct {
	db *sql.DB
}

// NewSQLiteExecutionStore opens (and bootstraps) the execution table at
// path.
func NewSQLiteExecutionStore(path string) (*SQLiteExecutionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution store: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent recorders.
	db.SetMaxOpenConns(1)

	schema := `
CREATE TABLE IF NOT EXISTS scheduled_job_executions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	job_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	dry_run INTEGER NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_job ON scheduled_job_executions(job_id, started_at);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create execution table: %w", err)
	}
	return &SQLiteExecutionStore{db: db}, nil
}

// Record stores one finished execution.
func (s *SQLiteExecutionStore) Record(ctx context.Context, exec Execution) error {
	dryRun := 0
	if exec.DryRun {
		dryRun = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_job_executions
	(id, job_id, job_name, status, started_at, finished_at, duration_ms, dry_run, result, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, exec.JobName, string(exec.Status),
		exec.StartedAt, exec.FinishedAt, exec.DurationMs, dryRun,
		exec.Result, exec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// List returns the most recent executions for a job, newest first.
func (s *SQLiteExecutionStore) List(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_id, job_name, status, started_at, finished_at, duration_ms, dry_run, result, error_message
FROM scheduled_job_executions
WHERE job_id = ?
ORDER BY started_at DESC
LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var exec Execution
		var status string
		var dryRun int
		if err := rows.Scan(&exec.ID, &exec.JobID, &exec.JobName, &status,
			&exec.StartedAt, &exec.FinishedAt, &exec.DurationMs, &dryRun,
			&exec.Result, &exec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec.Status = ExecutionStatus(status)
		exec.DryRun = dryRun != 0
		out = append(out, exec)
	}
	return out, rows.Err()
}

// CleanupBefore removes executions that finished before the cutoff.
func (s *SQLiteExecutionStore) CleanupBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_job_executions WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup executions: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// Close releases the database handle.
func (s *SQLiteExecutionStore) Close() error {
	return s.db.Close()
}
