package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// Run statuses stored in crawl_runs.status.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunStopped   = "stopped"
	RunFailed    = "failed"
)

// RunStore keeps a history of sync runs.
type RunStore struct {
	db    dbtx
	table string
}

// NewRunStore builds a RunStore over db.
func NewRunStore(db dbtx, cfg Config) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	cfg = cfg.WithDefaults()
	if !validTableName.MatchString(cfg.RunsTable) {
		return nil, fmt.Errorf("invalid table name %q", cfg.RunsTable)
	}
	return &RunStore{db: db, table: cfg.RunsTable}, nil
}

// StartRun records a run as running.
func (s *RunStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, started_at, status)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING`, s.table)
	if _, err := s.db.Exec(ctx, query, runID, startedAt, RunRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun stores the counters and detail log of a finished run. runErr is
// the hard failure that ended the run, if any.
func (s *RunStore) CompleteRun(ctx context.Context, result crawler.CrawlResult, runErr error) error {
	details, err := json.Marshal(result.Details)
	if err != nil {
		return fmt.Errorf("marshal run details: %w", err)
	}
	status := RunCompleted
	var errMsg *string
	switch {
	case runErr != nil:
		status = RunFailed
		msg := runErr.Error()
		errMsg = &msg
	case result.Stopped:
		status = RunStopped
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	finished_at = $2,
	total = $3,
	added = $4,
	updated = $5,
	skipped = $6,
	errors = $7,
	stopped = $8,
	status = $9,
	error_message = $10,
	details = $11
WHERE run_id = $1`, s.table)
	tag, err := s.db.Exec(ctx, query,
		result.RunID,
		result.Finished,
		result.Total,
		result.Added,
		result.Updated,
		result.Skipped,
		result.Errors,
		result.Stopped,
		status,
		errMsg,
		details,
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", result.RunID, crawler.ErrNotFound)
	}
	return nil
}

// ListRuns returns the most recent runs without their detail logs.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]crawler.CrawlResult, error) {
	query := fmt.Sprintf(`
SELECT run_id, started_at, finished_at, total, added, updated, skipped, errors, stopped
FROM %s
ORDER BY started_at DESC
LIMIT $1 OFFSET $2`, s.table)
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []crawler.CrawlResult{}
	for rows.Next() {
		var (
			run      crawler.CrawlResult
			finished *time.Time
		)
		if err := rows.Scan(
			&run.RunID,
			&run.Started,
			&finished,
			&run.Total,
			&run.Added,
			&run.Updated,
			&run.Skipped,
			&run.Errors,
			&run.Stopped,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		if finished != nil {
			run.Finished = *finished
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run including its detail log.
func (s *RunStore) GetRun(ctx context.Context, runID string) (crawler.CrawlResult, error) {
	query := fmt.Sprintf(`
SELECT run_id, started_at, finished_at, total, added, updated, skipped, errors, stopped, details
FROM %s
WHERE run_id = $1`, s.table)
	var (
		run      crawler.CrawlResult
		finished *time.Time
		details  []byte
	)
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.RunID,
		&run.Started,
		&finished,
		&run.Total,
		&run.Added,
		&run.Updated,
		&run.Skipped,
		&run.Errors,
		&run.Stopped,
		&details,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlResult{}, fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("get run: %w", err)
	}
	if finished != nil {
		run.Finished = *finished
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &run.Details); err != nil {
			return crawler.CrawlResult{}, fmt.Errorf("decode run details: %w", err)
		}
	}
	return run, nil
}
