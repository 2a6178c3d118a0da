package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/media-toolkit/internal/types"
)

// SQLiteLedger handles SQLite database operations
type SQLiteLedger struct {
	db    *sql.DB
	locks stripedLock
	log   *logrus.Entry
}

const jobColumns = `id, operation, family, endpoint, status, created_at, started_at, completed_at, updated_at,
	retry_count, input_ref, result_ref, error, last_error, webhook_url, caller_id`

// NewSQLiteLedger opens (or creates) the job database at dbPath
func NewSQLiteLedger(dbPath string, logger *logrus.Logger) (*SQLiteLedger, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite allows a single writer and this keeps
	// transactions from tripping over each other with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Create table if not exists
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL DEFAULT '',
		family TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		input_ref TEXT,
		result_ref TEXT,
		error TEXT,
		last_error TEXT,
		webhook_url TEXT NOT NULL DEFAULT '',
		caller_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	logger.Infof("Job ledger opened: sqlite %s", dbPath)
	return &SQLiteLedger{db: db, log: logger.WithField("component", "ledger")}, nil
}

// Create inserts a new job record
func (l *SQLiteLedger) Create(ctx context.Context, job *types.Job) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, query, jobArgs(job)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Update reads, patches and writes one job inside a transaction
func (l *SQLiteLedger) Update(ctx context.Context, id string, p types.Patch) (*types.Job, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := job.Apply(p, nowUTC()); err != nil {
		return nil, err
	}

	query := `
	UPDATE jobs SET status = ?, started_at = ?, completed_at = ?, updated_at = ?, retry_count = ?,
		result_ref = ?, error = ?, last_error = ?
	WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		string(job.Status), nanos(job.StartedAt), nanos(job.CompletedAt), job.UpdatedAt.UnixNano(),
		job.RetryCount, rawText(job.ResultRef), job.Error, job.LastError, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

// Get retrieves a job by id
func (l *SQLiteLedger) Get(ctx context.Context, id string) (*types.Job, error) {
	return scanJob(l.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// List returns the status of every job updated since the given time
func (l *SQLiteLedger) List(ctx context.Context, since time.Time) ([]types.JobSummary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, status, updated_at FROM jobs WHERE updated_at >= ? ORDER BY updated_at`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return scanSummaries(rows)
}

// Delete removes a terminal job
func (l *SQLiteLedger) Delete(ctx context.Context, id string) error {
	unlock := l.locks.lock(id)
	defer unlock()

	res, err := l.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND status IN (?, ?)`, id, types.StatusCompleted, types.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := l.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrJobActive, id)
}

// ListExpired returns terminal jobs not updated since before
func (l *SQLiteLedger) ListExpired(ctx context.Context, before time.Time, limit int) ([]types.JobSummary, error) {
	rows, err := l.db.QueryContext(ctx, `
	SELECT id, status, updated_at FROM jobs
	WHERE updated_at < ? AND status IN (?, ?)
	ORDER BY updated_at LIMIT ?
	`, before.UnixNano(), types.StatusCompleted, types.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	return scanSummaries(rows)
}

// ListUnfinished returns every pending or running job
func (l *SQLiteLedger) ListUnfinished(ctx context.Context) ([]*types.Job, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at`,
		types.StatusPending, types.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in each status
func (l *SQLiteLedger) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}
		counts[types.Status(status)] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job                 types.Job
		status              string
		created, updated    int64
		started, completed  sql.NullInt64
		inputRef, resultRef sql.NullString
		errMsg, lastErr     sql.NullString
	)

	err := row.Scan(&job.ID, &job.Operation, &job.Family, &job.Endpoint, &status, &created, &started, &completed, &updated,
		&job.RetryCount, &inputRef, &resultRef, &errMsg, &lastErr, &job.WebhookURL, &job.CallerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Status = types.Status(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	job.StartedAt = fromNanos(started)
	job.CompletedAt = fromNanos(completed)
	if inputRef.Valid {
		job.InputRef = json.RawMessage(inputRef.String)
	}
	if resultRef.Valid {
		job.ResultRef = json.RawMessage(resultRef.String)
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	return &job, nil
}

func scanSummaries(rows *sql.Rows) ([]types.JobSummary, error) {
	defer rows.Close()

	summaries := []types.JobSummary{}
	for rows.Next() {
		var (
			s       types.JobSummary
			status  string
			updated int64
		)
		if err := rows.Scan(&s.ID, &status, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		s.Status = types.Status(status)
		s.UpdatedAt = time.Unix(0, updated).UTC()
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func jobArgs(job *types.Job) []any {
	return []any{
		job.ID, job.Operation, job.Family, job.Endpoint, string(job.Status),
		job.CreatedAt.UnixNano(), nanos(job.StartedAt), nanos(job.CompletedAt), job.UpdatedAt.UnixNano(),
		job.RetryCount, rawText(job.InputRef), rawText(job.ResultRef), job.Error, job.LastError,
		job.WebhookURL, job.CallerID,
	}
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func rawText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
