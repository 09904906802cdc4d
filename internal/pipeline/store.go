package pipeline

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"narrator/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrStepConflict is returned when a transition targets a job whose current
// step has moved since the caller read it.
var ErrStepConflict = errors.New("pipeline step conflict")

// Store persists pipeline jobs in SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the pipeline database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "pipeline.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock overrides the time source (used in tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("pipeline schema version mismatch: database has %d, expected %d (clear the pipeline database)", version, schemaVersion)
	}
	return nil
}

// Create inserts a new job at the search step. Jobs issued from an explicit
// title carry no search query, so either the query or the title must be set.
func (s *Store) Create(ctx context.Context, searchQuery, title, author string) (*Job, error) {
	if strings.TrimSpace(searchQuery) == "" && strings.TrimSpace(title) == "" {
		return nil, errors.New("either a search query or a book title is required")
	}

	job := &Job{
		ID:           uuid.NewString(),
		SearchQuery:  searchQuery,
		BookTitle:    title,
		BookAuthor:   author,
		CurrentStep:  StepSearch,
		StepStatuses: newStepStatuses(),
		CreatedAt:    s.now().UTC(),
	}
	job.UpdatedAt = job.CreatedAt

	statusesJSON, err := json.Marshal(job.StepStatuses)
	if err != nil {
		return nil, fmt.Errorf("marshal step statuses: %w", err)
	}
	ts := formatTime(job.CreatedAt)
	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO pipeline_jobs (id, search_query, book_title, book_author, current_step, step_statuses_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.SearchQuery,
		nullableString(job.BookTitle),
		nullableString(job.BookAuthor),
		job.CurrentStep,
		string(statusesJSON),
		ts,
		ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline job: %w", err)
	}
	return job, nil
}

// Get fetches one job by id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipeline_jobs WHERE id = ?`, id)
	job, err := scanPipelineJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered to active (non-terminal)
// ones.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*Job, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipeline_jobs`
	if activeOnly {
		query += ` WHERE current_step NOT IN (?, ?, ?)`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	var args []any
	if activeOnly {
		args = []any{StepComplete, StepCompleteWithErrors, StepFailed}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipeline jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanPipelineJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// update persists a transition with a compare-and-swap on the step the caller
// read. ErrStepConflict means another writer moved the job first.
func (s *Store) update(ctx context.Context, job *Job, fromStep Step) error {
	statusesJSON, err := json.Marshal(job.StepStatuses)
	if err != nil {
		return fmt.Errorf("marshal step statuses: %w", err)
	}
	booksJSON, err := json.Marshal(job.CreatedBooks)
	if err != nil {
		return fmt.Errorf("marshal created books: %w", err)
	}
	if job.CreatedBooks == nil {
		booksJSON = []byte("[]")
	}

	job.UpdatedAt = s.now().UTC()
	var completedAt any
	if job.CompletedAt != nil {
		completedAt = formatTime(*job.CompletedAt)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE pipeline_jobs
         SET book_title = ?, book_author = ?, current_step = ?, step_statuses_json = ?,
             progress_percent = ?, created_books_json = ?, error = ?, error_step = ?,
             cancel_requested = ?, updated_at = ?, completed_at = ?
         WHERE id = ? AND current_step = ?`,
		nullableString(job.BookTitle),
		nullableString(job.BookAuthor),
		job.CurrentStep,
		string(statusesJSON),
		job.Progress,
		string(booksJSON),
		nullableString(job.Error),
		nullableString(string(job.ErrorStep)),
		boolToInt(job.CancelRequested),
		formatTime(job.UpdatedAt),
		completedAt,
		job.ID,
		fromStep,
	)
	if err != nil {
		return fmt.Errorf("update pipeline job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStepConflict
	}
	return nil
}

// RequestCancel flips the cancellation flag without touching the step, so an
// in-flight worker can observe it at its next safe point.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE pipeline_jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		formatTime(s.now().UTC()),
		id,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pipeline job %s not found", id)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

const pipelineColumns = "id, search_query, book_title, book_author, current_step, step_statuses_json, progress_percent, created_books_json, error, error_step, cancel_requested, created_at, updated_at, completed_at"

func scanPipelineJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		title        sql.NullString
		author       sql.NullString
		step         string
		statusesJSON string
		booksJSON    string
		errText      sql.NullString
		errStep      sql.NullString
		cancel       int
		createdAt    string
		updatedAt    string
		completedAt  sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.SearchQuery,
		&title,
		&author,
		&step,
		&statusesJSON,
		&job.Progress,
		&booksJSON,
		&errText,
		&errStep,
		&cancel,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	job.BookTitle = title.String
	job.BookAuthor = author.String
	job.CurrentStep = Step(step)
	job.Error = errText.String
	job.ErrorStep = Step(errStep.String)
	job.CancelRequested = cancel != 0
	job.CreatedAt = parseTimeString(createdAt)
	job.UpdatedAt = parseTimeString(updatedAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTimeString(completedAt.String)
		job.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(statusesJSON), &job.StepStatuses); err != nil {
		return nil, fmt.Errorf("decode step statuses: %w", err)
	}
	if err := json.Unmarshal([]byte(booksJSON), &job.CreatedBooks); err != nil {
		return nil, fmt.Errorf("decode created books: %w", err)
	}
	return &job, nil
}

func parseTimeString(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
