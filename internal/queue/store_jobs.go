package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"narrator/internal/library"
)

// BookFinder is the slice of the library store the download pre-check needs.
type BookFinder interface {
	FindBookByTitleAuthor(ctx context.Context, title, author string) (*library.Book, error)
}

// Enqueue inserts a job of the given kind. Higher priority dequeues first;
// ties resolve in enqueue order.
func (s *Store) Enqueue(ctx context.Context, kind Kind, payload any, priority int, pipelineID string) (*Job, error) {
	return s.enqueue(ctx, kind, payload, priority, pipelineID, "")
}

// EnqueueDownload inserts a download job unless the book already exists or an
// equivalent job is already live. The pre-check and the partial unique index
// together guarantee no duplicate download work for a normalized
// (title, author) pair.
func (s *Store) EnqueueDownload(ctx context.Context, finder BookFinder, payload DownloadPayload, priority int, pipelineID string) (EnqueueResult, error) {
	existing, err := finder.FindBookByTitleAuthor(ctx, payload.Title, payload.Author)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("dedup pre-check: %w", err)
	}
	if existing != nil {
		return EnqueueResult{Status: EnqueueExists, BookID: existing.ID}, nil
	}

	dedupKey := library.NormalizeKey(payload.Title, payload.Author)
	job, err := s.enqueue(ctx, KindDownload, payload, priority, pipelineID, dedupKey)
	if err != nil {
		return EnqueueResult{}, err
	}
	if job == nil {
		// Unique index hit: another enqueue won the race.
		live, err := s.liveJobByDedupKey(ctx, dedupKey)
		if err != nil {
			return EnqueueResult{}, err
		}
		if live == nil {
			// The racing job finished between insert and lookup; the book
			// pre-check on the caller's retry settles it.
			return EnqueueResult{Status: EnqueueQueued}, nil
		}
		return EnqueueResult{Status: EnqueueQueued, JobID: live.ID}, nil
	}
	return EnqueueResult{Status: EnqueueCreated, JobID: job.ID}, nil
}

// EnqueueSynthesis inserts a synthesis job for one chapter, deduplicated so a
// chapter never has more than one live job. Returns nil when an equivalent
// job is already waiting or active.
func (s *Store) EnqueueSynthesis(ctx context.Context, payload SynthesisPayload, priority int, pipelineID string) (*Job, error) {
	dedupKey := fmt.Sprintf("synthesis:%d", payload.ChapterID)
	return s.enqueue(ctx, KindSynthesis, payload, priority, pipelineID, dedupKey)
}

func (s *Store) enqueue(ctx context.Context, kind Kind, payload any, priority int, pipelineID, dedupKey string) (*Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := formatTime(s.now())
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (kind, payload_json, priority, status, max_attempts, dedup_key, pipeline_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT DO NOTHING`,
		kind,
		string(payloadJSON),
		priority,
		StatusWaiting,
		s.policy.MaxAttempts,
		nullableString(dedupKey),
		nullableString(pipelineID),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) liveJobByDedupKey(ctx context.Context, dedupKey string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE dedup_key = ? AND status IN (?, ?) LIMIT 1`,
		dedupKey,
		StatusWaiting,
		StatusActive,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live job: %w", err)
	}
	return job, nil
}

// DequeueNext atomically claims the next eligible waiting job for workerID.
// The claim is a compare-and-swap on status, so concurrent workers never
// share a job. Returns nil when no job is eligible.
func (s *Store) DequeueNext(ctx context.Context, kind Kind, workerID string) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("worker id must not be empty")
	}
	ctx = ensureContext(ctx)
	now := s.now()
	ts := formatTime(now)

	// RETURNING pins the reload to the exact row this worker claimed.
	var claimedID int64
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(
			ctx,
			`UPDATE jobs
             SET status = ?, owner = ?, attempts = attempts + 1,
                 started_at = ?, updated_at = ?, last_error = NULL
             WHERE id = (
                 SELECT id FROM jobs
                 WHERE kind = ? AND status = ?
                   AND (not_before IS NULL OR not_before <= ?)
                 ORDER BY priority DESC, id ASC
                 LIMIT 1
             ) AND status = ?
             RETURNING id`,
			StatusActive,
			workerID,
			ts,
			ts,
			kind,
			StatusWaiting,
			ts,
			StatusWaiting,
		).Scan(&claimedID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := s.GetByID(ctx, claimedID)
	if err != nil {
		return nil, fmt.Errorf("load claimed job: %w", err)
	}
	return job, nil
}

// ReportProgress records progress for an active job owned by workerID.
func (s *Store) ReportProgress(ctx context.Context, id int64, workerID string, percent float64) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET progress_percent = ?, updated_at = ?
         WHERE id = ? AND status = ? AND owner = ?`,
		percent,
		formatTime(s.now()),
		id,
		StatusActive,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	return requireOwned(res)
}

// Complete transitions an active job owned by workerID to completed.
func (s *Store) Complete(ctx context.Context, id int64, workerID string) error {
	ts := formatTime(s.now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, progress_percent = 100, owner = NULL,
             finished_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND owner = ?`,
		StatusCompleted,
		ts,
		ts,
		id,
		StatusActive,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireOwned(res)
}

// Fail records a failed attempt for an active job owned by workerID. Jobs
// with attempts left return to waiting behind an exponential backoff delay;
// exhausted jobs become terminal failed.
func (s *Store) Fail(ctx context.Context, id int64, workerID string, cause error) error {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.Status != StatusActive || job.Owner != workerID {
		return ErrNotOwner
	}

	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}
	now := s.now()
	ts := formatTime(now)

	if job.Attempts < job.MaxAttempts {
		delay := s.backoffDelay(job.Attempts)
		res, err := s.execWithRetry(
			ctx,
			`UPDATE jobs
             SET status = ?, owner = NULL, last_error = ?, not_before = ?,
                 progress_percent = 0, updated_at = ?
             WHERE id = ? AND status = ? AND owner = ?`,
			StatusWaiting,
			message,
			formatTime(now.Add(delay)),
			ts,
			id,
			StatusActive,
			workerID,
		)
		if err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		return requireOwned(res)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, owner = NULL, last_error = ?, finished_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND owner = ?`,
		StatusFailed,
		message,
		ts,
		ts,
		id,
		StatusActive,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return requireOwned(res)
}

// Release returns an active job to waiting without consuming an attempt,
// used when work is deferred (circuit open, dependency down) rather than
// failed. The spent attempt from the claim is handed back.
func (s *Store) Release(ctx context.Context, id int64, workerID string, delayHint string) error {
	ts := formatTime(s.now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, owner = NULL, attempts = attempts - 1,
             last_error = ?, not_before = ?, progress_percent = 0, updated_at = ?
         WHERE id = ? AND status = ? AND owner = ?`,
		StatusWaiting,
		nullableString(delayHint),
		formatTime(s.now().Add(s.policy.BackoffBase)),
		ts,
		id,
		StatusActive,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return requireOwned(res)
}

func (s *Store) backoffDelay(attempts int) time.Duration {
	delay := s.policy.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.policy.BackoffCap {
			return s.policy.BackoffCap
		}
	}
	if delay > s.policy.BackoffCap {
		delay = s.policy.BackoffCap
	}
	return delay
}

func requireOwned(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotOwner
	}
	return nil
}

// List returns jobs filtered by kind and optional status set, newest first.
func (s *Store) List(ctx context.Context, kind Kind, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE kind = ?`
	args := []any{kind}
	if len(statuses) > 0 {
		query += ` AND status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobsByPipeline returns every job attached to a pipeline id.
func (s *Store) JobsByPipeline(ctx context.Context, pipelineID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE pipeline_id = ? ORDER BY id`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("jobs by pipeline: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
