package queue

import (
	"context"
	"fmt"
	"time"
)

// Stats counts jobs of the given kind by status.
func (s *Store) Stats(ctx context.Context, kind Kind) (Stats, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE kind = ? GROUP BY status`,
		kind,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{Kind: kind}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch status {
		case StatusWaiting:
			stats.Waiting = count
		case StatusActive:
			stats.Active = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// PurgeFinished removes terminal jobs older than the retention window.
func (s *Store) PurgeFinished(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-retention))
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs
         WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StatusCompleted,
		StatusFailed,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}

// RetryFailed resets a terminal failed job so it can be claimed again with a
// fresh attempt budget.
func (s *Store) RetryFailed(ctx context.Context, id int64) error {
	ts := formatTime(s.now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, attempts = 0, last_error = NULL, not_before = NULL,
             progress_percent = 0, finished_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusWaiting,
		ts,
		id,
		StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not in failed status", id)
	}
	return nil
}

// ReclaimStale returns active jobs that have been held past the deadline to
// waiting, recovering work orphaned by a crashed worker.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs
         SET status = ?, owner = NULL, progress_percent = 0, updated_at = ?
         WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		StatusWaiting,
		formatTime(s.now()),
		StatusActive,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	reclaimed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return reclaimed, nil
}
