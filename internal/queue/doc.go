// Package queue persists download and synthesis jobs in SQLite and drives
// their lifecycle.
//
// Both queues share one table and one Store; jobs are separated by kind.
// Ordering is priority first, enqueue order second. Claiming a job is a
// compare-and-swap on (status, owner) so at most one worker ever owns an
// active job, and every later transition re-checks ownership. Failures are
// retried with capped exponential backoff until the attempt budget runs out.
//
// Download enqueues are deduplicated by the normalized (title, author) key:
// a pair that already exists as a book short-circuits as "exists" without
// creating a job, and a pair already waiting or active resolves to the
// existing job.
//
// The database is working state for in-flight jobs, not an archive; finished
// jobs are purged after the retention window. Schema changes bump the version
// in store.go; users clear the database to adopt the new schema.
package queue
