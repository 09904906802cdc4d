package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"narrator/internal/queue"
	"narrator/internal/testsupport"
)

func TestEnqueueAndDequeueOrdering(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	low, err := store.Enqueue(ctx, queue.KindSynthesis, queue.SynthesisPayload{BookID: 1, ChapterID: 1, ChapterNumber: 1}, 0, "")
	if err != nil {
		t.Fatalf("Enqueue low failed: %v", err)
	}
	high, err := store.Enqueue(ctx, queue.KindSynthesis, queue.SynthesisPayload{BookID: 1, ChapterID: 2, ChapterNumber: 2}, 5, "")
	if err != nil {
		t.Fatalf("Enqueue high failed: %v", err)
	}

	first, err := store.DequeueNext(ctx, queue.KindSynthesis, "worker-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if first == nil || first.ID != high.ID {
		t.Fatalf("expected high-priority job %d first, got %#v", high.ID, first)
	}
	if first.Status != queue.StatusActive || first.Owner != "worker-1" {
		t.Fatalf("claimed job not active for worker: %#v", first)
	}
	if first.Attempts != 1 {
		t.Fatalf("expected attempts=1 after claim, got %d", first.Attempts)
	}

	second, err := store.DequeueNext(ctx, queue.KindSynthesis, "worker-2")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if second == nil || second.ID != low.ID {
		t.Fatalf("expected remaining job %d, got %#v", low.ID, second)
	}

	empty, err := store.DequeueNext(ctx, queue.KindSynthesis, "worker-3")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected empty queue, got %#v", empty)
	}
}

func TestDequeueReturnsClaimedRowPerCall(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, queue.KindSynthesis, queue.SynthesisPayload{BookID: 1, ChapterID: 1, ChapterNumber: 1}, 0, "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	second, err := store.Enqueue(ctx, queue.KindSynthesis, queue.SynthesisPayload{BookID: 1, ChapterID: 2, ChapterNumber: 2}, 0, "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// One worker holding two active jobs must get each job back from the
	// call that claimed it, not whichever active row sorts last.
	got1, err := store.DequeueNext(ctx, queue.KindSynthesis, "worker-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	got2, err := store.DequeueNext(ctx, queue.KindSynthesis, "worker-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if got1 == nil || got2 == nil {
		t.Fatalf("expected two claims, got %#v and %#v", got1, got2)
	}
	if got1.ID != first.ID || got2.ID != second.ID {
		t.Fatalf("claims out of order: got %d then %d, want %d then %d",
			got1.ID, got2.ID, first.ID, second.ID)
	}
}

func TestDequeueDoesNotCrossKinds(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, queue.KindDownload, queue.DownloadPayload{Title: "A", Author: "B"}, 0, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := store.DequeueNext(ctx, queue.KindSynthesis, "worker-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if job != nil {
		t.Fatalf("synthesis worker claimed download job: %#v", job)
	}
}

func TestConcurrentDequeueClaimsEachJobOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		payload := queue.SynthesisPayload{BookID: 1, ChapterID: int64(i + 1), ChapterNumber: i + 1}
		if _, err := store.Enqueue(ctx, queue.KindSynthesis, payload, 0, ""); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	const workers = 8
	var mu sync.Mutex
	claimed := make(map[int64]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := store.DequeueNext(ctx, queue.KindSynthesis, workerID)
				if err != nil {
					t.Errorf("DequeueNext(%s): %v", workerID, err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[job.ID]; dup {
					t.Errorf("job %d claimed by %s and %s", job.ID, prev, workerID)
				}
				claimed[job.ID] = workerID
				mu.Unlock()
				if err := store.Complete(ctx, job.ID, workerID); err != nil {
					t.Errorf("Complete(%d): %v", job.ID, err)
					return
				}
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Fatalf("expected %d claimed jobs, got %d", jobCount, len(claimed))
	}
}

func TestFailRequeuesWithBackoffThenTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueuePolicy(2, 5, 300))
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	job, err := store.Enqueue(ctx, queue.KindDownload, queue.DownloadPayload{Title: "T", Author: "A"}, 0, "")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := store.DequeueNext(ctx, queue.KindDownload, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("DequeueNext failed: %v %#v", err, claimed)
	}
	if err := store.Fail(ctx, claimed.ID, "worker-1", errors.New("boom")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	requeued, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if requeued.Status != queue.StatusWaiting {
		t.Fatalf("expected waiting after first failure, got %s", requeued.Status)
	}
	if requeued.LastError != "boom" {
		t.Fatalf("expected last error recorded, got %q", requeued.LastError)
	}
	if requeued.NotBefore == nil || !requeued.NotBefore.After(now) {
		t.Fatalf("expected backoff delay, got %v", requeued.NotBefore)
	}

	// Job is invisible until the backoff elapses.
	hidden, err := store.DequeueNext(ctx, queue.KindDownload, "worker-1")
	if err != nil {
		t.Fatalf("DequeueNext failed: %v", err)
	}
	if hidden != nil {
		t.Fatalf("expected job hidden during backoff, got %#v", hidden)
	}

	now = now.Add(time.Hour)
	claimed, err = store.DequeueNext(ctx, queue.KindDownload, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("DequeueNext after backoff failed: %v %#v", err, claimed)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", claimed.Attempts)
	}
	if err := store.Fail(ctx, claimed.ID, "worker-1", errors.New("boom again")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	terminal, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if terminal.Status != queue.StatusFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", terminal.Status)
	}
	if terminal.FinishedAt == nil {
		t.Fatal("expected finished_at on terminal job")
	}
}

func TestCompleteRequiresOwnership(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, queue.KindDownload, queue.DownloadPayload{Title: "T", Author: "A"}, 0, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := store.DequeueNext(ctx, queue.KindDownload, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("DequeueNext failed: %v %#v", err, job)
	}

	if err := store.Complete(ctx, job.ID, "worker-2"); !errors.Is(err, queue.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for wrong worker, got %v", err)
	}
	if err := store.ReportProgress(ctx, job.ID, "worker-2", 50); !errors.Is(err, queue.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for wrong worker progress, got %v", err)
	}

	if err := store.ReportProgress(ctx, job.ID, "worker-1", 50); err != nil {
		t.Fatalf("ReportProgress failed: %v", err)
	}
	if err := store.Complete(ctx, job.ID, "worker-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	done, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if done.Status != queue.StatusCompleted || done.ProgressPercent != 100 {
		t.Fatalf("unexpected completed job: %#v", done)
	}
}

func TestEnqueueDownloadDedup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	libStore := testsupport.MustOpenLibrary(t, cfg)
	ctx := context.Background()

	payload := queue.DownloadPayload{Title: "The Time Machine", Author: "H. G. Wells"}

	first, err := store.EnqueueDownload(ctx, libStore, payload, 0, "")
	if err != nil {
		t.Fatalf("EnqueueDownload failed: %v", err)
	}
	if first.Status != queue.EnqueueCreated || first.JobID == 0 {
		t.Fatalf("expected created result, got %#v", first)
	}

	// Same book with different casing and punctuation is a duplicate.
	dup, err := store.EnqueueDownload(ctx, libStore, queue.DownloadPayload{Title: "the time machine!", Author: "H.G. WELLS"}, 0, "")
	if err != nil {
		t.Fatalf("EnqueueDownload dup failed: %v", err)
	}
	if dup.Status != queue.EnqueueQueued || dup.JobID != first.JobID {
		t.Fatalf("expected queued result pointing at job %d, got %#v", first.JobID, dup)
	}

	// Once the book exists in the library, enqueue short-circuits.
	book := testsupport.NewBook(t, libStore, "The Time Machine", "H. G. Wells")
	claimed, err := store.DequeueNext(ctx, queue.KindDownload, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("DequeueNext failed: %v %#v", err, claimed)
	}
	if err := store.Complete(ctx, claimed.ID, "worker-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	exists, err := store.EnqueueDownload(ctx, libStore, payload, 0, "")
	if err != nil {
		t.Fatalf("EnqueueDownload exists failed: %v", err)
	}
	if exists.Status != queue.EnqueueExists || exists.BookID != book.ID {
		t.Fatalf("expected exists result for book %d, got %#v", book.ID, exists)
	}
}

func TestStatsAndPurge(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		payload := queue.SynthesisPayload{BookID: 1, ChapterID: int64(i + 1), ChapterNumber: i + 1}
		if _, err := store.Enqueue(ctx, queue.KindSynthesis, payload, 0, ""); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	job, err := store.DequeueNext(ctx, queue.KindSynthesis, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("DequeueNext failed: %v %#v", err, job)
	}
	if err := store.Complete(ctx, job.ID, "worker-1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	stats, err := store.Stats(ctx, queue.KindSynthesis)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Waiting != 2 || stats.Completed != 1 || stats.Depth() != 2 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	// Fresh terminal jobs survive the purge.
	removed, err := store.PurgeFinished(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeFinished failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected no purge before retention, removed %d", removed)
	}

	now = now.Add(48 * time.Hour)
	removed, err = store.PurgeFinished(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeFinished failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one purged job, removed %d", removed)
	}
}

func TestRetryFailedResetsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueuePolicy(1, 5, 300))
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, queue.KindDownload, queue.DownloadPayload{Title: "T", Author: "A"}, 0, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := store.DequeueNext(ctx, queue.KindDownload, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("DequeueNext failed: %v %#v", err, job)
	}
	if err := store.Fail(ctx, job.ID, "worker-1", errors.New("fatal")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if err := store.RetryFailed(ctx, job.ID); err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	reset, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if reset.Status != queue.StatusWaiting || reset.Attempts != 0 || reset.LastError != "" {
		t.Fatalf("unexpected reset job: %#v", reset)
	}

	if err := store.RetryFailed(ctx, job.ID); err == nil {
		t.Fatal("expected error retrying non-failed job")
	}
}

func TestReclaimStaleReturnsOrphanedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	if _, err := store.Enqueue(ctx, queue.KindDownload, queue.DownloadPayload{Title: "T", Author: "A"}, 0, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := store.DequeueNext(ctx, queue.KindDownload, "worker-1")
	if err != nil || job == nil {
		t.Fatalf("DequeueNext failed: %v %#v", err, job)
	}

	now = now.Add(2 * time.Hour)
	reclaimed, err := store.ReclaimStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected one reclaimed job, got %d", reclaimed)
	}

	back, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if back.Status != queue.StatusWaiting || back.Owner != "" {
		t.Fatalf("expected reclaimed job waiting without owner: %#v", back)
	}
}
