package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"narrator/internal/pipeline"
	"narrator/internal/services"
	"narrator/internal/testsupport"
)

type stubGate struct {
	mu   sync.Mutex
	down map[string]bool
}

func (g *stubGate) CapabilityHealthy(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.down[name]
}

func (g *stubGate) setDown(name string, down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down == nil {
		g.down = make(map[string]bool)
	}
	g.down[name] = down
}

func newTestMachine(t *testing.T) (*pipeline.Machine, *stubGate) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store, err := pipeline.Open(cfg)
	if err != nil {
		t.Fatalf("pipeline.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	gate := &stubGate{}
	return pipeline.NewMachine(store, gate, nil), gate
}

func TestCreateJobStartsAtSearch(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, err := machine.CreateJob(ctx, "alice carroll", "", "")
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.ID == "" || job.CurrentStep != pipeline.StepSearch {
		t.Fatalf("unexpected new job: %#v", job)
	}
	if job.Progress != 0 {
		t.Fatalf("new job progress = %v, want 0", job.Progress)
	}
	for _, step := range []pipeline.Step{pipeline.StepSearch, pipeline.StepDownload, pipeline.StepParse, pipeline.StepTTS} {
		if job.StepStatuses[step] != pipeline.StepPending {
			t.Fatalf("step %s status = %s, want pending", step, job.StepStatuses[step])
		}
	}
}

func TestCreateJobAcceptsTitleWithoutQuery(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, err := machine.CreateJob(ctx, "", "Alice's Adventures in Wonderland", "Lewis Carroll")
	if err != nil {
		t.Fatalf("CreateJob with title only failed: %v", err)
	}
	if job.BookTitle != "Alice's Adventures in Wonderland" || job.SearchQuery != "" {
		t.Fatalf("unexpected job fields: %#v", job)
	}

	if _, err := machine.CreateJob(ctx, "", "", ""); err == nil {
		t.Fatal("expected error when both query and title are empty")
	}
}

func TestJobWalksStepsForwardWithMonotonicProgress(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, err := machine.CreateJob(ctx, "alice carroll", "", "")
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	steps := []pipeline.Step{pipeline.StepSearch, pipeline.StepDownload, pipeline.StepParse, pipeline.StepTTS}
	lastProgress := 0.0
	for _, step := range steps {
		started, err := machine.StartStep(ctx, job.ID, step)
		if err != nil {
			t.Fatalf("StartStep(%s) failed: %v", step, err)
		}
		if started.Progress < lastProgress {
			t.Fatalf("progress regressed at start of %s: %v < %v", step, started.Progress, lastProgress)
		}
		lastProgress = started.Progress

		advanced, err := machine.Advance(ctx, job.ID, step)
		if err != nil {
			t.Fatalf("Advance(%s) failed: %v", step, err)
		}
		if advanced.Progress < lastProgress {
			t.Fatalf("progress regressed after %s: %v < %v", step, advanced.Progress, lastProgress)
		}
		lastProgress = advanced.Progress
	}

	final, err := machine.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if final.CurrentStep != pipeline.StepComplete {
		t.Fatalf("final step = %s, want complete", final.CurrentStep)
	}
	if final.Progress != 100 {
		t.Fatalf("final progress = %v, want 100", final.Progress)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected CompletedAt on terminal job")
	}
}

func TestAdvanceRejectsWrongStep(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")

	// The job is at search; advancing download is a step violation.
	if _, err := machine.Advance(ctx, job.ID, pipeline.StepDownload); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for wrong step, got %v", err)
	}

	// Complete search, then attempt to complete it again (regression).
	if _, err := machine.Advance(ctx, job.ID, pipeline.StepSearch); err != nil {
		t.Fatalf("Advance(search) failed: %v", err)
	}
	if _, err := machine.Advance(ctx, job.ID, pipeline.StepSearch); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for repeated step, got %v", err)
	}
}

func TestStartStepDefersWhenCapabilityDown(t *testing.T) {
	machine, gate := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")
	machine.Advance(ctx, job.ID, pipeline.StepSearch)

	gate.setDown("download", true)
	_, err := machine.StartStep(ctx, job.ID, pipeline.StepDownload)
	if !errors.Is(err, services.ErrDependencyDown) {
		t.Fatalf("expected ErrDependencyDown, got %v", err)
	}

	// The job was not failed; it stays at download awaiting the capability.
	current, err := machine.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if current.CurrentStep != pipeline.StepDownload {
		t.Fatalf("deferred job moved to %s", current.CurrentStep)
	}

	gate.setDown("download", false)
	if _, err := machine.StartStep(ctx, job.ID, pipeline.StepDownload); err != nil {
		t.Fatalf("StartStep after recovery failed: %v", err)
	}
}

func TestParseStepIsNotHealthGated(t *testing.T) {
	machine, gate := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")
	machine.Advance(ctx, job.ID, pipeline.StepSearch)
	machine.Advance(ctx, job.ID, pipeline.StepDownload)

	gate.setDown("download", true)
	gate.setDown("synthesis", true)
	if _, err := machine.StartStep(ctx, job.ID, pipeline.StepParse); err != nil {
		t.Fatalf("parse must run locally regardless of capability health: %v", err)
	}
}

func TestFailJobRetainsErrorAndStep(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")
	machine.Advance(ctx, job.ID, pipeline.StepSearch)
	machine.StartStep(ctx, job.ID, pipeline.StepDownload)

	failed, err := machine.FailJob(ctx, job.ID, errors.New("download capability exhausted retries"))
	if err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	if failed.CurrentStep != pipeline.StepFailed {
		t.Fatalf("step = %s, want failed", failed.CurrentStep)
	}
	if failed.ErrorStep != pipeline.StepDownload || failed.Error == "" {
		t.Fatalf("diagnostics not retained: %#v", failed)
	}

	// Terminal jobs reject further transitions.
	if _, err := machine.Advance(ctx, job.ID, pipeline.StepDownload); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation on terminal job, got %v", err)
	}

	// FailJob on a terminal job is a no-op, not an error.
	again, err := machine.FailJob(ctx, job.ID, errors.New("other"))
	if err != nil {
		t.Fatalf("FailJob on terminal job: %v", err)
	}
	if again.Error != failed.Error {
		t.Fatalf("terminal error overwritten: %q", again.Error)
	}
}

func TestCancelFailsJobAndSetsFlag(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")
	machine.Advance(ctx, job.ID, pipeline.StepSearch)

	cancelled, err := machine.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.CurrentStep != pipeline.StepFailed || !cancelled.CancelRequested {
		t.Fatalf("unexpected cancelled job: %#v", cancelled)
	}
	if !machine.CancelRequested(ctx, job.ID) {
		t.Fatal("CancelRequested should report true")
	}

	if _, err := machine.Cancel(ctx, job.ID); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation cancelling terminal job, got %v", err)
	}
}

func TestAdvancePartialLandsInCompleteWithErrors(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")
	for _, step := range []pipeline.Step{pipeline.StepSearch, pipeline.StepDownload, pipeline.StepParse} {
		if _, err := machine.Advance(ctx, job.ID, step); err != nil {
			t.Fatalf("Advance(%s) failed: %v", step, err)
		}
	}
	machine.StartStep(ctx, job.ID, pipeline.StepTTS)

	done, err := machine.AdvancePartial(ctx, job.ID, "2 of 12 chapters failed synthesis")
	if err != nil {
		t.Fatalf("AdvancePartial failed: %v", err)
	}
	if done.CurrentStep != pipeline.StepCompleteWithErrors {
		t.Fatalf("step = %s, want complete_with_errors", done.CurrentStep)
	}
	if done.Error == "" || done.ErrorStep != pipeline.StepTTS {
		t.Fatalf("partial-failure detail not retained: %#v", done)
	}
	if done.Progress != 100 {
		t.Fatalf("progress = %v, want 100", done.Progress)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected CompletedAt")
	}
}

func TestAttachBookRecordsCreatedBooks(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")
	updated, err := machine.AttachBook(ctx, job.ID, pipeline.CreatedBook{
		Title:  "Alice in Wonderland",
		Author: "Lewis Carroll",
		Format: "epub",
		BookID: 7,
	})
	if err != nil {
		t.Fatalf("AttachBook failed: %v", err)
	}
	if len(updated.CreatedBooks) != 1 || updated.CreatedBooks[0].BookID != 7 {
		t.Fatalf("book not recorded: %#v", updated.CreatedBooks)
	}
	if updated.BookTitle != "Alice in Wonderland" || updated.BookAuthor != "Lewis Carroll" {
		t.Fatalf("title/author not filled in: %#v", updated)
	}

	persisted, _ := machine.GetJob(ctx, job.ID)
	if len(persisted.CreatedBooks) != 1 {
		t.Fatalf("created books not persisted: %#v", persisted.CreatedBooks)
	}
}

func TestConcurrentAdvanceOnlyOneWins(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	job, _ := machine.CreateJob(ctx, "alice carroll", "", "")

	const racers = 8
	var wg sync.WaitGroup
	successes := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := machine.Advance(ctx, job.ID, pipeline.StepSearch); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	won := 0
	for range successes {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one successful advance, got %d", won)
	}

	current, _ := machine.GetJob(ctx, job.ID)
	if current.CurrentStep != pipeline.StepDownload {
		t.Fatalf("job at %s, want download", current.CurrentStep)
	}
}

func TestListJobsActiveFilter(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	active, _ := machine.CreateJob(ctx, "active book", "", "")
	done, _ := machine.CreateJob(ctx, "done book", "", "")
	for _, step := range []pipeline.Step{pipeline.StepSearch, pipeline.StepDownload, pipeline.StepParse, pipeline.StepTTS} {
		if _, err := machine.Advance(ctx, done.ID, step); err != nil {
			t.Fatalf("Advance(%s) failed: %v", step, err)
		}
	}

	jobs, err := machine.ListJobs(ctx, true)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != active.ID {
		t.Fatalf("unexpected active jobs: %#v", jobs)
	}

	all, err := machine.ListJobs(ctx, false)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
}
