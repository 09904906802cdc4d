package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"narrator/internal/logging"
	"narrator/internal/services"
)

// HealthGate answers whether a remote capability is currently usable. The
// service registry satisfies this.
type HealthGate interface {
	CapabilityHealthy(name string) bool
}

const lockStripes = 32

// Machine owns all pipeline job transitions. Writes to one job are serialized
// through a striped per-id lock so unrelated jobs never contend.
type Machine struct {
	store  *Store
	health HealthGate
	logger *slog.Logger
	locks  [lockStripes]sync.Mutex
}

// NewMachine constructs a pipeline machine over the given store.
func NewMachine(store *Store, health HealthGate, logger *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		health: health,
		logger: logging.NewComponentLogger(logger, "pipeline"),
	}
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &m.locks[h.Sum32()%lockStripes]
}

// CreateJob registers a new audiobook request starting at the search step.
func (m *Machine) CreateJob(ctx context.Context, searchQuery, title, author string) (*Job, error) {
	job, err := m.store.Create(ctx, searchQuery, title, author)
	if err != nil {
		return nil, err
	}
	m.logger.Info("pipeline job created",
		logging.String(logging.FieldPipelineID, job.ID),
		logging.String("query", searchQuery),
	)
	return job, nil
}

// GetJob fetches one job.
func (m *Machine) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "pipeline", "get",
			fmt.Sprintf("pipeline job %s not found", id), nil)
	}
	return job, nil
}

// ListJobs returns jobs, optionally only non-terminal ones.
func (m *Machine) ListJobs(ctx context.Context, activeOnly bool) ([]*Job, error) {
	return m.store.List(ctx, activeOnly)
}

// StartStep marks the job's current step running. It fails with
// services.ErrDependencyDown when the step's capability gate is down, in
// which case the job is untouched and the caller defers.
func (m *Machine) StartStep(ctx context.Context, id string, step Step) (*Job, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CurrentStep.IsTerminal() {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "start-step",
			fmt.Sprintf("job %s is terminal (%s)", id, job.CurrentStep), nil)
	}
	if job.CurrentStep != step {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "start-step",
			fmt.Sprintf("job %s is at %s, not %s", id, job.CurrentStep, step), nil)
	}
	if job.CancelRequested {
		return nil, m.failLocked(ctx, job, step, "cancelled by user request")
	}

	if capability, gated := stepCapability[step]; gated && m.health != nil && !m.health.CapabilityHealthy(capability) {
		return nil, services.Wrap(services.ErrDependencyDown, "pipeline", "start-step",
			fmt.Sprintf("capability %s is down, deferring %s for job %s", capability, step, id), nil)
	}

	if job.StepStatuses[step] == StepRunning {
		return job, nil
	}
	job.StepStatuses[step] = StepRunning
	job.Progress = maxProgress(job.Progress, computeProgress(job.StepStatuses))
	if err := m.store.update(ctx, job, step); err != nil {
		return nil, err
	}
	m.logger.Info("pipeline step started",
		logging.String(logging.FieldPipelineID, id),
		logging.String(logging.FieldStep, string(step)),
	)
	return job, nil
}

// Advance completes the job's current step and moves it forward; the step
// after tts is the terminal complete state. Callers invoke it from the stage
// that just finished its work.
func (m *Machine) Advance(ctx context.Context, id string, step Step) (*Job, error) {
	return m.advance(ctx, id, step, StepDone)
}

// AdvancePartial completes the tts step with partial chapter failures. The
// job lands in the terminal complete_with_errors state instead of complete.
func (m *Machine) AdvancePartial(ctx context.Context, id string, detail string) (*Job, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CurrentStep != StepTTS {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "advance",
			fmt.Sprintf("job %s is at %s, not tts", id, job.CurrentStep), nil)
	}

	job.StepStatuses[StepTTS] = StepDoneWithError
	job.Error = detail
	job.ErrorStep = StepTTS
	job.Progress = maxProgress(job.Progress, computeProgress(job.StepStatuses))
	job.CurrentStep = StepCompleteWithErrors
	completed := m.store.now().UTC()
	job.CompletedAt = &completed

	if err := m.store.update(ctx, job, StepTTS); err != nil {
		return nil, err
	}
	m.logger.Warn("pipeline job completed with errors",
		logging.String(logging.FieldPipelineID, id),
		logging.String("detail", detail),
	)
	return job, nil
}

func (m *Machine) advance(ctx context.Context, id string, step Step, status StepStatus) (*Job, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CurrentStep.IsTerminal() {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "advance",
			fmt.Sprintf("job %s is terminal (%s)", id, job.CurrentStep), nil)
	}
	if job.CurrentStep != step {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "advance",
			fmt.Sprintf("job %s is at %s, not %s", id, job.CurrentStep, step), nil)
	}
	if job.CancelRequested {
		return nil, m.failLocked(ctx, job, step, "cancelled by user request")
	}

	next, ok := step.next()
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "advance",
			fmt.Sprintf("step %s cannot advance", step), nil)
	}

	job.StepStatuses[step] = status
	job.Progress = maxProgress(job.Progress, computeProgress(job.StepStatuses))
	job.CurrentStep = next
	if next.IsTerminal() {
		completed := m.store.now().UTC()
		job.CompletedAt = &completed
	}

	if err := m.store.update(ctx, job, step); err != nil {
		return nil, err
	}
	m.logger.Info("pipeline step completed",
		logging.String(logging.FieldPipelineID, id),
		logging.String(logging.FieldStep, string(step)),
		logging.String("next", string(next)),
		logging.Float64("progress", job.Progress),
	)
	return job, nil
}

// ResolveSearch records the title and author the search step settled on and
// advances the job to the download step.
func (m *Machine) ResolveSearch(ctx context.Context, id, title, author string) (*Job, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CurrentStep != StepSearch {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "resolve-search",
			fmt.Sprintf("job %s is at %s, not search", id, job.CurrentStep), nil)
	}
	if job.CancelRequested {
		return nil, m.failLocked(ctx, job, StepSearch, "cancelled by user request")
	}

	job.BookTitle = title
	job.BookAuthor = author
	job.StepStatuses[StepSearch] = StepDone
	job.Progress = maxProgress(job.Progress, computeProgress(job.StepStatuses))
	job.CurrentStep = StepDownload

	if err := m.store.update(ctx, job, StepSearch); err != nil {
		return nil, err
	}
	m.logger.Info("search resolved",
		logging.String(logging.FieldPipelineID, id),
		logging.String("title", title),
		logging.String("author", author),
	)
	return job, nil
}

// FailJob moves the job to terminal failed, retaining the error and the step
// at which it occurred. Failed jobs are never retried; a new job must be
// created.
func (m *Machine) FailJob(ctx context.Context, id string, cause error) (*Job, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CurrentStep.IsTerminal() {
		return job, nil
	}

	message := "unknown failure"
	if cause != nil {
		message = cause.Error()
	}
	if err := m.failLocked(ctx, job, job.CurrentStep, message); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel requests cancellation and fails the job immediately. An in-flight
// worker keeps running until its next cancellation check and then discards
// its output.
func (m *Machine) Cancel(ctx context.Context, id string) (*Job, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CurrentStep.IsTerminal() {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "cancel",
			fmt.Sprintf("job %s is already terminal (%s)", id, job.CurrentStep), nil)
	}

	job.CancelRequested = true
	if err := m.failLocked(ctx, job, job.CurrentStep, "cancelled by user request"); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelRequested reports whether cancellation was requested for the job.
// Workers consult this before persisting results.
func (m *Machine) CancelRequested(ctx context.Context, id string) bool {
	job, err := m.store.Get(ctx, id)
	return err == nil && job != nil && job.CancelRequested
}

// AttachBook records a book created on behalf of the job and fills in the
// resolved title/author when the search step discovered them.
func (m *Machine) AttachBook(ctx context.Context, id string, book CreatedBook) (*Job, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.CreatedBooks = append(job.CreatedBooks, book)
	if job.BookTitle == "" {
		job.BookTitle = book.Title
	}
	if job.BookAuthor == "" {
		job.BookAuthor = book.Author
	}
	if err := m.store.update(ctx, job, job.CurrentStep); err != nil {
		return nil, err
	}
	return job, nil
}

func (m *Machine) failLocked(ctx context.Context, job *Job, step Step, message string) error {
	if !step.IsTerminal() && step.index() >= 0 {
		job.StepStatuses[step] = StepFailedStatus
	}
	job.Error = message
	job.ErrorStep = step
	fromStep := job.CurrentStep
	job.CurrentStep = StepFailed
	completed := m.store.now().UTC()
	job.CompletedAt = &completed

	if err := m.store.update(ctx, job, fromStep); err != nil {
		return err
	}
	m.logger.Warn("pipeline job failed",
		logging.String(logging.FieldPipelineID, job.ID),
		logging.String(logging.FieldStep, string(step)),
		logging.String("error", message),
	)
	return nil
}

func maxProgress(current, next float64) float64 {
	if next > current {
		return next
	}
	return current
}

// StepDependencies exposes the step-to-capability mapping for callers that
// need to report which capability a deferred step is waiting on.
func StepDependencies(step Step) (string, bool) {
	capability, ok := stepCapability[step]
	return capability, ok
}
