package pipeline

import (
	"strings"
	"time"
)

// Step identifies a position in the pipeline.
type Step string

const (
	StepSearch   Step = "search"
	StepDownload Step = "download"
	StepParse    Step = "parse"
	StepTTS      Step = "tts"
	StepComplete Step = "complete"
	// StepCompleteWithErrors is the terminal state for jobs whose tts step
	// finished with some chapters failed.
	StepCompleteWithErrors Step = "complete_with_errors"
	StepFailed             Step = "failed"
)

// workSteps is the forward order of non-terminal steps.
var workSteps = []Step{StepSearch, StepDownload, StepParse, StepTTS}

// stepWeights drive the overall progress percentage, by expected step cost.
var stepWeights = map[Step]float64{
	StepSearch:   10,
	StepDownload: 30,
	StepParse:    20,
	StepTTS:      40,
}

// stepCapability names the remote capability each step depends on. Steps
// absent from the map run locally and are never health-gated.
var stepCapability = map[Step]string{
	StepSearch:   "download",
	StepDownload: "download",
	StepTTS:      "synthesis",
}

// ParseStep converts a string into a known Step.
func ParseStep(value string) (Step, bool) {
	normalized := Step(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StepSearch, StepDownload, StepParse, StepTTS,
		StepComplete, StepCompleteWithErrors, StepFailed:
		return normalized, true
	}
	return "", false
}

// IsTerminal reports whether the step ends the job.
func (s Step) IsTerminal() bool {
	return s == StepComplete || s == StepCompleteWithErrors || s == StepFailed
}

// next returns the step after s in the forward order, or StepComplete after
// the last work step.
func (s Step) next() (Step, bool) {
	for i, step := range workSteps {
		if step == s {
			if i+1 < len(workSteps) {
				return workSteps[i+1], true
			}
			return StepComplete, true
		}
	}
	return "", false
}

// index returns the position of s among work steps, or -1 for terminals.
func (s Step) index() int {
	for i, step := range workSteps {
		if step == s {
			return i
		}
	}
	return -1
}

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepRunning       StepStatus = "running"
	StepDone          StepStatus = "completed"
	StepFailedStatus  StepStatus = "failed"
	StepDoneWithError StepStatus = "completed_with_errors"
)

// CreatedBook records one book a pipeline job produced.
type CreatedBook struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Format string `json:"format,omitempty"`
	BookID int64  `json:"book_id"`
}

// Job is one tracked audiobook request.
type Job struct {
	ID              string              `json:"id"`
	SearchQuery     string              `json:"search_query"`
	BookTitle       string              `json:"book_title,omitempty"`
	BookAuthor      string              `json:"book_author,omitempty"`
	CurrentStep     Step                `json:"current_step"`
	StepStatuses    map[Step]StepStatus `json:"step_statuses"`
	Progress        float64             `json:"progress_percent"`
	CreatedBooks    []CreatedBook       `json:"created_books,omitempty"`
	Error           string              `json:"error,omitempty"`
	ErrorStep       Step                `json:"error_step,omitempty"`
	CancelRequested bool                `json:"cancel_requested"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

// computeProgress sums the weights of completed steps. The result never
// decreases because step statuses only move forward.
func computeProgress(statuses map[Step]StepStatus) float64 {
	var total float64
	for step, weight := range stepWeights {
		switch statuses[step] {
		case StepDone, StepDoneWithError:
			total += weight
		case StepRunning:
			total += weight / 2
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}

func newStepStatuses() map[Step]StepStatus {
	statuses := make(map[Step]StepStatus, len(workSteps))
	for _, step := range workSteps {
		statuses[step] = StepPending
	}
	return statuses
}
