package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind separates the download and synthesis queues inside one store.
type Kind string

const (
	KindDownload  Kind = "download"
	KindSynthesis Kind = "synthesis"
)

// Status represents the lifecycle of a queue job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{StatusWaiting, StatusActive, StatusCompleted, StatusFailed}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StatusWaiting, StatusActive, StatusCompleted, StatusFailed:
		return normalized, true
	}
	return "", false
}

// IsTerminal reports whether a status ends the job's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one retryable unit of work persisted in SQLite.
type Job struct {
	ID              int64
	Kind            Kind
	PayloadJSON     string
	Priority        int
	Status          Status
	Attempts        int
	MaxAttempts     int
	LastError       string
	ProgressPercent float64
	DedupKey        string
	Owner           string
	PipelineID      string
	NotBefore       *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
}

// DownloadPayload is the task body for download jobs.
type DownloadPayload struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	SourceURL string `json:"source_url,omitempty"`
	Query     string `json:"query,omitempty"`
}

// SynthesisPayload is the task body for per-chapter synthesis jobs.
type SynthesisPayload struct {
	BookID        int64 `json:"book_id"`
	ChapterID     int64 `json:"chapter_id"`
	ChapterNumber int   `json:"chapter_number"`
}

// DownloadPayload decodes the job payload as a download task.
func (j *Job) DownloadPayload() (DownloadPayload, error) {
	var payload DownloadPayload
	if err := json.Unmarshal([]byte(j.PayloadJSON), &payload); err != nil {
		return DownloadPayload{}, fmt.Errorf("decode download payload: %w", err)
	}
	return payload, nil
}

// SynthesisPayload decodes the job payload as a synthesis task.
func (j *Job) SynthesisPayload() (SynthesisPayload, error) {
	var payload SynthesisPayload
	if err := json.Unmarshal([]byte(j.PayloadJSON), &payload); err != nil {
		return SynthesisPayload{}, fmt.Errorf("decode synthesis payload: %w", err)
	}
	return payload, nil
}

// EnqueueStatus reports how an enqueue request resolved.
type EnqueueStatus string

const (
	// EnqueueCreated means a new job was inserted.
	EnqueueCreated EnqueueStatus = "created"
	// EnqueueExists means the book already exists; no job was created.
	EnqueueExists EnqueueStatus = "exists"
	// EnqueueQueued means an equivalent job is already waiting or active.
	EnqueueQueued EnqueueStatus = "queued"
)

// EnqueueResult describes the outcome of a download enqueue.
type EnqueueResult struct {
	Status EnqueueStatus `json:"status"`
	JobID  int64         `json:"job_id,omitempty"`
	BookID int64         `json:"book_id,omitempty"`
}

// Stats aggregates job counts per kind and status.
type Stats struct {
	Kind      Kind `json:"kind"`
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
}

// Depth returns the count of jobs still awaiting or undergoing work.
func (s Stats) Depth() int {
	return s.Waiting + s.Active
}
