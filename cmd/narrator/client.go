package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"narrator/internal/breaker"
	"narrator/internal/daemon"
	"narrator/internal/library"
	"narrator/internal/pipeline"
	"narrator/internal/queue"
	"narrator/internal/registry"
)

// apiClient talks to the daemon's admin API.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(bind string) *apiClient {
	return &apiClient{
		base:   "http://" + strings.TrimSpace(bind),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) status(ctx context.Context) (daemon.Status, error) {
	var status daemon.Status
	err := c.get(ctx, "/api/status", &status)
	return status, err
}

type healthResponse struct {
	Health       registry.Health       `json:"health"`
	Capabilities []registry.Capability `json:"capabilities"`
}

func (c *apiClient) health(ctx context.Context) (healthResponse, error) {
	var health healthResponse
	err := c.get(ctx, "/api/health", &health)
	return health, err
}

func (c *apiClient) breakers(ctx context.Context) ([]breaker.Snapshot, error) {
	var resp struct {
		Breakers []breaker.Snapshot `json:"breakers"`
	}
	err := c.get(ctx, "/api/breakers", &resp)
	return resp.Breakers, err
}

type queueJob struct {
	ID          int64      `json:"id"`
	Kind        queue.Kind `json:"kind"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Progress    float64    `json:"progress_percent"`
	LastError   string     `json:"last_error,omitempty"`
	PipelineID  string     `json:"pipeline_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (c *apiClient) queueJobs(ctx context.Context, kind, status string) ([]queueJob, error) {
	path := "/api/queue"
	params := make([]string, 0, 2)
	if kind != "" {
		params = append(params, "kind="+kind)
	}
	if status != "" {
		params = append(params, "status="+status)
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	var resp struct {
		Jobs []queueJob `json:"jobs"`
	}
	err := c.get(ctx, path, &resp)
	return resp.Jobs, err
}

func (c *apiClient) queueStats(ctx context.Context) ([]queue.Stats, error) {
	var resp struct {
		Stats []queue.Stats `json:"stats"`
	}
	err := c.get(ctx, "/api/queue/stats", &resp)
	return resp.Stats, err
}

func (c *apiClient) retryQueueJob(ctx context.Context, id int64) error {
	return c.post(ctx, fmt.Sprintf("/api/queue/%d/retry", id), nil, nil)
}

type pipelineJobEnvelope struct {
	Job pipeline.Job `json:"job"`
}

func (c *apiClient) pipelineJobs(ctx context.Context, activeOnly bool) ([]pipeline.Job, error) {
	path := "/api/pipeline"
	if activeOnly {
		path += "?active=1"
	}
	var resp struct {
		Jobs []pipeline.Job `json:"jobs"`
	}
	err := c.get(ctx, path, &resp)
	return resp.Jobs, err
}

func (c *apiClient) createPipelineJob(ctx context.Context, query, title, author string) (pipeline.Job, error) {
	var resp pipelineJobEnvelope
	err := c.post(ctx, "/api/pipeline", map[string]string{
		"search_query": query,
		"title":        title,
		"author":       author,
	}, &resp)
	return resp.Job, err
}

func (c *apiClient) pipelineJob(ctx context.Context, id string) (pipeline.Job, error) {
	var resp pipelineJobEnvelope
	err := c.get(ctx, "/api/pipeline/"+id, &resp)
	return resp.Job, err
}

func (c *apiClient) cancelPipelineJob(ctx context.Context, id string) (pipeline.Job, error) {
	var resp pipelineJobEnvelope
	err := c.post(ctx, "/api/pipeline/"+id+"/cancel", nil, &resp)
	return resp.Job, err
}

func (c *apiClient) books(ctx context.Context) ([]library.Book, error) {
	var resp struct {
		Books []library.Book `json:"books"`
	}
	err := c.get(ctx, "/api/books", &resp)
	return resp.Books, err
}

func (c *apiClient) chapters(ctx context.Context, bookID int64) ([]library.Chapter, error) {
	var resp struct {
		Chapters []library.Chapter `json:"chapters"`
	}
	err := c.get(ctx, fmt.Sprintf("/api/books/%d/chapters", bookID), &resp)
	return resp.Chapters, err
}
