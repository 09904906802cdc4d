// Package download talks to the remote download capability through the
// circuit breaker.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"narrator/internal/breaker"
	"narrator/internal/logging"
	"narrator/internal/services"
)

// CapabilityResolver supplies the base address of a named remote capability.
// The service registry satisfies this.
type CapabilityResolver interface {
	BaseURL(ctx context.Context, name string) (string, error)
}

// Request asks the download capability to fetch one book. Either SourceURL
// or Query must be set.
type Request struct {
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Query     string `json:"query,omitempty"`
}

// Result is the capability's response on success.
type Result struct {
	FilePath string `json:"file_path"`
	Format   string `json:"format,omitempty"`
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
}

// SearchCandidate is one match returned by the capability's catalog.
type SearchCandidate struct {
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Format    string `json:"format,omitempty"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Results []SearchCandidate `json:"results"`
}

// Client fetches book files through the circuit breaker.
type Client struct {
	capability string
	resolver   CapabilityResolver
	breakers   *breaker.Registry
	logger     *slog.Logger
}

// NewClient wires the download capability client.
func NewClient(capability string, resolver CapabilityResolver, breakers *breaker.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		capability: capability,
		resolver:   resolver,
		breakers:   breakers,
		logger:     logger.With(logging.String(logging.FieldComponent, "download-client")),
	}
}

// Search resolves a free-form query into the best catalog match. Searches are
// read-only, so transient failures are retried.
func (c *Client) Search(ctx context.Context, query string) (*SearchCandidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, services.Wrap(services.ErrValidation, "download-client", "search",
			"search query must not be empty", nil)
	}

	base, err := c.resolver.BaseURL(ctx, c.capability)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(searchRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	resp, err := c.breakers.Execute(ctx, c.capability, breaker.Request{
		Method:     "POST",
		URL:        base + "/search",
		Body:       body,
		Idempotent: true,
	}, breaker.CallOptions{Retries: -1})
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, services.Wrap(services.ErrTransient, "download-client", "search",
			"capability returned an unreadable response", err)
	}
	if len(parsed.Results) == 0 {
		return nil, services.Wrap(services.ErrNotFound, "download-client", "search",
			fmt.Sprintf("no catalog match for %q", query), nil)
	}
	return &parsed.Results[0], nil
}

// Fetch requests a download and returns the path of the file the capability
// wrote. Retries are allowed only for direct-URL fetches, which the
// capability treats as idempotent; search-query downloads are not.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.SourceURL) == "" && strings.TrimSpace(req.Query) == "" {
		return nil, services.Wrap(services.ErrValidation, "download-client", "fetch",
			"download request needs a source URL or a search query", nil)
	}

	base, err := c.resolver.BaseURL(ctx, c.capability)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal download request: %w", err)
	}

	idempotent := strings.TrimSpace(req.SourceURL) != ""
	resp, err := c.breakers.Execute(ctx, c.capability, breaker.Request{
		Method:     "POST",
		URL:        base + "/download",
		Body:       body,
		Idempotent: idempotent,
	}, breaker.CallOptions{Retries: -1})
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, services.Wrap(services.ErrTransient, "download-client", "fetch",
			"capability returned an unreadable response", err)
	}
	if strings.TrimSpace(result.FilePath) == "" {
		return nil, services.Wrap(services.ErrTransient, "download-client", "fetch",
			"capability reported success without a file path", nil)
	}
	c.logger.Info("download completed",
		logging.String("title", req.Title),
		logging.String("file_path", result.FilePath))
	return &result, nil
}
