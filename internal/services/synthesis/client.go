// Package synthesis talks to the remote text-to-speech capability through
// the circuit breaker.
package synthesis

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

// Request asks the synthesis capability to narrate one chapter. Book and
// Chapter are string identifiers the capability uses to name the output
// file.
type Request struct {
	Text    string  `json:"text"`
	Book    string  `json:"book"`
	Chapter string  `json:"chapter"`
	Speaker string  `json:"speaker,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

// Result mirrors the capability's response shape.
type Result struct {
	Success        bool    `json:"success"`
	Message        string  `json:"message"`
	AudioPath      string  `json:"audio_path"`
	Duration       float64 `json:"duration,omitempty"`
	FileSize       int64   `json:"file_size,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
}

// Client narrates chapter text through the circuit breaker. Synthesis calls
// are never retried by the transport: re-sending a chapter the capability
// may already be rendering just doubles the work.
type Client struct {
	capability string
	resolver   CapabilityResolver
	breakers   *breaker.Registry
	logger     *slog.Logger
}

// NewClient wires the synthesis capability client.
func NewClient(capability string, resolver CapabilityResolver, breakers *breaker.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		capability: capability,
		resolver:   resolver,
		breakers:   breakers,
		logger:     logger.With(logging.String(logging.FieldComponent, "synthesis-client")),
	}
}

// Synthesize sends chapter text for narration and returns the audio path
// reported by the capability.
func (c *Client) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, services.Wrap(services.ErrValidation, "synthesis-client", "synthesize",
			"chapter text must not be empty", nil)
	}
	if strings.TrimSpace(req.Book) == "" || strings.TrimSpace(req.Chapter) == "" {
		return nil, services.Wrap(services.ErrValidation, "synthesis-client", "synthesize",
			"book and chapter identifiers are required", nil)
	}

	base, err := c.resolver.BaseURL(ctx, c.capability)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	resp, err := c.breakers.Execute(ctx, c.capability, breaker.Request{
		Method: "POST",
		URL:    base + "/tts",
		Body:   body,
	}, breaker.CallOptions{Retries: 0})
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, services.Wrap(services.ErrTransient, "synthesis-client", "synthesize",
			"capability returned an unreadable response", err)
	}
	if !result.Success || strings.TrimSpace(result.AudioPath) == "" {
		message := result.Message
		if message == "" {
			message = "synthesis reported failure without detail"
		}
		return nil, services.Wrap(services.ErrTransient, "synthesis-client", "synthesize", message, nil)
	}
	c.logger.Info("synthesis completed",
		logging.String("book", req.Book),
		logging.String("chapter", req.Chapter),
		logging.String("audio_path", result.AudioPath))
	return &result, nil
}
