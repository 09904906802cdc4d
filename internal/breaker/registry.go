package breaker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"narrator/internal/services"
)

// HTTPDoer describes the HTTP client used for capability calls.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one outbound capability call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	// Idempotent marks requests safe to retry on transient failures.
	Idempotent bool
}

// CallOptions override the registry defaults for one call.
type CallOptions struct {
	Timeout time.Duration
	// Retries overrides the default retry budget; negative keeps the default.
	Retries int
}

// Response carries the status and body of a completed call.
type Response struct {
	StatusCode int
	Body       []byte
}

const maxResponseBody = 8 << 20

// Registry owns one breaker per capability name and executes calls through
// them. Construct one per process and share it by handle.
type Registry struct {
	settings Settings
	onEvent  TransitionFunc
	client   HTTPDoer
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Option configures optional Registry behavior.
type Option func(*Registry)

// WithTransitionFunc registers a sink for breaker state-change events.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(r *Registry) { r.onEvent = fn }
}

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(client HTTPDoer) Option {
	return func(r *Registry) { r.client = client }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs a breaker registry with the given settings.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{
		settings: settings,
		client:   &http.Client{},
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BreakerFor returns the breaker owning the named capability, creating it in
// CLOSED state on first use.
func (r *Registry) BreakerFor(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(name, r.settings, r.onEvent, r.now)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns the current view of every breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}

// Execute performs a capability call through the breaker for name.
//
// Open breaker: fails fast with services.ErrCircuitOpen and no network
// attempt. Transient failures (network errors, 5xx) are retried for
// idempotent requests until the retry budget runs out. 4xx responses are
// never retried and surface as services.ErrValidation (404 as ErrNotFound).
func (r *Registry) Execute(ctx context.Context, name string, req Request, opts CallOptions) (*Response, error) {
	b := r.BreakerFor(name)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.settings.CallTimeout
	}
	retries := opts.Retries
	if retries < 0 {
		retries = r.settings.Retries
	}
	if !req.Idempotent {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := waitRetry(ctx, attempt); err != nil {
				return nil, err
			}
		}

		mode, rejected := b.acquire()
		if rejected {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, services.Wrap(services.ErrCircuitOpen, "breaker", name, "call rejected", nil)
		}

		resp, err := r.attempt(ctx, timeout, req)
		if err != nil {
			b.recordFailure(mode, err.Error())
			lastErr = services.Wrap(services.ErrTransient, "breaker", name, "request failed", err)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			b.recordSuccess(mode)
			return resp, nil
		case resp.StatusCode >= 500:
			b.recordFailure(mode, fmt.Sprintf("status %d", resp.StatusCode))
			lastErr = services.Wrap(services.ErrTransient, "breaker", name, fmt.Sprintf("status %d", resp.StatusCode), nil)
			continue
		case resp.StatusCode == http.StatusNotFound:
			b.recordFailure(mode, fmt.Sprintf("status %d", resp.StatusCode))
			return resp, services.Wrap(services.ErrNotFound, "breaker", name, fmt.Sprintf("status %d", resp.StatusCode), nil)
		default:
			// 4xx-class: the client is wrong, not the service. Counts toward
			// breaker stats but is never retried.
			b.recordFailure(mode, fmt.Sprintf("status %d", resp.StatusCode))
			return resp, services.Wrap(services.ErrValidation, "breaker", name, fmt.Sprintf("status %d", resp.StatusCode), nil)
		}
	}
	return nil, lastErr
}

func (r *Registry) attempt(ctx context.Context, timeout time.Duration, req Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Body: data}, nil
}

func waitRetry(ctx context.Context, attempt int) error {
	delay := 200 * time.Millisecond << (attempt - 1)
	if delay > time.Second {
		delay = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
