package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"narrator/internal/config"
	"narrator/internal/logging"
	"narrator/internal/services"
)

// HTTPDoer describes the HTTP client used for health probes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry holds the live capability set. Construct one per process and pass
// it by handle; records are never deleted, only marked unavailable.
type Registry struct {
	probeTimeout time.Duration
	client       HTTPDoer
	logger       *slog.Logger
	now          func() time.Time

	mu           sync.RWMutex
	capabilities map[string]*Capability
}

// Option configures optional Registry behavior.
type Option func(*Registry)

// WithHTTPClient overrides the probe HTTP client (used in tests).
func WithHTTPClient(client HTTPDoer) Option {
	return func(r *Registry) { r.client = client }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New seeds a registry from configuration. Every configured capability starts
// in StatusUnknown until the first probe runs.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		probeTimeout: time.Duration(cfg.Registry.ProbeTimeout) * time.Second,
		client:       &http.Client{},
		logger:       logging.NewComponentLogger(logger, "registry"),
		now:          time.Now,
		capabilities: make(map[string]*Capability, len(cfg.Capabilities)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for name, capability := range cfg.Capabilities {
		r.capabilities[name] = &Capability{
			Name:          name,
			BaseURL:       capability.BaseURL,
			Status:        StatusUnknown,
			Critical:      capability.Critical,
			ProbeInterval: time.Duration(cfg.ProbeInterval(name)) * time.Second,
		}
	}
	return r
}

// Get returns a copy of the named capability record.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.capabilities[name]
	if !ok {
		return Capability{}, false
	}
	return *record, true
}

// Snapshot returns copies of every capability record, sorted by name.
func (r *Registry) Snapshot() []Capability {
	r.mu.RLock()
	records := make([]Capability, 0, len(r.capabilities))
	for _, record := range r.capabilities {
		records = append(records, *record)
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// BaseURL resolves the address for a capability, running on-demand discovery
// for records that have never been probed. Unknown names fail with
// services.ErrNotFound.
func (r *Registry) BaseURL(ctx context.Context, name string) (string, error) {
	record, err := r.Ensure(ctx, name)
	if err != nil {
		return "", err
	}
	return record.BaseURL, nil
}

// Ensure returns the capability record for name, probing it first when it has
// never been probed. Names with no configured record fail with
// services.ErrNotFound ("service not found").
func (r *Registry) Ensure(ctx context.Context, name string) (Capability, error) {
	record, ok := r.Get(name)
	if !ok {
		return Capability{}, services.Wrap(services.ErrNotFound, "registry", name, "service not found", nil)
	}
	if record.Status != StatusUnknown {
		return record, nil
	}
	return r.RefreshHealth(ctx, name)
}

// RefreshHealth probes the named capability's health endpoint and publishes a
// replacement record. The previous record is left untouched until the probe
// resolves so readers never see a half-written update.
func (r *Registry) RefreshHealth(ctx context.Context, name string) (Capability, error) {
	current, ok := r.Get(name)
	if !ok {
		return Capability{}, services.Wrap(services.ErrNotFound, "registry", name, "service not found", nil)
	}

	next := current
	next.LastProbedAt = r.now()

	health, err := r.probe(ctx, current.BaseURL)
	if err != nil {
		next.Status = StatusUnavailable
		next.LastError = err.Error()
		r.publish(&next)
		r.logger.Debug("capability probe failed",
			logging.String(logging.FieldCapability, name),
			logging.Error(err),
		)
		return next, nil
	}

	next.Version = health.Version
	next.Features = health.Features
	next.LastError = ""
	if status := strings.ToLower(strings.TrimSpace(health.Status)); status == "" || status == "healthy" || status == "ok" {
		next.Status = StatusHealthy
	} else {
		next.Status = StatusUnhealthy
		next.LastError = fmt.Sprintf("reported status %q", health.Status)
	}
	r.publish(&next)
	return next, nil
}

// SystemHealth derives overall health: healthy iff no critical capability is
// in a non-healthy state. Unknown counts as down for critical capabilities
// because nothing has confirmed them yet.
func (r *Registry) SystemHealth() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var down []string
	for name, record := range r.capabilities {
		if record.Critical && record.Status != StatusHealthy {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return Health{Healthy: len(down) == 0, CriticalDown: down}
}

// CapabilityHealthy reports whether one capability is currently healthy.
func (r *Registry) CapabilityHealthy(name string) bool {
	record, ok := r.Get(name)
	return ok && record.Status == StatusHealthy
}

func (r *Registry) publish(record *Capability) {
	r.mu.Lock()
	r.capabilities[record.Name] = record
	r.mu.Unlock()
}

func (r *Registry) probe(ctx context.Context, baseURL string) (*healthResponse, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode probe response: %w", err)
	}
	return &health, nil
}
