package registry

import "time"

// Status is the probed state of a remote capability.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnavailable Status = "unavailable"
	StatusUnknown     Status = "unknown"
)

// Capability is one remote service dependency. Records are immutable once
// published; refreshes replace the whole record.
type Capability struct {
	Name          string        `json:"name"`
	BaseURL       string        `json:"base_url"`
	Status        Status        `json:"status"`
	Version       string        `json:"version,omitempty"`
	Features      []string      `json:"features,omitempty"`
	Critical      bool          `json:"critical"`
	ProbeInterval time.Duration `json:"probe_interval"`
	LastProbedAt  time.Time     `json:"last_probed_at,omitzero"`
	LastError     string        `json:"last_error,omitempty"`
}

// Health is the aggregated system view derived from capability records.
type Health struct {
	Healthy      bool     `json:"healthy"`
	CriticalDown []string `json:"critical_down,omitempty"`
}

// healthResponse is the payload a capability health endpoint returns.
type healthResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
}
