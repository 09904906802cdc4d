package breaker

import "time"

// State identifies the breaker position for one capability.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Transition describes one breaker state change.
type Transition struct {
	Capability string
	From       State
	To         State
	At         time.Time
	Reason     string
}

// TransitionFunc receives breaker state-change events.
type TransitionFunc func(Transition)

// Snapshot is a read-only view of one breaker for the admin surface.
type Snapshot struct {
	Capability          string    `json:"capability"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowFailureRate   float64   `json:"window_failure_rate"`
	WindowSamples       int       `json:"window_samples"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	ResetDeadline       time.Time `json:"reset_deadline,omitzero"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
}
