package breaker

import (
	"fmt"
	"sync"
	"time"
)

// Settings holds breaker thresholds shared by every capability.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int
	// WindowSize is the number of recent call outcomes tracked per breaker.
	WindowSize int
	// FailureRate opens the breaker when the windowed rate exceeds it. The
	// rate only applies once the window holds at least WindowSize/2 samples.
	FailureRate float64
	// ResetTimeout is how long the breaker stays open before allowing a probe.
	ResetTimeout time.Duration
	// CallTimeout bounds each call when the caller does not override it.
	CallTimeout time.Duration
	// Retries is the default retry budget for idempotent calls.
	Retries int
}

// Breaker guards calls to a single capability. Transitions are owned
// exclusively by this type; callers interact through acquire/record.
type Breaker struct {
	name     string
	settings Settings
	onEvent  TransitionFunc
	now      func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	window              []bool // true marks a failure
	windowNext          int
	windowCount         int
	openedAt            time.Time
	resetDeadline       time.Time
	probeInFlight       bool
}

func newBreaker(name string, settings Settings, onEvent TransitionFunc, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:     name,
		settings: settings,
		onEvent:  onEvent,
		now:      now,
		state:    StateClosed,
		window:   make([]bool, settings.WindowSize),
	}
}

// callMode reports how an acquired call slot should be treated.
type callMode int

const (
	modeNormal callMode = iota
	modeProbe
)

// acquire reserves a call slot. It returns rejected=true when the breaker is
// open (or a half-open probe is already in flight), in which case the caller
// must fail fast without a network attempt.
func (b *Breaker) acquire() (mode callMode, rejected bool) {
	b.mu.Lock()
	var events []Transition

	switch b.state {
	case StateClosed:
		mode, rejected = modeNormal, false
	case StateOpen:
		if b.now().Before(b.resetDeadline) {
			mode, rejected = modeNormal, true
			break
		}
		events = b.transitionLocked(events, StateHalfOpen, "reset deadline elapsed")
		b.probeInFlight = true
		mode, rejected = modeProbe, false
	case StateHalfOpen:
		if b.probeInFlight {
			mode, rejected = modeNormal, true
			break
		}
		b.probeInFlight = true
		mode, rejected = modeProbe, false
	default:
		mode, rejected = modeNormal, true
	}

	b.mu.Unlock()
	b.emit(events)
	return mode, rejected
}

// recordSuccess registers a successful call, closing the breaker if the call
// was a half-open probe.
func (b *Breaker) recordSuccess(mode callMode) {
	b.mu.Lock()
	var events []Transition

	b.consecutiveFailures = 0
	b.pushOutcomeLocked(false)
	if mode == modeProbe {
		b.probeInFlight = false
	}
	if b.state == StateHalfOpen {
		events = b.transitionLocked(events, StateClosed, "probe succeeded")
	}

	b.mu.Unlock()
	b.emit(events)
}

// recordFailure registers a failed call and opens the breaker when either
// threshold is crossed. A failed half-open probe reopens immediately.
func (b *Breaker) recordFailure(mode callMode, reason string) {
	b.mu.Lock()
	var events []Transition

	b.consecutiveFailures++
	b.pushOutcomeLocked(true)
	if mode == modeProbe {
		b.probeInFlight = false
	}

	switch b.state {
	case StateHalfOpen:
		events = b.openLocked(events, "probe failed: "+reason)
	case StateClosed:
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			events = b.openLocked(events, fmt.Sprintf("%d consecutive failures: %s", b.consecutiveFailures, reason))
			break
		}
		if rate, samples := b.windowRateLocked(); samples >= b.minWindowSamples() && rate > b.settings.FailureRate {
			events = b.openLocked(events, fmt.Sprintf("failure rate %.0f%% over last %d calls: %s", rate*100, samples, reason))
		}
	}

	b.mu.Unlock()
	b.emit(events)
}

func (b *Breaker) openLocked(events []Transition, reason string) []Transition {
	now := b.now()
	b.openedAt = now
	b.resetDeadline = now.Add(b.settings.ResetTimeout)
	return b.transitionLocked(events, StateOpen, reason)
}

func (b *Breaker) transitionLocked(events []Transition, to State, reason string) []Transition {
	from := b.state
	if from == to {
		return events
	}
	b.state = to
	return append(events, Transition{Capability: b.name, From: from, To: to, At: b.now(), Reason: reason})
}

// emit delivers events outside the lock so the sink may call Snapshot.
func (b *Breaker) emit(events []Transition) {
	if b.onEvent == nil {
		return
	}
	for _, event := range events {
		b.onEvent(event)
	}
}

func (b *Breaker) pushOutcomeLocked(failure bool) {
	if len(b.window) == 0 {
		return
	}
	b.window[b.windowNext] = failure
	b.windowNext = (b.windowNext + 1) % len(b.window)
	if b.windowCount < len(b.window) {
		b.windowCount++
	}
}

func (b *Breaker) windowRateLocked() (rate float64, samples int) {
	if b.windowCount == 0 {
		return 0, 0
	}
	failures := 0
	for i := 0; i < b.windowCount; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.windowCount), b.windowCount
}

func (b *Breaker) minWindowSamples() int {
	min := b.settings.WindowSize / 2
	if min < 1 {
		min = 1
	}
	return min
}

// Snapshot returns the current breaker view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate, samples := b.windowRateLocked()
	return Snapshot{
		Capability:          b.name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		WindowFailureRate:   rate,
		WindowSamples:       samples,
		OpenedAt:            b.openedAt,
		ResetDeadline:       b.resetDeadline,
		ProbeInFlight:       b.probeInFlight,
	}
}
