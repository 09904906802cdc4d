package breaker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"narrator/internal/breaker"
	"narrator/internal/services"
)

func testSettings() breaker.Settings {
	return breaker.Settings{
		FailureThreshold: 3,
		WindowSize:       10,
		FailureRate:      0.5,
		ResetTimeout:     30 * time.Second,
		CallTimeout:      5 * time.Second,
		Retries:          2,
	}
}

// scriptedServer returns the queued status codes in order, then 200.
func scriptedServer(t *testing.T, calls *atomic.Int64, statuses ...int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if int(n) <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestBreakerOpensAfterConsecutiveFailuresAndFailsFast(t *testing.T) {
	var calls atomic.Int64
	server := scriptedServer(t, &calls,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
	)

	var transitions []breaker.Transition
	var mu sync.Mutex
	registry := breaker.NewRegistry(testSettings(), breaker.WithTransitionFunc(func(tr breaker.Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	}))

	ctx := context.Background()
	req := breaker.Request{Method: http.MethodGet, URL: server.URL}
	for i := 0; i < 3; i++ {
		if _, err := registry.Execute(ctx, "synthesis", req, breaker.CallOptions{}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 network attempts, got %d", calls.Load())
	}

	// Fourth call inside the reset window: fast rejection, zero network attempts.
	_, err := registry.Execute(ctx, "synthesis", req, breaker.CallOptions{})
	if !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("open breaker made a network attempt: %d calls", calls.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0].From != breaker.StateClosed || transitions[0].To != breaker.StateOpen {
		t.Fatalf("unexpected transitions: %#v", transitions)
	}
}

func TestBreakerHalfOpenProbeClosesOnSuccess(t *testing.T) {
	var calls atomic.Int64
	server := scriptedServer(t, &calls,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
	)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var clock sync.Mutex
	current := now
	registry := breaker.NewRegistry(testSettings(), breaker.WithClock(func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return current
	}))

	ctx := context.Background()
	req := breaker.Request{Method: http.MethodGet, URL: server.URL}
	for i := 0; i < 3; i++ {
		registry.Execute(ctx, "synthesis", req, breaker.CallOptions{})
	}

	snaps := registry.Snapshots()
	if len(snaps) != 1 || snaps[0].State != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %#v", snaps)
	}

	// Advance past the reset deadline; the next call is the half-open probe.
	clock.Lock()
	current = current.Add(31 * time.Second)
	clock.Unlock()

	if _, err := registry.Execute(ctx, "synthesis", req, breaker.CallOptions{}); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	snaps = registry.Snapshots()
	if snaps[0].State != breaker.StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", snaps[0].State)
	}
	if snaps[0].ConsecutiveFailures != 0 {
		t.Fatalf("expected failure count reset, got %d", snaps[0].ConsecutiveFailures)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	var calls atomic.Int64
	server := scriptedServer(t, &calls,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
	)

	var clock sync.Mutex
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	registry := breaker.NewRegistry(testSettings(), breaker.WithClock(func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return current
	}))

	ctx := context.Background()
	req := breaker.Request{Method: http.MethodGet, URL: server.URL}
	for i := 0; i < 3; i++ {
		registry.Execute(ctx, "synthesis", req, breaker.CallOptions{})
	}

	clock.Lock()
	current = current.Add(31 * time.Second)
	clock.Unlock()

	// Probe hits the fourth scripted failure and the breaker reopens.
	if _, err := registry.Execute(ctx, "synthesis", req, breaker.CallOptions{}); err == nil {
		t.Fatal("expected probe failure")
	}
	snaps := registry.Snapshots()
	if snaps[0].State != breaker.StateOpen {
		t.Fatalf("expected reopen after failed probe, got %s", snaps[0].State)
	}

	// Still rejecting inside the new reset window.
	before := calls.Load()
	if _, err := registry.Execute(ctx, "synthesis", req, breaker.CallOptions{}); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("rejected call reached the network")
	}
}

func TestBreakerHalfOpenAllowsSingleProbe(t *testing.T) {
	release := make(chan struct{})
	probeStarted := make(chan struct{})
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		close(probeStarted)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var clock sync.Mutex
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	registry := breaker.NewRegistry(testSettings(), breaker.WithClock(func() time.Time {
		clock.Lock()
		defer clock.Unlock()
		return current
	}))

	ctx := context.Background()
	req := breaker.Request{Method: http.MethodGet, URL: server.URL}
	for i := 0; i < 3; i++ {
		registry.Execute(ctx, "synthesis", req, breaker.CallOptions{})
	}
	clock.Lock()
	current = current.Add(31 * time.Second)
	clock.Unlock()

	probeDone := make(chan error, 1)
	go func() {
		_, err := registry.Execute(ctx, "synthesis", req, breaker.CallOptions{})
		probeDone <- err
	}()
	<-probeStarted

	// While the probe is in flight, other calls are rejected without touching
	// the network.
	before := calls.Load()
	if _, err := registry.Execute(ctx, "synthesis", req, breaker.CallOptions{}); !errors.Is(err, services.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen during probe, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("concurrent call reached the network during half-open probe")
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if registry.Snapshots()[0].State != breaker.StateClosed {
		t.Fatal("expected breaker closed after probe success")
	}
}

func TestBreakerOpensOnWindowFailureRate(t *testing.T) {
	// Alternate successes and paired failures so the consecutive threshold is
	// never crossed but the windowed rate climbs past 50%.
	var calls atomic.Int64
	server := scriptedServer(t, &calls,
		http.StatusOK,
		http.StatusBadGateway,
		http.StatusBadGateway,
		http.StatusOK,
		http.StatusBadGateway,
		http.StatusBadGateway,
	)

	registry := breaker.NewRegistry(testSettings())
	ctx := context.Background()
	req := breaker.Request{Method: http.MethodGet, URL: server.URL}
	for i := 0; i < 6; i++ {
		registry.Execute(ctx, "download", req, breaker.CallOptions{})
	}

	snaps := registry.Snapshots()
	if snaps[0].State != breaker.StateOpen {
		t.Fatalf("expected windowed rate to open breaker, got %#v", snaps[0])
	}
	if snaps[0].ConsecutiveFailures >= 3 {
		t.Fatalf("consecutive threshold should not have been the trigger: %#v", snaps[0])
	}
}

func TestExecuteRetriesIdempotentTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := scriptedServer(t, &calls, http.StatusBadGateway)

	registry := breaker.NewRegistry(testSettings())
	resp, err := registry.Execute(context.Background(), "download", breaker.Request{
		Method:     http.MethodGet,
		URL:        server.URL,
		Idempotent: true,
	}, breaker.CallOptions{Retries: -1})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || calls.Load() != 2 {
		t.Fatalf("expected retry then success, calls=%d", calls.Load())
	}
}

func TestExecuteNeverRetriesClientErrors(t *testing.T) {
	var calls atomic.Int64
	server := scriptedServer(t, &calls, http.StatusUnprocessableEntity)

	registry := breaker.NewRegistry(testSettings())
	_, err := registry.Execute(context.Background(), "download", breaker.Request{
		Method:     http.MethodGet,
		URL:        server.URL,
		Idempotent: true,
	}, breaker.CallOptions{Retries: -1})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client error must not retry, got %d calls", calls.Load())
	}
}

func TestExecuteMapsNotFound(t *testing.T) {
	var calls atomic.Int64
	server := scriptedServer(t, &calls, http.StatusNotFound)

	registry := breaker.NewRegistry(testSettings())
	_, err := registry.Execute(context.Background(), "download", breaker.Request{
		Method: http.MethodGet,
		URL:    server.URL,
	}, breaker.CallOptions{})
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("not-found must not retry, got %d calls", calls.Load())
	}
}

func TestBreakersAreIndependentPerCapability(t *testing.T) {
	var calls atomic.Int64
	failing := scriptedServer(t, &calls,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
	)
	var okCalls atomic.Int64
	healthy := scriptedServer(t, &okCalls)

	registry := breaker.NewRegistry(testSettings())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		registry.Execute(ctx, "download", breaker.Request{Method: http.MethodGet, URL: failing.URL}, breaker.CallOptions{})
	}

	if _, err := registry.Execute(ctx, "synthesis", breaker.Request{Method: http.MethodGet, URL: healthy.URL}, breaker.CallOptions{}); err != nil {
		t.Fatalf("healthy capability rejected: %v", err)
	}

	states := map[string]breaker.State{}
	for _, snap := range registry.Snapshots() {
		states[snap.Capability] = snap.State
	}
	if states["download"] != breaker.StateOpen || states["synthesis"] != breaker.StateClosed {
		t.Fatalf("unexpected breaker states: %#v", states)
	}
}
