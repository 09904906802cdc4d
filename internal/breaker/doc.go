// Package breaker wraps every outbound capability call in a per-capability
// circuit breaker.
//
// Each capability name owns an independent breaker that tracks consecutive
// failures and a rolling window of call outcomes. Once either crosses its
// threshold the breaker opens and calls fail fast with ErrCircuitOpen until
// the reset deadline passes, at which point a single half-open probe decides
// whether to close again. Retries happen inside Execute and only for
// idempotent requests that failed with a transient error; 4xx responses are
// surfaced immediately and never retried.
//
// State transitions are reported through a TransitionFunc sink so the daemon
// can log them. Request bodies are never logged or included in events.
package breaker
