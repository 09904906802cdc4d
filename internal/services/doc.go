// Package services defines the shared error taxonomy for remote
// capabilities: structured error markers plus the Wrap helper that keep
// failure classification consistent. Transient failures retry, validation
// failures surface immediately, circuit-open and dependency-down failures
// defer work instead of failing it.
//
// The HTTP clients for the individual capabilities live in subpackages
// (download, synthesis) so this package stays a leaf the circuit breaker
// can import.
//
// Use these helpers when wiring new stage logic so retry and deferral
// behaviour stays uniform across the pipeline.
package services
