package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel markers for failure classification. Wrap tags errors with one of
// these so callers can pick a policy without string matching.
var (
	// ErrTransient marks timeouts, connection failures, and 5xx responses.
	// Transient failures are retried per breaker/queue policy.
	ErrTransient = errors.New("transient failure")
	// ErrValidation marks 4xx-class and malformed-input failures. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks unusable local configuration. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks missing resources and unknown capabilities.
	ErrNotFound = errors.New("not found")
	// ErrCircuitOpen marks calls rejected by an open circuit breaker before
	// any network attempt. Callers defer rather than fail.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrDependencyDown marks work blocked on an unhealthy critical
	// capability. Callers defer rather than fail.
	ErrDependencyDown = errors.New("dependency down")
	// ErrUnsupportedFormat marks input files no extractor can handle.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRetryable reports whether a failure may be retried. Only transient
// failures qualify; everything else either surfaces immediately or defers.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrDependencyDown),
		errors.Is(err, ErrUnsupportedFormat):
		return false
	case errors.Is(err, ErrTransient):
		return true
	}
	return IsNetworkError(err)
}

// ShouldDefer reports whether a failure means "try again later without
// consuming an attempt": the circuit is open or a critical dependency is
// down.
func ShouldDefer(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrDependencyDown)
}

// IsNetworkError reports whether err looks like a network-level failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
