// Package logging builds the slog loggers used across the daemon and CLI.
//
// It exposes a console handler for interactive use, a JSON handler for
// machine-readable logs, attr helper functions that keep field names
// consistent, and a no-op logger for tests. Construct loggers through New or
// NewFromConfig so every component shares the same output policy.
package logging
