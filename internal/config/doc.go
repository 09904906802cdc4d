// Package config loads, validates, and normalizes narrator configuration.
//
// Configuration lives in a TOML file (default ~/.config/narrator/config.toml)
// and covers directories, capability endpoints, circuit breaker thresholds,
// queue retry policy, segmentation limits, and daemon timings. Load applies
// defaults first, so a missing file yields a runnable local configuration.
package config
