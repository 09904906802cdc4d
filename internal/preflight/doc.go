// Package preflight validates the environment before the daemon starts:
// directory permissions, free disk space, and capability reachability.
package preflight
