// Package daemon wires the stores, registry, breakers, and workflow manager
// into a single-instance background process with an HTTP admin API.
package daemon
