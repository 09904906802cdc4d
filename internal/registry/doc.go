// Package registry tracks the live set of remote capabilities and aggregates
// system health from them.
//
// Each capability record holds the probed status, declared features, and
// criticality flag. Records are replaced wholesale on refresh (copy-on-write)
// so readers never observe partial updates; reads take a snapshot. The Prober
// runs one goroutine per capability so a slow probe never blocks the others,
// with critical capabilities probed on a shorter interval. SystemHealth is the
// gate the pipeline consults before issuing calls that depend on a critical
// capability.
package registry
