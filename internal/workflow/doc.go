// Package workflow coordinates the daemon's background processing: download
// and synthesis worker pools pulling from the job queue, the pipeline driver
// that walks each audiobook request through its steps, and the maintenance
// loop that purges finished jobs and reclaims orphaned ones. The manager owns
// all of these goroutines; Start launches them and Stop waits for them to
// drain.
package workflow
