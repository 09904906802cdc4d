// Package pipeline tracks one audiobook request from search to finished
// audio. Each job walks search, download, parse, and tts in order; failed is
// reachable from any non-terminal step. Mutation is serialized per job id so
// concurrent stage handlers never interleave writes to the same job, and step
// transitions are compare-and-swap guarded in the store as a second line of
// defense.
package pipeline
