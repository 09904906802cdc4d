// Package library persists books and chapters in SQLite.
//
// The Store is the persistence collaborator the pipeline calls into: it
// creates book records when a download lands, creates chapter rows when
// segmentation finishes, and records audio paths as synthesis completes. The
// normalized (title, author) key enforces the download dedup invariant: no
// two books with the same normalized pair ever exist.
package library
