// Package textproc extracts plain text from book files and splits it into
// chapters. Extraction supports plain text, HTML, and EPUB sources; detection
// goes by extension first and falls back to content signatures. Segmentation
// prefers source-native chapter boundaries, then heading patterns, then
// fixed-size chunking. All of it is pure computation with no network access.
package textproc
