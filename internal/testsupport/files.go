package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteText writes content to the target path, creating parent directories.
func WriteText(t testing.TB, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// RepeatWords builds a paragraph of count copies of word separated by spaces.
// Useful for exercising word-count segmentation thresholds.
func RepeatWords(word string, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = word
	}
	return strings.Join(parts, " ")
}
