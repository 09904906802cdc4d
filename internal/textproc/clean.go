package textproc

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Common UTF-8-read-as-Latin-1 artifacts seen in scraped book text.
var mojibakeReplacer = strings.NewReplacer(
	"â€™", "'",
	"â€˜", "'",
	"â€œ", "\"",
	"â€", "\"",
	"â€”", " - ",
	"â€“", "-",
	"â€¦", "...",
	"Â ", " ",
	"\u00a0", " ",
	"\ufeff", "",
)

var (
	pageNumberLine = regexp.MustCompile(`(?m)^\s*(?:-\s*)?\d{1,4}(?:\s*-)?\s*$`)
	spaceRuns      = regexp.MustCompile(`[ \t]+`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)
)

// Clean normalizes raw extracted text. The pass is deterministic: it fixes
// newlines and mojibake, strips control characters and page-number artifacts,
// and collapses runs of whitespace. Paragraph breaks (blank lines) survive.
func Clean(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = mojibakeReplacer.Replace(text)
	text = stripControl(text)
	text = pageNumberLine.ReplaceAllString(text, "")
	text = spaceRuns.ReplaceAllString(text, " ")
	text = trimLineEdges(text)
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

func trimLineEdges(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}

// WordCount counts whitespace-separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
