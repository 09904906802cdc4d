package library

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// stripMarks removes combining marks after NFD decomposition, so accented
// letters compare equal to their base forms.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeKey builds the dedup key for a (title, author) pair. Accents,
// case, punctuation, and whitespace runs are all folded away so "Alice's
// Adventures - CARROLL" and "alices adventures carroll" collide.
func NormalizeKey(title, author string) string {
	return normalizePart(title) + "|" + normalizePart(author)
}

func normalizePart(value string) string {
	folded, _, err := transform.String(stripMarks, value)
	if err != nil {
		folded = value
	}
	folded = foldCaser.String(folded)

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case r == '\'' || r == '’':
			// Intra-word apostrophes vanish so "Alice's" matches "Alices".
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
