package textproc

import (
	"fmt"
	"regexp"
	"strings"
)

// Chapter is one segmented unit of narration-ready text.
type Chapter struct {
	Number    int
	Title     string
	Text      string
	WordCount int
}

// Options controls segmentation thresholds. Zero values fall back to
// conservative defaults.
type Options struct {
	MinChapterWords  int
	MaxChapterWords  int
	TargetChunkWords int
}

func (o Options) withDefaults() Options {
	if o.MinChapterWords <= 0 {
		o.MinChapterWords = 50
	}
	if o.MaxChapterWords <= 0 {
		o.MaxChapterWords = 5000
	}
	if o.TargetChunkWords <= 0 {
		o.TargetChunkWords = 1500
	}
	return o
}

// Heading patterns applied line by line, most specific first.
var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:chapter|part|book|section)\s+(?:\d+|[ivxlcdm]+)\b[.:]?(?:\s+\S.*)?$`),
	regexp.MustCompile(`^[IVXLCDM]{1,7}\.?$`),
	regexp.MustCompile(`(?i)^(?:prologue|epilogue|introduction|preface|afterword)$`),
}

// Segment splits cleaned text into chapters. Source-declared boundaries win
// when present; otherwise headings are detected by pattern; otherwise the
// text is chunked by word count. Chapters below the minimum word threshold
// are dropped, oversize chapters are re-chunked, and the result is numbered
// contiguously from 1.
func Segment(doc *Document, opts Options) []Chapter {
	opts = opts.withDefaults()

	chapters := segmentByTOC(doc)
	if chapters == nil {
		chapters = segmentByHeadings(doc.Text)
	}
	if chapters == nil {
		chapters = chunkByWords(doc.Text, "", opts)
	}

	return finalize(chapters, opts)
}

// segmentByTOC splits at located TOC offsets. It needs at least two usable
// boundaries; otherwise the TOC is treated as unusable and nil is returned.
func segmentByTOC(doc *Document) []Chapter {
	type boundary struct {
		title  string
		offset int
	}
	var boundaries []boundary
	for _, entry := range doc.TOC {
		if entry.Offset >= 0 {
			boundaries = append(boundaries, boundary{title: entry.Title, offset: entry.Offset})
		}
	}
	if len(boundaries) < 2 {
		return nil
	}

	var chapters []Chapter
	if boundaries[0].offset > 0 {
		front := doc.Text[:boundaries[0].offset]
		chapters = append(chapters, makeChapter("", front))
	}
	for i, b := range boundaries {
		end := len(doc.Text)
		if i+1 < len(boundaries) {
			end = boundaries[i+1].offset
		}
		body := doc.Text[b.offset:end]
		// The heading line itself stays in the chapter text; the title comes
		// from the TOC label.
		chapters = append(chapters, makeChapter(b.title, body))
	}
	return chapters
}

// segmentByHeadings scans line by line for chapter-heading patterns. It needs
// at least two headings to count as structure; a single match is more likely
// a stray line than a book layout.
func segmentByHeadings(text string) []Chapter {
	lines := strings.Split(text, "\n")

	type boundary struct {
		title string
		line  int
	}
	var boundaries []boundary
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, pattern := range headingPatterns {
			if pattern.MatchString(trimmed) {
				boundaries = append(boundaries, boundary{title: trimmed, line: i})
				break
			}
		}
	}
	if len(boundaries) < 2 {
		return nil
	}

	var chapters []Chapter
	if boundaries[0].line > 0 {
		front := strings.Join(lines[:boundaries[0].line], "\n")
		chapters = append(chapters, makeChapter("", front))
	}
	for i, b := range boundaries {
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1].line
		}
		body := strings.Join(lines[b.line:end], "\n")
		chapters = append(chapters, makeChapter(b.title, body))
	}
	return chapters
}

// chunkByWords splits text into chunks near the target word count, breaking
// at paragraph boundaries with a 20% overflow tolerance before force
// splitting. Chunks below the minimum threshold merge into a neighbor so no
// text is lost on this path.
func chunkByWords(text, titlePrefix string, opts Options) []Chapter {
	paragraphs := strings.Split(text, "\n\n")
	limit := opts.TargetChunkWords + opts.TargetChunkWords/5

	var chapters []Chapter
	var current []string
	currentWords := 0

	flush := func() {
		if currentWords == 0 {
			return
		}
		chapters = append(chapters, makeChapter("", strings.Join(current, "\n\n")))
		current = nil
		currentWords = 0
	}

	for _, paragraph := range paragraphs {
		words := WordCount(paragraph)
		if words == 0 {
			continue
		}
		if words > limit {
			flush()
			chapters = append(chapters, forceSplit(paragraph, opts)...)
			continue
		}
		if currentWords > 0 && currentWords+words > limit {
			flush()
		}
		current = append(current, paragraph)
		currentWords += words
		if currentWords >= opts.TargetChunkWords {
			flush()
		}
	}
	flush()

	chapters = mergeRunts(chapters, opts.MinChapterWords)

	if titlePrefix != "" {
		for i := range chapters {
			chapters[i].Title = fmt.Sprintf("%s (%d)", titlePrefix, i+1)
		}
	}
	return chapters
}

// mergeRunts folds every chunk below min words into its previous neighbor,
// or the next one when it comes first. Runts show up when a small
// accumulation flushes ahead of an oversized paragraph and when a force
// split leaves a short tail; left alone they fall under the minimum and
// get discarded downstream. A lone undersized chunk stays as is.
func mergeRunts(chapters []Chapter, min int) []Chapter {
	for i := 0; i < len(chapters); {
		if len(chapters) < 2 || chapters[i].WordCount >= min {
			i++
			continue
		}
		if i > 0 {
			chapters[i-1] = makeChapter(chapters[i-1].Title, chapters[i-1].Text+"\n\n"+chapters[i].Text)
			chapters = append(chapters[:i], chapters[i+1:]...)
			continue
		}
		chapters[1] = makeChapter(chapters[1].Title, chapters[0].Text+"\n\n"+chapters[1].Text)
		chapters = chapters[1:]
	}
	return chapters
}

// forceSplit cuts a single oversized paragraph at word boundaries.
func forceSplit(paragraph string, opts Options) []Chapter {
	words := strings.Fields(paragraph)
	var chapters []Chapter
	for start := 0; start < len(words); start += opts.TargetChunkWords {
		end := start + opts.TargetChunkWords
		if end > len(words) {
			end = len(words)
		}
		chapters = append(chapters, makeChapter("", strings.Join(words[start:end], " ")))
	}
	return chapters
}

// finalize drops noise chapters, re-chunks oversized ones, and renumbers.
func finalize(chapters []Chapter, opts Options) []Chapter {
	var out []Chapter
	for _, chapter := range chapters {
		if chapter.WordCount < opts.MinChapterWords {
			continue
		}
		if chapter.WordCount > opts.MaxChapterWords {
			rechunkOpts := opts
			rechunkOpts.TargetChunkWords = opts.MaxChapterWords * 5 / 6
			out = append(out, chunkByWords(chapter.Text, chapter.Title, rechunkOpts)...)
			continue
		}
		out = append(out, chapter)
	}
	for i := range out {
		out[i].Number = i + 1
		if out[i].Title == "" {
			out[i].Title = fmt.Sprintf("Part %d", i+1)
		}
	}
	return out
}

func makeChapter(title, text string) Chapter {
	text = strings.TrimSpace(text)
	return Chapter{
		Title:     title,
		Text:      text,
		WordCount: WordCount(text),
	}
}
