package library

import "time"

// BookStatus tracks how far a book has progressed through the pipeline.
type BookStatus string

const (
	BookDownloaded   BookStatus = "downloaded"
	BookSegmented    BookStatus = "segmented"
	BookAudioReady   BookStatus = "audio_ready"
	BookAudioPartial BookStatus = "audio_partial"
)

// ChapterStatus tracks per-chapter synthesis state.
type ChapterStatus string

const (
	ChapterPending     ChapterStatus = "pending"
	ChapterSynthesized ChapterStatus = "synthesized"
	ChapterFailed      ChapterStatus = "failed"
)

// Book is one persisted book record.
type Book struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Author        string     `json:"author"`
	NormalizedKey string     `json:"-"`
	Format        string     `json:"format"`
	SourcePath    string     `json:"source_path,omitempty"`
	Status        BookStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Chapter is one persisted chapter record.
type Chapter struct {
	ID        int64         `json:"id"`
	BookID    int64         `json:"book_id"`
	Number    int           `json:"number"`
	Title     string        `json:"title"`
	Text      string        `json:"-"`
	WordCount int           `json:"word_count"`
	AudioPath string        `json:"audio_path,omitempty"`
	Status    ChapterStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewChapter carries the fields needed to insert a chapter.
type NewChapter struct {
	Number    int
	Title     string
	Text      string
	WordCount int
}

// ChapterCounts aggregates per-status chapter totals for one book.
type ChapterCounts struct {
	Total       int
	Pending     int
	Synthesized int
	Failed      int
}
