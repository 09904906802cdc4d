package library

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"narrator/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// Store manages book and chapter persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the library database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "library.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("library schema version mismatch: database has %d, expected %d", version, schemaVersion)
	}
	return nil
}

// FindBookByTitleAuthor returns the book matching the normalized (title,
// author) pair, or nil when no such book exists.
func (s *Store) FindBookByTitleAuthor(ctx context.Context, title, author string) (*Book, error) {
	key := NormalizeKey(title, author)
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE normalized_key = ?`, key)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find book: %w", err)
	}
	return book, nil
}

// CreateBook inserts a book record. When a book with the same normalized
// key already exists, the existing record is returned unchanged; the dedup
// invariant means creation never produces a second copy.
func (s *Store) CreateBook(ctx context.Context, title, author, format, sourcePath string) (*Book, bool, error) {
	key := NormalizeKey(title, author)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO books (title, author, normalized_key, format, source_path, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(normalized_key) DO NOTHING`,
		strings.TrimSpace(title),
		strings.TrimSpace(author),
		key,
		strings.TrimSpace(format),
		nullableString(sourcePath),
		BookDownloaded,
		now,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert book: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := s.FindBookByTitleAuthor(ctx, title, author)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, errors.New("book conflict with no existing row")
		}
		return existing, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	book, err := s.GetBook(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return book, true, nil
}

// GetBook fetches a book by identifier.
func (s *Store) GetBook(ctx context.Context, id int64) (*Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

// ListBooks returns all books ordered by creation time.
func (s *Store) ListBooks(ctx context.Context) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, rows.Err()
}

// UpdateBookStatus transitions a book to the given status.
func (s *Store) UpdateBookStatus(ctx context.Context, id int64, status BookStatus) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE books SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update book status: %w", err)
	}
	return nil
}

// CreateChapters inserts chapter rows for a book in one transaction.
func (s *Store) CreateChapters(ctx context.Context, bookID int64, chapters []NewChapter) error {
	if len(chapters) == 0 {
		return errors.New("no chapters to create")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chapters tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO chapters (book_id, number, title, text, word_count, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare chapter insert: %w", err)
	}
	defer stmt.Close()

	for _, chapter := range chapters {
		if _, err := stmt.ExecContext(ctx, bookID, chapter.Number, chapter.Title, chapter.Text, chapter.WordCount, ChapterPending, now, now); err != nil {
			return fmt.Errorf("insert chapter %d: %w", chapter.Number, err)
		}
	}
	return tx.Commit()
}

// ChaptersByBook returns a book's chapters ordered by number.
func (s *Store) ChaptersByBook(ctx context.Context, bookID int64) ([]*Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE book_id = ? ORDER BY number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []*Chapter
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, chapter)
	}
	return chapters, rows.Err()
}

// GetChapter fetches a chapter by identifier.
func (s *Store) GetChapter(ctx context.Context, id int64) (*Chapter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id)
	chapter, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}
	return chapter, nil
}

// UpdateChapterAudioPath records the synthesized audio location and marks the
// chapter synthesized.
func (s *Store) UpdateChapterAudioPath(ctx context.Context, id int64, audioPath string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE chapters SET audio_path = ?, status = ?, updated_at = ? WHERE id = ?`,
		audioPath,
		ChapterSynthesized,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("update chapter audio path: %w", err)
	}
	return nil
}

// MarkChapterFailed records a terminal synthesis failure for a chapter.
func (s *Store) MarkChapterFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE chapters SET status = ?, updated_at = ? WHERE id = ?`,
		ChapterFailed,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark chapter failed: %w", err)
	}
	return nil
}

// ChapterCounts aggregates chapter statuses for one book.
func (s *Store) ChapterCounts(ctx context.Context, bookID int64) (ChapterCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM chapters WHERE book_id = ? GROUP BY status`, bookID)
	if err != nil {
		return ChapterCounts{}, fmt.Errorf("chapter counts: %w", err)
	}
	defer rows.Close()

	var counts ChapterCounts
	for rows.Next() {
		var status ChapterStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return ChapterCounts{}, err
		}
		counts.Total += count
		switch status {
		case ChapterPending:
			counts.Pending += count
		case ChapterSynthesized:
			counts.Synthesized += count
		case ChapterFailed:
			counts.Failed += count
		}
	}
	return counts, rows.Err()
}

const bookColumns = "id, title, author, normalized_key, format, source_path, status, created_at, updated_at"

const chapterColumns = "id, book_id, number, title, text, word_count, audio_path, status, created_at, updated_at"

func scanBook(scanner interface{ Scan(dest ...any) error }) (*Book, error) {
	var (
		book       Book
		sourcePath sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&book.ID,
		&book.Title,
		&book.Author,
		&book.NormalizedKey,
		&book.Format,
		&sourcePath,
		&book.Status,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	book.SourcePath = sourcePath.String
	book.CreatedAt = parseTime(createdRaw)
	book.UpdatedAt = parseTime(updatedRaw)
	return &book, nil
}

func scanChapter(scanner interface{ Scan(dest ...any) error }) (*Chapter, error) {
	var (
		chapter    Chapter
		audioPath  sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&chapter.ID,
		&chapter.BookID,
		&chapter.Number,
		&chapter.Title,
		&chapter.Text,
		&chapter.WordCount,
		&audioPath,
		&chapter.Status,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	chapter.AudioPath = audioPath.String
	chapter.CreatedAt = parseTime(createdRaw)
	chapter.UpdatedAt = parseTime(updatedRaw)
	return &chapter, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
