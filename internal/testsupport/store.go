package testsupport

import (
	"context"
	"testing"

	"narrator/internal/config"
	"narrator/internal/library"
	"narrator/internal/pipeline"
	"narrator/internal/queue"
)

// MustOpenQueue opens a queue.Store for tests and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenLibrary opens a library.Store for tests and registers cleanup.
func MustOpenLibrary(t testing.TB, cfg *config.Config) *library.Store {
	t.Helper()

	store, err := library.Open(cfg)
	if err != nil {
		t.Fatalf("library.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenPipeline opens a pipeline.Store for tests and registers cleanup.
func MustOpenPipeline(t testing.TB, cfg *config.Config) *pipeline.Store {
	t.Helper()

	store, err := pipeline.Open(cfg)
	if err != nil {
		t.Fatalf("pipeline.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewBook inserts a book for tests using the provided store.
func NewBook(t testing.TB, store *library.Store, title, author string) *library.Book {
	t.Helper()

	book, created, err := store.CreateBook(context.Background(), title, author, "epub", "")
	if err != nil {
		t.Fatalf("store.CreateBook: %v", err)
	}
	if !created {
		t.Fatalf("book %q/%q already exists", title, author)
	}
	return book
}
