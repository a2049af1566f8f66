package export

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackzampolin/codex/internal/epub"
	"github.com/jackzampolin/codex/internal/planner"
	"github.com/jackzampolin/codex/internal/store"
)

// ChapterSource reads a target's chapters. *store.Store implements it.
type ChapterSource interface {
	ChapterSizes(ctx context.Context, targetID string) ([]planner.Chapter, error)
	LoadChapters(ctx context.Context, targetID string, numbers []int) ([]store.Chapter, error)
}

// BookOptions describes the exported book.
type BookOptions struct {
	Title    string // defaults to the target id
	Language string
	// Untranslated chapters are skipped unless IncludeOriginal is set, in
	// which case their source text stands in.
	IncludeOriginal bool
}

// BookSummary reports what went into an exported book.
type BookSummary struct {
	Chapters     int
	Untranslated []int
}

// WriteBook renders a target's translated chapters as an EPUB. It fails
// with store.ErrNotFound when the target has no chapters to export.
func WriteBook(ctx context.Context, src ChapterSource, w io.Writer, targetID string, opts BookOptions) (*BookSummary, error) {
	sizes, err := src.ChapterSizes(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	numbers := make([]int, 0, len(sizes))
	for _, c := range sizes {
		numbers = append(numbers, c.Number)
	}
	loaded, err := src.LoadChapters(ctx, targetID, numbers)
	if err != nil {
		return nil, fmt.Errorf("load chapters: %w", err)
	}

	summary := &BookSummary{}
	chapters := make([]epub.Chapter, 0, len(loaded))
	for _, c := range loaded {
		text := c.TranslatedContent
		if text == "" {
			summary.Untranslated = append(summary.Untranslated, c.Number)
			if !opts.IncludeOriginal {
				continue
			}
			text = c.Content
		}
		chapters = append(chapters, epub.Chapter{Number: c.Number, Title: c.Title, Text: text})
	}
	if len(chapters) == 0 {
		return nil, fmt.Errorf("target %s has no translated chapters: %w", targetID, store.ErrNotFound)
	}
	summary.Chapters = len(chapters)

	title := opts.Title
	if title == "" {
		title = targetID
	}
	book := epub.Book{
		ID:       "urn:codex:" + targetID,
		Title:    title,
		Language: opts.Language,
		Modified: time.Now(),
	}
	if _, err := epub.NewBuilder(book, chapters).WriteTo(w); err != nil {
		return nil, fmt.Errorf("epub write: %w", err)
	}
	return summary, nil
}
