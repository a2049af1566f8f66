package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jackzampolin/codex/internal/planner"
)

const chaptersTable = "chapters"

// Chapter is a stored chapter of a target document.
type Chapter struct {
	Number            int    `json:"number" validate:"gt=0"`
	Title             string `json:"title"`
	Content           string `json:"content" validate:"required"`
	TranslatedContent string `json:"translatedContent,omitempty"`
}

// PutChapters inserts or replaces chapters for a target. Existing
// translations are kept.
func (s *Store) PutChapters(ctx context.Context, targetID string, chapters []Chapter) (int, error) {
	if len(chapters) == 0 {
		return 0, nil
	}
	now := s.millis()
	ins := s.builder().Insert(chaptersTable).Columns("target_id", "number", "title", "content", "updated_at")
	for _, c := range chapters {
		ins.Values(targetID, c.Number, c.Title, c.Content, now)
	}
	ins.OnConflict(
		entsql.ConflictColumns("target_id", "number"),
		entsql.ResolveWith(func(u *entsql.UpdateSet) {
			u.SetExcluded("title")
			u.SetExcluded("content")
			u.SetExcluded("updated_at")
		}),
	)
	if _, err := exec(ctx, s.db, ins); err != nil {
		return 0, fmt.Errorf("failed to store chapters for %s: %w", targetID, err)
	}
	return len(chapters), nil
}

// ChapterSizes returns every chapter number with its content length, in
// reading order. It is the planner's input.
func (s *Store) ChapterSizes(ctx context.Context, targetID string) ([]planner.Chapter, error) {
	query, args := s.builder().Select("number", "LENGTH(content)").
		From(entsql.Table(chaptersTable)).
		Where(entsql.EQ("target_id", targetID)).
		OrderBy("number").
		Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters for %s: %w", targetID, err)
	}
	defer rows.Close()

	var out []planner.Chapter
	for rows.Next() {
		var c planner.Chapter
		if err := rows.Scan(&c.Number, &c.Size); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadChapters returns the requested chapters in number order. Missing
// numbers are an error: the batch plan refers to chapters that must exist.
func (s *Store) LoadChapters(ctx context.Context, targetID string, numbers []int) ([]Chapter, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	args := make([]any, len(numbers))
	for i, n := range numbers {
		args[i] = n
	}
	query, qargs := s.builder().Select("number", "title", "content", "translated_content").
		From(entsql.Table(chaptersTable)).
		Where(entsql.And(entsql.EQ("target_id", targetID), entsql.In("number", args...))).
		OrderBy("number").
		Query()
	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chapters for %s: %w", targetID, err)
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.Number, &c.Title, &c.Content, &c.TranslatedContent); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != len(distinct(numbers)) {
		return nil, fmt.Errorf("target %s: found %d of %d chapters: %w", targetID, len(out), len(numbers), ErrNotFound)
	}
	return out, nil
}

// GetChapter loads one chapter.
func (s *Store) GetChapter(ctx context.Context, targetID string, number int) (*Chapter, error) {
	query, args := s.builder().Select("number", "title", "content", "translated_content").
		From(entsql.Table(chaptersTable)).
		Where(entsql.And(entsql.EQ("target_id", targetID), entsql.EQ("number", number))).
		Query()
	var c Chapter
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.Number, &c.Title, &c.Content, &c.TranslatedContent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter %d of %s: %w", number, targetID, err)
	}
	return &c, nil
}

// SetTranslation stores the translated text of a chapter.
func (s *Store) SetTranslation(ctx context.Context, targetID string, number int, text string) error {
	n, err := exec(ctx, s.db, s.builder().Update(chaptersTable).
		Set("translated_content", text).
		Set("updated_at", s.millis()).
		Where(entsql.And(entsql.EQ("target_id", targetID), entsql.EQ("number", number))))
	if err != nil {
		return fmt.Errorf("failed to store translation of chapter %d: %w", number, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func distinct(v []int) map[int]struct{} {
	out := make(map[int]struct{}, len(v))
	for _, n := range v {
		out[n] = struct{}{}
	}
	return out
}
