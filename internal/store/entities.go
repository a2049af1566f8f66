package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	entsql "entgo.io/ent/dialect/sql"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/codex/internal/entities"
)

// LoadEntities returns everything extracted so far for a target, sorted by
// natural key.
func (s *Store) LoadEntities(ctx context.Context, targetID string) (entities.Set, error) {
	var set entities.Set
	var err error
	if set.Characters, err = s.loadCharacters(ctx, s.db, targetID, nil); err != nil {
		return set, err
	}
	if set.Terms, err = s.loadTerms(ctx, s.db, targetID, nil); err != nil {
		return set, err
	}
	if set.Events, err = s.loadEvents(ctx, s.db, targetID, nil); err != nil {
		return set, err
	}
	set.Sort()
	return set, nil
}

// MergeEntities folds incoming into the stored entity tables. The set is
// split into chunks of bounded size; each chunk runs in its own transaction
// with its rows locked, and chunks run concurrently.
func (s *Store) MergeEntities(ctx context.Context, targetID string, incoming entities.Set) error {
	chunks := incoming.Chunks(s.chunkSize)
	if len(chunks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, chunk := range chunks {
		g.Go(func() error {
			return s.inTx(gctx, func(tx *sql.Tx) error {
				return s.mergeChunk(gctx, tx, targetID, chunk)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("merge entities for %s: %w", targetID, err)
	}
	return nil
}

func (s *Store) mergeChunk(ctx context.Context, tx *sql.Tx, targetID string, chunk entities.Set) error {
	switch {
	case len(chunk.Characters) > 0:
		return s.mergeCharacters(ctx, tx, targetID, chunk.Characters)
	case len(chunk.Terms) > 0:
		return s.mergeTerms(ctx, tx, targetID, chunk.Terms)
	case len(chunk.Events) > 0:
		return s.mergeEvents(ctx, tx, targetID, chunk.Events)
	}
	return nil
}

// Each class merges the same way: insert a placeholder row per new key so
// there is always a row to lock, lock the chunk's rows, merge in memory and
// write the result back.

func (s *Store) mergeCharacters(ctx context.Context, tx *sql.Tx, targetID string, in []entities.Character) error {
	keys := make([]string, 0, len(in))
	for _, c := range in {
		if c.Key() != "" {
			keys = append(keys, c.Key())
		}
	}
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil
	}

	ins := s.builder().Insert("characters").Columns("target_id", "name")
	for _, k := range keys {
		ins.Values(targetID, k)
	}
	ins.OnConflict(entsql.ConflictColumns("target_id", "name"), entsql.DoNothing())
	if _, err := exec(ctx, tx, ins); err != nil {
		return fmt.Errorf("failed to seed characters: %w", err)
	}

	rows, err := s.loadCharacters(ctx, tx, targetID, keys)
	if err != nil {
		return err
	}
	current := make(map[string]entities.Character, len(rows))
	for _, c := range rows {
		current[c.Key()] = c
	}
	for _, c := range in {
		if c.Key() == "" {
			continue
		}
		current[c.Key()] = entities.MergeCharacter(current[c.Key()], c)
	}

	now := s.millis()
	for _, k := range keys {
		c := current[k]
		if _, err := exec(ctx, tx, s.builder().Update("characters").
			Set("translated_name", c.TranslatedName).
			Set("aliases", encodeList(c.Aliases)).
			Set("titles", encodeList(c.Titles)).
			Set("gender", c.Gender).
			Set("description", c.Description).
			Set("first_chapter", c.FirstChapter).
			Set("updated_at", now).
			Where(entsql.And(entsql.EQ("target_id", targetID), entsql.EQ("name", k)))); err != nil {
			return fmt.Errorf("failed to update character %q: %w", k, err)
		}
	}
	return nil
}

func (s *Store) mergeTerms(ctx context.Context, tx *sql.Tx, targetID string, in []entities.Term) error {
	keys := make([]string, 0, len(in))
	for _, t := range in {
		if t.Key() != "" {
			keys = append(keys, t.Key())
		}
	}
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil
	}

	ins := s.builder().Insert("terms").Columns("target_id", "term")
	for _, k := range keys {
		ins.Values(targetID, k)
	}
	ins.OnConflict(entsql.ConflictColumns("target_id", "term"), entsql.DoNothing())
	if _, err := exec(ctx, tx, ins); err != nil {
		return fmt.Errorf("failed to seed terms: %w", err)
	}

	rows, err := s.loadTerms(ctx, tx, targetID, keys)
	if err != nil {
		return err
	}
	current := make(map[string]entities.Term, len(rows))
	for _, t := range rows {
		current[t.Key()] = t
	}
	for _, t := range in {
		if t.Key() == "" {
			continue
		}
		current[t.Key()] = entities.MergeTerm(current[t.Key()], t)
	}

	now := s.millis()
	for _, k := range keys {
		t := current[k]
		if _, err := exec(ctx, tx, s.builder().Update("terms").
			Set("translation", t.Translation).
			Set("category", t.Category).
			Set("description", t.Description).
			Set("aliases", encodeList(t.Aliases)).
			Set("first_chapter", t.FirstChapter).
			Set("updated_at", now).
			Where(entsql.And(entsql.EQ("target_id", targetID), entsql.EQ("term", k)))); err != nil {
			return fmt.Errorf("failed to update term %q: %w", k, err)
		}
	}
	return nil
}

type eventKey struct {
	title string
	start int
}

func keyOf(e entities.Event) eventKey {
	return eventKey{strings.TrimSpace(e.Title), e.StartChapter}
}

func (s *Store) mergeEvents(ctx context.Context, tx *sql.Tx, targetID string, in []entities.Event) error {
	var keys []eventKey
	seen := make(map[eventKey]bool)
	for _, e := range in {
		k := keyOf(e)
		if k.title == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].start != keys[j].start {
			return keys[i].start < keys[j].start
		}
		return keys[i].title < keys[j].title
	})

	ins := s.builder().Insert("events").Columns("target_id", "title", "start_chapter")
	for _, k := range keys {
		ins.Values(targetID, k.title, k.start)
	}
	ins.OnConflict(entsql.ConflictColumns("target_id", "title", "start_chapter"), entsql.DoNothing())
	if _, err := exec(ctx, tx, ins); err != nil {
		return fmt.Errorf("failed to seed events: %w", err)
	}

	titles := make([]string, 0, len(keys))
	for _, k := range keys {
		titles = append(titles, k.title)
	}
	rows, err := s.loadEvents(ctx, tx, targetID, dedupe(titles))
	if err != nil {
		return err
	}
	current := make(map[string]entities.Event, len(rows))
	for _, e := range rows {
		current[e.Key()] = e
	}
	for _, e := range in {
		if !seen[keyOf(e)] {
			continue
		}
		current[e.Key()] = entities.MergeEvent(current[e.Key()], e)
	}

	now := s.millis()
	for _, k := range keys {
		e := current[entities.Event{Title: k.title, StartChapter: k.start}.Key()]
		if _, err := exec(ctx, tx, s.builder().Update("events").
			Set("end_chapter", e.EndChapter).
			Set("description", e.Description).
			Set("characters", encodeList(e.Characters)).
			Set("location", e.Location).
			Set("updated_at", now).
			Where(entsql.And(
				entsql.EQ("target_id", targetID),
				entsql.EQ("title", k.title),
				entsql.EQ("start_chapter", k.start),
			))); err != nil {
			return fmt.Errorf("failed to update event %q: %w", k.title, err)
		}
	}
	return nil
}

// keyed restricts sel to the given natural keys when keys is non-nil and
// takes row locks for the merge path.
func (s *Store) keyed(sel *entsql.Selector, targetID, column string, keys []string) *entsql.Selector {
	if keys == nil {
		return sel.Where(entsql.EQ("target_id", targetID))
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	sel.Where(entsql.And(entsql.EQ("target_id", targetID), entsql.In(column, args...)))
	return s.forUpdate(sel.OrderBy(column))
}

func (s *Store) loadCharacters(ctx context.Context, q querier, targetID string, keys []string) ([]entities.Character, error) {
	sel := s.builder().Select("name", "translated_name", "aliases", "titles", "gender", "description", "first_chapter").
		From(entsql.Table("characters"))
	query, args := s.keyed(sel, targetID, "name", keys).Query()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load characters: %w", err)
	}
	defer rows.Close()

	var out []entities.Character
	for rows.Next() {
		var (
			c              entities.Character
			aliases, title string
		)
		if err := rows.Scan(&c.Name, &c.TranslatedName, &aliases, &title, &c.Gender, &c.Description, &c.FirstChapter); err != nil {
			return nil, err
		}
		c.Aliases = decodeList(aliases)
		c.Titles = decodeList(title)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) loadTerms(ctx context.Context, q querier, targetID string, keys []string) ([]entities.Term, error) {
	sel := s.builder().Select("term", "translation", "category", "description", "aliases", "first_chapter").
		From(entsql.Table("terms"))
	query, args := s.keyed(sel, targetID, "term", keys).Query()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load terms: %w", err)
	}
	defer rows.Close()

	var out []entities.Term
	for rows.Next() {
		var (
			t       entities.Term
			aliases string
		)
		if err := rows.Scan(&t.Term, &t.Translation, &t.Category, &t.Description, &aliases, &t.FirstChapter); err != nil {
			return nil, err
		}
		t.Aliases = decodeList(aliases)
		out = append(out, t)
	}
	return out, rows.Err()
}

// loadEvents filters by title; callers match start chapters themselves.
func (s *Store) loadEvents(ctx context.Context, q querier, targetID string, titles []string) ([]entities.Event, error) {
	sel := s.builder().Select("title", "start_chapter", "end_chapter", "description", "characters", "location").
		From(entsql.Table("events"))
	query, args := s.keyed(sel, targetID, "title", titles).Query()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var out []entities.Event
	for rows.Next() {
		var (
			e     entities.Event
			chars string
		)
		if err := rows.Scan(&e.Title, &e.StartChapter, &e.EndChapter, &e.Description, &chars, &e.Location); err != nil {
			return nil, err
		}
		e.Characters = decodeList(chars)
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil || len(v) == 0 {
		return nil
	}
	return v
}

func dedupe(keys []string) []string {
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}
