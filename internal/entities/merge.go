package entities

import (
	"sort"
	"strings"
)

// Merge folds incoming into existing. Entities are matched by natural key;
// unmatched incoming entities are added, matched ones are merged field by
// field. Array fields become a sorted, deduplicated union. Scalars keep the
// existing value unless it is empty, except Description and Category which
// take a non-empty incoming value. Entities with an empty key are dropped.
//
// The result is sorted by key, so Merge(Merge(e, b), b) == Merge(e, b) and
// batches with disjoint keys can be applied in any order.
func Merge(existing, incoming Set) Set {
	out := Set{
		Characters: mergeCharacters(existing.Characters, incoming.Characters),
		Terms:      mergeTerms(existing.Terms, incoming.Terms),
		Events:     mergeEvents(existing.Events, incoming.Events),
	}
	out.Sort()
	return out
}

// MergeCharacter merges a single incoming character into an existing one
// with the same key.
func MergeCharacter(a, b Character) Character {
	a.Name = strings.TrimSpace(a.Name)
	a.TranslatedName = prefer(a.TranslatedName, b.TranslatedName)
	a.Aliases = union(a.Aliases, b.Aliases)
	a.Titles = union(a.Titles, b.Titles)
	a.Gender = prefer(a.Gender, b.Gender)
	a.Description = supersede(a.Description, b.Description)
	a.FirstChapter = earliest(a.FirstChapter, b.FirstChapter)
	return a
}

// MergeTerm merges a single incoming term into an existing one.
func MergeTerm(a, b Term) Term {
	a.Term = strings.TrimSpace(a.Term)
	a.Translation = prefer(a.Translation, b.Translation)
	a.Category = supersede(a.Category, b.Category)
	a.Description = supersede(a.Description, b.Description)
	a.Aliases = union(a.Aliases, b.Aliases)
	a.FirstChapter = earliest(a.FirstChapter, b.FirstChapter)
	return a
}

// MergeEvent merges a single incoming event into an existing one.
func MergeEvent(a, b Event) Event {
	a.Title = strings.TrimSpace(a.Title)
	if b.EndChapter > a.EndChapter {
		a.EndChapter = b.EndChapter
	}
	a.Description = supersede(a.Description, b.Description)
	a.Characters = union(a.Characters, b.Characters)
	a.Location = prefer(a.Location, b.Location)
	return a
}

func mergeCharacters(existing, incoming []Character) []Character {
	idx := make(map[string]int, len(existing)+len(incoming))
	out := make([]Character, 0, len(existing)+len(incoming))
	for _, list := range [][]Character{existing, incoming} {
		for _, c := range list {
			key := c.Key()
			if key == "" {
				continue
			}
			if i, ok := idx[key]; ok {
				out[i] = MergeCharacter(out[i], c)
				continue
			}
			idx[key] = len(out)
			out = append(out, MergeCharacter(Character{Name: c.Name}, c))
		}
	}
	return out
}

func mergeTerms(existing, incoming []Term) []Term {
	idx := make(map[string]int, len(existing)+len(incoming))
	out := make([]Term, 0, len(existing)+len(incoming))
	for _, list := range [][]Term{existing, incoming} {
		for _, t := range list {
			key := t.Key()
			if key == "" {
				continue
			}
			if i, ok := idx[key]; ok {
				out[i] = MergeTerm(out[i], t)
				continue
			}
			idx[key] = len(out)
			out = append(out, MergeTerm(Term{Term: t.Term}, t))
		}
	}
	return out
}

func mergeEvents(existing, incoming []Event) []Event {
	idx := make(map[string]int, len(existing)+len(incoming))
	out := make([]Event, 0, len(existing)+len(incoming))
	for _, list := range [][]Event{existing, incoming} {
		for _, e := range list {
			if strings.TrimSpace(e.Title) == "" {
				continue
			}
			key := e.Key()
			if i, ok := idx[key]; ok {
				out[i] = MergeEvent(out[i], e)
				continue
			}
			idx[key] = len(out)
			out = append(out, MergeEvent(Event{Title: e.Title, StartChapter: e.StartChapter}, e))
		}
	}
	return out
}

// prefer implements existing ?? incoming.
func prefer(existing, incoming string) string {
	if strings.TrimSpace(existing) != "" {
		return existing
	}
	return strings.TrimSpace(incoming)
}

// supersede takes incoming when it has content.
func supersede(existing, incoming string) string {
	if s := strings.TrimSpace(incoming); s != "" {
		return s
	}
	return existing
}

func earliest(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case b < a:
		return b
	}
	return a
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
