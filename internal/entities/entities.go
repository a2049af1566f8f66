// Package entities holds the entity sets extracted from a document and the
// rules for folding a new batch result into what has already been stored.
package entities

import (
	"sort"
	"strconv"
	"strings"
)

// Character is a person or being. Name is the original-language name and
// serves as the natural key.
type Character struct {
	Name           string   `json:"name"`
	TranslatedName string   `json:"translatedName,omitempty"`
	Aliases        []string `json:"aliases,omitempty"`
	Titles         []string `json:"titles,omitempty"`
	Gender         string   `json:"gender,omitempty"`
	Description    string   `json:"description,omitempty"`
	FirstChapter   int      `json:"firstChapter,omitempty"`
}

// Term is a piece of terminology keyed by its original-language form.
type Term struct {
	Term         string   `json:"term"`
	Translation  string   `json:"translation,omitempty"`
	Category     string   `json:"category,omitempty"`
	Description  string   `json:"description,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
	FirstChapter int      `json:"firstChapter,omitempty"`
}

// Event is a timeline event keyed by title and start chapter.
type Event struct {
	Title        string   `json:"title"`
	StartChapter int      `json:"startChapter"`
	EndChapter   int      `json:"endChapter,omitempty"`
	Description  string   `json:"description,omitempty"`
	Characters   []string `json:"characters,omitempty"`
	Location     string   `json:"location,omitempty"`
}

// Set is everything extracted for one target (or one batch of it).
type Set struct {
	Characters []Character `json:"characters"`
	Terms      []Term      `json:"terms"`
	Events     []Event     `json:"events"`
}

// Key returns the natural key of c.
func (c Character) Key() string { return strings.TrimSpace(c.Name) }

// Key returns the natural key of t.
func (t Term) Key() string { return strings.TrimSpace(t.Term) }

// Key returns the natural key of e.
func (e Event) Key() string {
	return strings.TrimSpace(e.Title) + "@" + strconv.Itoa(e.StartChapter)
}

// Len returns the number of entities across all classes.
func (s Set) Len() int {
	return len(s.Characters) + len(s.Terms) + len(s.Events)
}

// Empty reports whether the set holds no entities.
func (s Set) Empty() bool { return s.Len() == 0 }

// Chunks splits s into sets of at most n entities, one class per chunk.
func (s Set) Chunks(n int) []Set {
	if n <= 0 {
		n = 20
	}
	var out []Set
	for i := 0; i < len(s.Characters); i += n {
		out = append(out, Set{Characters: s.Characters[i:min(i+n, len(s.Characters))]})
	}
	for i := 0; i < len(s.Terms); i += n {
		out = append(out, Set{Terms: s.Terms[i:min(i+n, len(s.Terms))]})
	}
	for i := 0; i < len(s.Events); i += n {
		out = append(out, Set{Events: s.Events[i:min(i+n, len(s.Events))]})
	}
	return out
}

// Sort orders every class by natural key.
func (s *Set) Sort() {
	sort.Slice(s.Characters, func(i, j int) bool { return s.Characters[i].Key() < s.Characters[j].Key() })
	sort.Slice(s.Terms, func(i, j int) bool { return s.Terms[i].Key() < s.Terms[j].Key() })
	sort.Slice(s.Events, func(i, j int) bool {
		a, b := s.Events[i], s.Events[j]
		if a.StartChapter != b.StartChapter {
			return a.StartChapter < b.StartChapter
		}
		return a.Title < b.Title
	})
}
