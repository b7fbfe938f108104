package domain

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var hashtagPattern = regexp.MustCompile(`#(\w+)`)

// SetNoteInput carries the client-supplied fields for notes/set; Author
// and ModifiedBy are always ignored in favor of the session identity
// per §4.6.
type SetNoteInput struct {
	Location Location
	Text     string
}

// SetNote creates or replaces the note at (uri, line). Re-setting the
// same key replaces the value and refreshes ModifiedDate; CreatedDate
// is preserved across a replace.
func (s *Store) SetNote(project, identity string, in SetNoteInput) (Note, error) {
	var result Note
	err := s.withProject(project, func(p *Project) error {
		key := NoteKey{URI: in.Location.FileID.URI, Line: in.Location.Line}
		text := norm.NFC.String(in.Text)
		ts := now()

		existing, had := p.Notes[key]
		created := ts
		if had {
			created = existing.CreatedDate
		}

		n := &Note{
			Location:     in.Location,
			Text:         text,
			Author:       identity,
			ModifiedBy:   identity,
			CreatedDate:  created,
			ModifiedDate: ts,
		}
		p.Notes[key] = n
		result = *n
		return nil
	})
	return result, err
}

// NotesForFile returns every note for a given URI, ordered by line.
func (s *Store) NotesForFile(project, uri string) ([]Note, error) {
	var out []Note
	err := s.withProject(project, func(p *Project) error {
		for key, n := range p.Notes {
			if key.URI == uri {
				out = append(out, *n)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Location.Line < out[j].Location.Line })
	return out, err
}

// RemoveNote deletes the note at (uri, line). Removal is idempotent:
// removing an absent note succeeds as a no-op, per §8 property 6.
func (s *Store) RemoveNote(project, uri string, line int) error {
	return s.withProject(project, func(p *Project) error {
		delete(p.Notes, NoteKey{URI: uri, Line: line})
		return nil
	})
}

// TagCount returns the histogram of hashtags across every live note in
// the project, lowercased per §8 property 7.
func (s *Store) TagCount(project string) ([]TagCountEntry, error) {
	var out []TagCountEntry
	err := s.withProject(project, func(p *Project) error {
		out = tagHistogram(p.Notes)
		return nil
	})
	return out, err
}

// TagCountEntry is one row of a tag histogram.
type TagCountEntry struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

func tagHistogram(notes map[NoteKey]*Note) []TagCountEntry {
	counts := make(map[string]int)
	for _, n := range notes {
		for _, tag := range extractTags(n.Text) {
			counts[tag]++
		}
	}
	out := make([]TagCountEntry, 0, len(counts))
	for tag, count := range counts {
		out = append(out, TagCountEntry{Tag: tag, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

func extractTags(text string) map[string]struct{} {
	tags := make(map[string]struct{})
	for _, m := range hashtagPattern.FindAllStringSubmatch(text, -1) {
		tags[strings.ToLower(m[1])] = struct{}{}
	}
	return tags
}

// Search returns every note whose lowercased text contains the
// lowercased query as a substring.
func (s *Store) Search(project, query string) ([]Note, error) {
	var out []Note
	q := strings.ToLower(query)
	err := s.withProject(project, func(p *Project) error {
		for _, n := range p.Notes {
			if strings.Contains(strings.ToLower(n.Text), q) {
				out = append(out, *n)
			}
		}
		return nil
	})
	sortNotes(out)
	return out, err
}

// SearchTags returns every note whose tag set contains the
// case-insensitive query tag.
func (s *Store) SearchTags(project, query string) ([]Note, error) {
	var out []Note
	q := strings.ToLower(query)
	err := s.withProject(project, func(p *Project) error {
		for _, n := range p.Notes {
			if _, ok := extractTags(n.Text)[q]; ok {
				out = append(out, *n)
			}
		}
		return nil
	})
	sortNotes(out)
	return out, err
}

// ColumnFilter selects notes by author equality, the only recognized
// column per §4.5.
type ColumnFilter struct {
	Author string
}

// OrderSpec sorts results by a timestamp field.
type OrderSpec struct {
	By       string // "createdDate" | "modifiedDate"
	Ordering string // "ascending" | "descending"
}

// Page requests one page of results.
type Page struct {
	Index uint32
	Size  uint32
}

// SearchColumnsResult is the paginated result of notes/search/columns.
type SearchColumnsResult struct {
	Notes   []Note
	MaxPage uint32
}

// SearchColumns applies an equality filter, optional ordering, and
// pagination, in that order, per §4.5.
func (s *Store) SearchColumns(project string, filter ColumnFilter, order *OrderSpec, page *Page) (SearchColumnsResult, error) {
	var matched []Note
	err := s.withProject(project, func(p *Project) error {
		for _, n := range p.Notes {
			if filter.Author != "" && n.Author != filter.Author {
				continue
			}
			matched = append(matched, *n)
		}
		return nil
	})
	if err != nil {
		return SearchColumnsResult{}, err
	}

	if order != nil {
		sortByOrder(matched, *order)
	} else {
		sortNotes(matched)
	}

	if page == nil {
		return SearchColumnsResult{Notes: matched, MaxPage: 0}, nil
	}

	total := len(matched)
	size := int(page.Size)
	if size <= 0 {
		return SearchColumnsResult{Notes: nil, MaxPage: 0}, nil
	}
	maxPage := 0
	if total > 0 {
		maxPage = (total+size-1)/size - 1
		if maxPage < 0 {
			maxPage = 0
		}
	}

	start := int(page.Index) * size
	if start >= total {
		return SearchColumnsResult{Notes: []Note{}, MaxPage: uint32(maxPage)}, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return SearchColumnsResult{Notes: matched[start:end], MaxPage: uint32(maxPage)}, nil
}

func sortNotes(notes []Note) {
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].Location.FileID.URI != notes[j].Location.FileID.URI {
			return notes[i].Location.FileID.URI < notes[j].Location.FileID.URI
		}
		return notes[i].Location.Line < notes[j].Location.Line
	})
}

func sortByOrder(notes []Note, order OrderSpec) {
	less := func(i, j int) bool {
		var a, b string
		switch order.By {
		case "createdDate":
			a, b = notes[i].CreatedDate, notes[j].CreatedDate
		default:
			a, b = notes[i].ModifiedDate, notes[j].ModifiedDate
		}
		if order.Ordering == "descending" {
			return a > b
		}
		return a < b
	}
	sort.Slice(notes, less)
}
