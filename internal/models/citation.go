package models

import (
	"regexp"
	"strings"
	"time"
)

// citationKeyPattern matches inline [@KEY] citations in review text
var citationKeyPattern = regexp.MustCompile(`\[@([A-Za-z0-9]+)\]`)

// ExtractCitationKeys returns every [@KEY] key in order of first appearance,
// deduplicated
func ExtractCitationKeys(text string) []string {
	matches := citationKeyPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// todoMarkerPattern matches <!-- TODO: ... --> placeholders left by editors
var todoMarkerPattern = regexp.MustCompile(`<!--\s*TODO:.*?-->`)

// ExtractTodoMarkers returns every TODO marker in the text
func ExtractTodoMarkers(text string) []string {
	return todoMarkerPattern.FindAllString(text, -1)
}

// StripTodoMarkers removes every TODO marker, collapsing the whitespace a
// removal leaves behind
func StripTodoMarkers(text string) string {
	stripped := todoMarkerPattern.ReplaceAllString(text, "")
	// Collapse runs of blank lines a strip can leave behind
	for strings.Contains(stripped, "\n\n\n") {
		stripped = strings.ReplaceAll(stripped, "\n\n\n", "\n\n")
	}
	return stripped
}

// NewTodoMarker builds the marker an editor leaves when a citation had to be
// stripped
func NewTodoMarker(reason string) string {
	return "<!-- TODO: " + reason + " -->"
}

// Creator is one author/editor/translator entry on a bibliographic item
type Creator struct {
	CreatorType string `json:"creatorType"` // author, editor, translator
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
}

// ParseCreator splits a display name into first/last on the final space.
// Single-token names become last-name-only entries.
func ParseCreator(creatorType, name string) Creator {
	name = strings.TrimSpace(name)
	idx := strings.LastIndex(name, " ")
	if idx < 0 {
		return Creator{CreatorType: creatorType, LastName: name}
	}
	return Creator{
		CreatorType: creatorType,
		FirstName:   strings.TrimSpace(name[:idx]),
		LastName:    strings.TrimSpace(name[idx+1:]),
	}
}

// BibItem is one item in the bibliographic system. Fields carries the
// item-type-specific field map the server understands (title, date, ISBN,
// publisher, abstractNote, DOI, url, publicationTitle, ...).
type BibItem struct {
	Key         string            `json:"key,omitempty"`
	ItemType    string            `json:"itemType"`
	Fields      map[string]string `json:"fields,omitempty"`
	Creators    []Creator         `json:"creators,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Collections []string          `json:"collections,omitempty"`
}

// Field returns a field value, tolerating a nil map
func (b *BibItem) Field(name string) string {
	if b.Fields == nil {
		return ""
	}
	return b.Fields[name]
}

// SetField sets a field value, allocating the map on first use
func (b *BibItem) SetField(name, value string) {
	if b.Fields == nil {
		b.Fields = make(map[string]string)
	}
	b.Fields[name] = value
}

// HasTag reports whether the item carries the given tag
func (b *BibItem) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SearchCondition is one predicate in a bibliographic search
type SearchCondition struct {
	Condition string `json:"condition"` // Field name: title, url, DOI, tag, ...
	Operator  string `json:"operator"`  // is, contains
	Value     string `json:"value"`
}

// NumericCitation is one [N] reference parsed out of a review's reference
// section, in the form "[N] Title: URL"
type NumericCitation struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// CitationResolution is the outcome of resolving one numeric citation to a
// bibliographic key
type CitationResolution struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Reused    bool      `json:"reused"` // An existing item matched by URL
	Title     string    `json:"title,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
