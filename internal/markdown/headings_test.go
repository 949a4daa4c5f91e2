package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractHeadings(t *testing.T) {
	source := `# Book Title

Intro text.

## Chapter One

Body one.

## Chapter Two

Body two.

### Subsection

Deep body.
`
	headings := ExtractHeadings(source)
	require.Len(t, headings, 4)

	assert.Equal(t, 1, headings[0].Level)
	assert.Equal(t, "Book Title", headings[0].Text)
	assert.Equal(t, 0, headings[0].Offset)
	assert.Equal(t, 1, headings[0].Line)

	assert.Equal(t, 2, headings[1].Level)
	assert.Equal(t, "Chapter One", headings[1].Text)
	assert.Equal(t, 5, headings[1].Line)

	assert.Equal(t, "Chapter Two", headings[2].Text)
	assert.Equal(t, 3, headings[3].Level)
	assert.Equal(t, "Subsection", headings[3].Text)

	// Offsets point at the heading marker itself
	for _, h := range headings {
		assert.Equal(t, byte('#'), source[h.Offset])
	}
}

func TestExtractHeadings_NoHeadings(t *testing.T) {
	headings := ExtractHeadings("Just plain text.\n\nMore text.")
	assert.Empty(t, headings)
}

func TestDominantLevelHeadings(t *testing.T) {
	tests := []struct {
		name     string
		headings []Heading
		expected []string
	}{
		{
			name: "Single H1 skipped in favour of repeated H2",
			headings: []Heading{
				{Level: 1, Text: "Title"},
				{Level: 2, Text: "Ch 1"},
				{Level: 2, Text: "Ch 2"},
				{Level: 3, Text: "Sub"},
			},
			expected: []string{"Ch 1", "Ch 2"},
		},
		{
			name: "Repeated H1 wins",
			headings: []Heading{
				{Level: 1, Text: "Part I"},
				{Level: 1, Text: "Part II"},
				{Level: 2, Text: "Ch"},
			},
			expected: []string{"Part I", "Part II"},
		},
		{
			name:     "Nothing repeats",
			headings: []Heading{{Level: 1, Text: "Only"}},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DominantLevelHeadings(tt.headings)
			var texts []string
			for _, h := range result {
				texts = append(texts, h.Text)
			}
			assert.Equal(t, tt.expected, texts)
		})
	}
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "My Title", ExtractTitle("# My Title\n\nBody"))
	assert.Equal(t, "Section", ExtractTitle("## Section\n\nNo H1 here"))
	assert.Equal(t, "First line", ExtractTitle("First line\nSecond line"))
	assert.Equal(t, "", ExtractTitle("   \n  \n"))
}

func TestSplitByHeadings(t *testing.T) {
	source := `Preamble before anything.

# One

Alpha.

# Two

Beta.
`
	chunks := SplitByHeadings(source)
	require.Len(t, chunks, 3)

	assert.Equal(t, "preamble", chunks[0].ChunkType)
	assert.Equal(t, "Preamble before anything.", chunks[0].Content)

	assert.Equal(t, "heading_section", chunks[1].ChunkType)
	assert.Equal(t, "One", chunks[1].Heading)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "# One"))
	assert.Contains(t, chunks[1].Content, "Alpha.")
	assert.NotContains(t, chunks[1].Content, "Beta.")

	assert.Equal(t, "Two", chunks[2].Heading)
	assert.Contains(t, chunks[2].Content, "Beta.")
}

func TestSplitByHeadings_NoHeadings(t *testing.T) {
	chunks := SplitByHeadings("Only body text here.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "preamble", chunks[0].ChunkType)
}
