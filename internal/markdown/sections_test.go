package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thala-research/thala/internal/models"
)

const sampleReview = `Opening remarks before any heading.

## Abstract

A short summary of the work.

## Introduction

Why the problem matters.

## Findings

What we learned.

## Findings

A second findings section with the same heading.

## Conclusion

Closing thoughts.
`

func TestSplitSections(t *testing.T) {
	sections := SplitSections(sampleReview, 0, nil)
	require.Len(t, sections, 6)

	assert.Equal(t, "preamble", sections[0].ID)
	assert.Equal(t, models.SectionContent, sections[0].Type)

	assert.Equal(t, "abstract", sections[1].ID)
	assert.Equal(t, models.SectionAbstract, sections[1].Type)

	assert.Equal(t, "introduction", sections[2].ID)
	assert.Equal(t, models.SectionIntroduction, sections[2].Type)

	// Duplicate headings get numeric suffixes
	assert.Equal(t, "findings", sections[3].ID)
	assert.Equal(t, "findings-2", sections[4].ID)

	assert.Equal(t, "conclusion", sections[5].ID)
	assert.Equal(t, models.SectionConclusion, sections[5].Type)

	// Start lines are 1-based and increase
	for i := 1; i < len(sections); i++ {
		assert.Greater(t, sections[i].StartLine, sections[i-1].StartLine)
	}
}

func TestSplitSections_OversizedSplit(t *testing.T) {
	body := strings.Repeat("word ", 200)
	source := "## Big\n\n" + body + "\n\n" + body + "\n\n" + body
	estimate := func(s string) int { return len(strings.Fields(s)) }

	sections := SplitSections(source, 250, estimate)
	require.Greater(t, len(sections), 1)

	assert.Equal(t, "big", sections[0].ID)
	assert.Equal(t, "big-2", sections[1].ID)
	assert.Equal(t, "Big (cont.)", sections[1].Heading)
	for _, s := range sections {
		assert.LessOrEqual(t, estimate(s.Content), 260)
	}
}

func TestReassembleSections(t *testing.T) {
	sections := SplitSections(sampleReview, 0, nil)
	rebuilt := ReassembleSections(sections)

	assert.Contains(t, rebuilt, "## Abstract")
	assert.Contains(t, rebuilt, "Closing thoughts.")
	assert.Contains(t, rebuilt, "Opening remarks before any heading.")
	// Round trip preserves word content
	assert.Equal(t, CountWords(sampleReview), CountWords(rebuilt))
}

func TestClassifySection(t *testing.T) {
	tests := []struct {
		heading  string
		expected models.SectionType
	}{
		{"Abstract", models.SectionAbstract},
		{"1. Introduction", models.SectionIntroduction},
		{"Methodology and Data", models.SectionMethodology},
		{"Research Methods", models.SectionMethodology},
		{"Concluding Remarks", models.SectionConclusion},
		{"Historical Background", models.SectionContent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ClassifySection(tt.heading), tt.heading)
	}
}

func TestDedupeAdjacentHeadings(t *testing.T) {
	source := "## Results\n\n## Results\n\nThe body.\n\n## Discussion\n\nMore body.\n"

	deduped, removed := DedupeAdjacentHeadings(source)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, strings.Count(deduped, "## Results"))
	assert.Contains(t, deduped, "The body.")
	assert.Contains(t, deduped, "## Discussion")
}

func TestDedupeAdjacentHeadings_NearDuplicate(t *testing.T) {
	// Case and punctuation differences still count as the same heading
	source := "## The Method.\n\n### the method\n\nBody text.\n"

	deduped, removed := DedupeAdjacentHeadings(source)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, deduped, "### the method")
	assert.Contains(t, deduped, "## The Method.")
}

func TestDedupeAdjacentHeadings_BodyBetweenKeepsBoth(t *testing.T) {
	source := "## Findings\n\nFirst block.\n\n## Findings\n\nSecond block.\n"

	deduped, removed := DedupeAdjacentHeadings(source)
	assert.Zero(t, removed)
	assert.Equal(t, 2, strings.Count(deduped, "## Findings"))
}

func TestSectionWindow(t *testing.T) {
	sections := []models.Section{
		{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"},
	}

	window := SectionWindow(sections, 2, 1)
	require.Len(t, window, 2)
	assert.Equal(t, "b", window[0].ID)
	assert.Equal(t, "d", window[1].ID)

	window = SectionWindow(sections, 0, 1)
	require.Len(t, window, 1)
	assert.Equal(t, "b", window[0].ID)

	window = SectionWindow(sections, 4, 2)
	require.Len(t, window, 2)
}
