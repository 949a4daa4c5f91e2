package markdown

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/thala-research/thala/internal/models"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// SplitSections cuts a document at its headings and returns one section per
// heading plus a preamble section for any text before the first heading.
// Sections whose estimated token count exceeds maxTokens are split further
// on paragraph boundaries; continuation parts share the parent heading and
// get suffixed IDs. estimate may be nil, in which case no size splitting
// happens.
func SplitSections(source string, maxTokens int, estimate func(string) int) []models.Section {
	chunks := SplitByHeadings(source)
	lineIndex := buildLineIndex(source)

	var sections []models.Section
	seen := make(map[string]int)
	for _, chunk := range chunks {
		heading := chunk.Heading
		base := slugify(heading)
		if chunk.ChunkType == "preamble" {
			base = "preamble"
		}

		parts := []string{chunk.Content}
		if estimate != nil && maxTokens > 0 && estimate(chunk.Content) > maxTokens {
			parts = splitOversized(chunk.Content, maxTokens, estimate)
		}

		for i, part := range parts {
			id := uniqueID(seen, base)
			section := models.Section{
				ID:        id,
				Heading:   heading,
				Level:     chunk.Level,
				Content:   part,
				StartLine: lineForOffset(lineIndex, chunk.Offset),
				Type:      ClassifySection(heading),
			}
			if i > 0 {
				section.Heading = fmt.Sprintf("%s (cont.)", heading)
			}
			sections = append(sections, section)
		}
	}
	return sections
}

// splitOversized halves content on paragraph boundaries until every part
// fits under maxTokens. A single paragraph that alone exceeds the limit is
// kept whole.
func splitOversized(content string, maxTokens int, estimate func(string) int) []string {
	paragraphs := SplitParagraphs(content)
	if len(paragraphs) <= 1 {
		return []string{content}
	}

	var parts []string
	var current []string
	currentTokens := 0
	for _, p := range paragraphs {
		pTokens := estimate(p)
		if len(current) > 0 && currentTokens+pTokens > maxTokens {
			parts = append(parts, JoinParagraphs(current))
			current = nil
			currentTokens = 0
		}
		current = append(current, p)
		currentTokens += pTokens
	}
	if len(current) > 0 {
		parts = append(parts, JoinParagraphs(current))
	}
	return parts
}

// ReassembleSections joins section contents back into one document
func ReassembleSections(sections []models.Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if trimmed := strings.TrimSpace(s.Content); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ClassifySection maps a heading to a structural section type by keyword
func ClassifySection(heading string) models.SectionType {
	lower := strings.ToLower(heading)
	switch {
	case strings.Contains(lower, "abstract"):
		return models.SectionAbstract
	case strings.Contains(lower, "introduction"):
		return models.SectionIntroduction
	case strings.Contains(lower, "methodolog") || strings.Contains(lower, "methods"):
		return models.SectionMethodology
	case strings.Contains(lower, "conclusion") || strings.Contains(lower, "concluding"):
		return models.SectionConclusion
	default:
		return models.SectionContent
	}
}

// SectionWindow returns the sections adjacent to index within radius,
// excluding index itself, for prompts that need surrounding context
func SectionWindow(sections []models.Section, index, radius int) []models.Section {
	var out []models.Section
	for i := index - radius; i <= index+radius; i++ {
		if i < 0 || i >= len(sections) || i == index {
			continue
		}
		out = append(out, sections[i])
	}
	return out
}

var headingLinePattern = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*$`)

// DedupeAdjacentHeadings removes a heading that repeats the previous heading
// with nothing but blank lines between them. Reassembled documents carry
// such pairs when an editor restates the title of its own section; headings
// differing only in case or punctuation count as repeats.
func DedupeAdjacentHeadings(source string) (string, int) {
	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))
	removed := 0

	lastHeading := ""
	bodySinceHeading := false
	for _, line := range lines {
		if m := headingLinePattern.FindStringSubmatch(line); m != nil {
			slug := slugify(m[2])
			if slug == lastHeading && !bodySinceHeading {
				removed++
				continue
			}
			lastHeading = slug
			bodySinceHeading = false
			out = append(out, line)
			continue
		}
		if strings.TrimSpace(line) != "" {
			bodySinceHeading = true
		}
		out = append(out, line)
	}

	result := strings.Join(out, "\n")
	if removed > 0 {
		for strings.Contains(result, "\n\n\n") {
			result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
		}
	}
	return result, removed
}

func slugify(text string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(text), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "section"
	}
	return slug
}

func uniqueID(seen map[string]int, base string) string {
	seen[base]++
	if seen[base] == 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, seen[base])
}
