package markdown

import (
	"fmt"
	"regexp"
	"strings"
)

var paragraphSplitPattern = regexp.MustCompile(`\n\s*\n`)

// CountWords counts whitespace-delimited words
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// FirstNWords returns at most n leading words joined by single spaces
func FirstNWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// SplitParagraphs splits on blank lines and drops empty entries
func SplitParagraphs(text string) []string {
	parts := paragraphSplitPattern.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NumberParagraphs renders paragraphs with [P1]..[Pn] markers so a model
// can reference them by stable index
func NumberParagraphs(paragraphs []string) string {
	var b strings.Builder
	for i, p := range paragraphs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[P%d] %s", i+1, p)
	}
	return b.String()
}

// ParagraphWindow returns paragraphs [center-radius, center+radius] clamped
// to the slice, for prompts that need local context around one paragraph.
// center is zero-based.
func ParagraphWindow(paragraphs []string, center, radius int) []string {
	if len(paragraphs) == 0 {
		return nil
	}
	lo := center - radius
	if lo < 0 {
		lo = 0
	}
	hi := center + radius + 1
	if hi > len(paragraphs) {
		hi = len(paragraphs)
	}
	return paragraphs[lo:hi]
}

// JoinParagraphs is the inverse of SplitParagraphs
func JoinParagraphs(paragraphs []string) string {
	return strings.Join(paragraphs, "\n\n")
}
