package markdown

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// Heading is one markdown heading located by byte offset into the source
type Heading struct {
	Level  int    `json:"level"`
	Text   string `json:"text"`
	Offset int    `json:"offset"` // Byte offset of the heading line start
	Line   int    `json:"line"`   // 1-based line number
}

// newParser configures goldmark the same way for every extraction pass
func newParser() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
}

// ExtractHeadings parses the source and returns every heading in document
// order with its byte offset and line number
func ExtractHeadings(source string) []Heading {
	src := []byte(source)
	md := newParser()
	doc := md.Parser().Parse(text.NewReader(src))

	lineIndex := buildLineIndex(source)
	var headings []Heading

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}

		offset := 0
		if h.Lines().Len() > 0 {
			segment := h.Lines().At(0)
			offset = segment.Start
			// Walk back over the "#" marker and its trailing space so the
			// offset points at the start of the heading line
			for offset > 0 && src[offset-1] != '\n' {
				offset--
			}
		}

		headings = append(headings, Heading{
			Level:  h.Level,
			Text:   string(h.Text(src)),
			Offset: offset,
			Line:   lineForOffset(lineIndex, offset),
		})
		return ast.WalkSkipChildren, nil
	})

	return headings
}

// buildLineIndex returns the byte offset of each line start
func buildLineIndex(source string) []int {
	index := []int{0}
	for i := 0; i < len(source); i++ {
		if source[i] == '\n' && i+1 < len(source) {
			index = append(index, i+1)
		}
	}
	return index
}

// lineForOffset binary-searches the line index for the 1-based line number
func lineForOffset(index []int, offset int) int {
	lo, hi := 0, len(index)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if index[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

// DominantLevelHeadings returns all headings at the highest (smallest
// number) level that occurs at least twice. Used as the chapter fallback
// when the classifier returns nothing usable.
func DominantLevelHeadings(headings []Heading) []Heading {
	counts := make(map[int]int)
	for _, h := range headings {
		counts[h.Level]++
	}
	for level := 1; level <= 6; level++ {
		if counts[level] >= 2 {
			var out []Heading
			for _, h := range headings {
				if h.Level == level {
					out = append(out, h)
				}
			}
			return out
		}
	}
	return nil
}

// ExtractTitle returns the first H1 text, falling back to the first heading
// of any level, then to the first non-empty line
func ExtractTitle(source string) string {
	headings := ExtractHeadings(source)
	for _, h := range headings {
		if h.Level == 1 {
			return h.Text
		}
	}
	if len(headings) > 0 {
		return headings[0].Text
	}
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
