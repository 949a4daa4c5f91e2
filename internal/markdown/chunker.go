// -----------------------------------------------------------------------
// Last Modified: Wednesday, 11th February 2026 2:14:33 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package markdown

import "strings"

// HeadingChunk is a heading-delimited slice of a document. Text before the
// first heading becomes a single "preamble" chunk.
type HeadingChunk struct {
	Heading   string `json:"heading"`
	Level     int    `json:"level"`
	Content   string `json:"content"`
	Offset    int    `json:"offset"`
	ChunkType string `json:"chunk_type"` // "heading_section" or "preamble"
}

// SplitByHeadings cuts the source at every heading and returns the chunks
// in document order
func SplitByHeadings(source string) []HeadingChunk {
	headings := ExtractHeadings(source)
	if len(headings) == 0 {
		trimmed := strings.TrimSpace(source)
		if trimmed == "" {
			return nil
		}
		return []HeadingChunk{{Content: trimmed, ChunkType: "preamble"}}
	}

	var chunks []HeadingChunk
	if preamble := strings.TrimSpace(source[:headings[0].Offset]); preamble != "" {
		chunks = append(chunks, HeadingChunk{Content: preamble, ChunkType: "preamble"})
	}
	for i, h := range headings {
		end := len(source)
		if i+1 < len(headings) {
			end = headings[i+1].Offset
		}
		content := strings.TrimSpace(source[h.Offset:end])
		if content == "" {
			continue
		}
		chunks = append(chunks, HeadingChunk{
			Heading:   h.Text,
			Level:     h.Level,
			Content:   content,
			Offset:    h.Offset,
			ChunkType: "heading_section",
		})
	}
	return chunks
}

// SplitByWords cuts text into chunks of roughly chunkWords words with
// overlapWords of trailing context carried into the next chunk. Cuts land
// on paragraph boundaries where one exists near the target, otherwise on
// word boundaries.
func SplitByWords(text string, chunkWords, overlapWords int) []string {
	if chunkWords <= 0 {
		return []string{text}
	}
	if overlapWords >= chunkWords {
		overlapWords = chunkWords / 10
	}

	words := strings.Fields(text)
	if len(words) <= chunkWords {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	paragraphs := SplitParagraphs(text)
	// Cumulative word counts let us find the paragraph boundary closest to
	// each chunk target without rescanning
	cumulative := make([]int, len(paragraphs)+1)
	for i, p := range paragraphs {
		cumulative[i+1] = cumulative[i] + len(strings.Fields(p))
	}
	totalWords := cumulative[len(paragraphs)]

	var chunks []string
	startPara := 0
	startWord := 0
	for startWord < totalWords {
		targetWord := startWord + chunkWords
		if targetWord >= totalWords {
			chunks = append(chunks, strings.TrimSpace(strings.Join(paragraphs[startPara:], "\n\n")))
			break
		}

		// Find the paragraph whose end lands nearest the target. Allow up
		// to 20% drift before giving up on paragraph boundaries.
		endPara := startPara
		for endPara < len(paragraphs) && cumulative[endPara+1] < targetWord {
			endPara++
		}
		slack := chunkWords / 5

		var chunk string
		var nextStartPara int
		if endPara < len(paragraphs) && cumulative[endPara+1]-targetWord <= slack {
			chunk = strings.Join(paragraphs[startPara:endPara+1], "\n\n")
			nextStartPara = endPara + 1
		} else {
			// No clean paragraph boundary near the target; cut on words
			joined := strings.Join(paragraphs[startPara:], "\n\n")
			chunkWordsSlice := strings.Fields(joined)
			take := targetWord - cumulative[startPara]
			if take > len(chunkWordsSlice) {
				take = len(chunkWordsSlice)
			}
			chunk = strings.Join(chunkWordsSlice[:take], " ")
			remainder := strings.Join(chunkWordsSlice[take:], " ")
			paragraphs = append(paragraphs[:startPara], remainder)
			cumulative = make([]int, len(paragraphs)+1)
			for i, p := range paragraphs {
				cumulative[i+1] = cumulative[i] + len(strings.Fields(p))
			}
			totalWords = cumulative[len(paragraphs)]
			nextStartPara = startPara

			chunks = append(chunks, strings.TrimSpace(chunk))
			startWord = cumulative[startPara]
			if overlapWords > 0 {
				overlapText := lastNWords(chunk, overlapWords)
				paragraphs[startPara] = overlapText + " " + paragraphs[startPara]
			}
			startPara = nextStartPara
			continue
		}

		chunks = append(chunks, strings.TrimSpace(chunk))
		startWord = cumulative[nextStartPara]
		startPara = nextStartPara
		if overlapWords > 0 && startPara < len(paragraphs) {
			overlapText := lastNWords(chunk, overlapWords)
			paragraphs[startPara] = overlapText + "\n\n" + paragraphs[startPara]
			// Overlap words are context, not progress; cumulative counts
			// stay keyed to original paragraph positions
			rebuilt := make([]int, len(paragraphs)+1)
			for i, p := range paragraphs {
				rebuilt[i+1] = rebuilt[i] + len(strings.Fields(p))
			}
			cumulative = rebuilt
			totalWords = cumulative[len(paragraphs)]
			startWord = cumulative[startPara]
		}
	}

	return chunks
}

// SplitByChars cuts text into windows of at most windowSize characters with
// overlap characters repeated at each seam. Window edges back off to the
// nearest whitespace so words stay whole.
func SplitByChars(text string, windowSize, overlap int) []string {
	if windowSize <= 0 || len(text) <= windowSize {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}
	if overlap >= windowSize {
		overlap = windowSize / 10
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + windowSize
		if end >= len(text) {
			chunks = append(chunks, strings.TrimSpace(text[start:]))
			break
		}
		// Back off to whitespace so the cut does not split a word
		cut := end
		for cut > start && !isSpace(text[cut]) {
			cut--
		}
		if cut == start {
			cut = end
		}
		chunks = append(chunks, strings.TrimSpace(text[start:cut]))

		next := cut - overlap
		if next <= start {
			next = cut
		}
		// Nudge the overlap start forward to a word boundary
		for next < len(text) && next > 0 && !isSpace(text[next-1]) {
			next++
		}
		start = next
	}
	return chunks
}

// CondenseMiddle keeps the first and last portions of text and replaces the
// middle with an elision marker, for prompts that only need the shape of a
// long document
func CondenseMiddle(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	const marker = "\n\n[...]\n\n"
	keep := (maxChars - len(marker)) / 2
	if keep <= 0 {
		return text[:maxChars]
	}
	head := text[:keep]
	tail := text[len(text)-keep:]
	if idx := strings.LastIndexByte(head, ' '); idx > 0 {
		head = head[:idx]
	}
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return head + marker + tail
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func lastNWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}
