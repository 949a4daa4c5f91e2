package markdown

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildParagraphs(count, wordsPer int) string {
	var paragraphs []string
	word := 0
	for p := 0; p < count; p++ {
		var words []string
		for w := 0; w < wordsPer; w++ {
			words = append(words, fmt.Sprintf("w%d", word))
			word++
		}
		paragraphs = append(paragraphs, strings.Join(words, " "))
	}
	return strings.Join(paragraphs, "\n\n")
}

func TestSplitByWords_ShortTextSingleChunk(t *testing.T) {
	text := buildParagraphs(3, 50)
	chunks := SplitByWords(text, 1000, 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, strings.TrimSpace(text), chunks[0])
}

func TestSplitByWords_ParagraphBoundaries(t *testing.T) {
	// 10 paragraphs x 100 words, chunk target 300 words
	text := buildParagraphs(10, 100)
	chunks := SplitByWords(text, 300, 50)
	require.Greater(t, len(chunks), 1)

	// Every word of the source must appear in some chunk
	joined := strings.Join(chunks, " ")
	for i := 0; i < 1000; i += 97 {
		assert.Contains(t, joined, fmt.Sprintf("w%d", i))
	}

	// No chunk wildly exceeds the target plus slack and overlap
	for i, c := range chunks {
		count := CountWords(c)
		assert.LessOrEqual(t, count, 300+60+50, "chunk %d has %d words", i, count)
	}
}

func TestSplitByWords_OverlapCarriesContext(t *testing.T) {
	text := buildParagraphs(6, 100)
	chunks := SplitByWords(text, 200, 30)
	require.Greater(t, len(chunks), 1)

	// The tail of chunk 0 must reappear at the head of chunk 1
	tail := strings.Fields(chunks[0])
	lastWord := tail[len(tail)-1]
	assert.Contains(t, chunks[1], lastWord)
}

func TestSplitByChars(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta ", 100) // 2300 chars
	chunks := SplitByChars(text, 500, 50)
	require.Greater(t, len(chunks), 3)

	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 500, "chunk %d", i)
		// Cuts stay on word boundaries
		assert.False(t, strings.HasPrefix(c, "lpha"), "chunk %d starts mid-word", i)
	}

	// Overlap means consecutive chunks share text
	head := chunks[1][:20]
	assert.Contains(t, chunks[0], strings.Fields(head)[0])
}

func TestSplitByChars_FitsInOneWindow(t *testing.T) {
	chunks := SplitByChars("short text", 500000, 2000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0])
}

func TestCondenseMiddle(t *testing.T) {
	text := strings.Repeat("front ", 1000) + strings.Repeat("back ", 1000)
	out := CondenseMiddle(text, 2000)

	assert.LessOrEqual(t, len(out), 2000)
	assert.Contains(t, out, "[...]")
	assert.True(t, strings.HasPrefix(out, "front"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "back"))
}

func TestCondenseMiddle_ShortTextUntouched(t *testing.T) {
	assert.Equal(t, "tiny", CondenseMiddle("tiny", 2000))
}
