// -----------------------------------------------------------------------
// Last Modified: Thursday, 12th February 2026 2:36:11 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
)

// Chunking bounds for embed_long: chunks stay well under every provider's
// token ceiling, with a small overlap so no sentence is lost at a seam
const (
	longChunkChars   = 20000
	longChunkOverlap = 200
)

// NewEngine creates an embedding engine for the configured provider
func NewEngine(logger arbor.ILogger, config *common.EmbeddingConfig) (interfaces.EmbeddingEngine, error) {
	switch config.Provider {
	case "openai":
		return NewOpenAIEngine(logger, config)
	case "ollama":
		return NewOllamaEngine(logger, config)
	case "gemini":
		return NewGenAIEngine(logger, config)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'openai', 'ollama', or 'gemini')", config.Provider)
	}
}

// embedLong chunks text that exceeds a single-call limit, embeds each chunk,
// and returns the normalized average vector
func embedLong(ctx context.Context, engine interfaces.EmbeddingEngine, text string) ([]float32, error) {
	if len(text) <= longChunkChars {
		return engine.Embed(ctx, text)
	}

	chunks := splitForEmbedding(text, longChunkChars, longChunkOverlap)
	vectors, err := engine.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrEmbeddingFailure, err.Error())
	}
	averaged := averageVectors(vectors)
	if averaged == nil {
		return nil, fmt.Errorf("%w: no vectors to average", interfaces.ErrEmbeddingFailure)
	}
	normalize(averaged)
	return averaged, nil
}

// splitForEmbedding cuts on whitespace near the chunk boundary
func splitForEmbedding(text string, size, overlap int) []string {
	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		cut := end
		for cut > start && text[cut] != ' ' && text[cut] != '\n' {
			cut--
		}
		if cut == start {
			cut = end
		}
		chunks = append(chunks, text[start:cut])
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// averageVectors computes the element-wise mean. All vectors must share one
// dimension; nil on empty input.
func averageVectors(vectors [][]float32) []float32 {
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, vec := range vectors {
		if len(vec) != dim {
			return nil
		}
		for i, v := range vec {
			sum[i] += float64(v)
		}
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(len(vectors)))
	}
	return out
}

// normalize scales the vector to unit length in place
func normalize(v []float32) {
	var magnitude float64
	for _, x := range v {
		magnitude += float64(x) * float64(x)
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / magnitude)
	}
}
