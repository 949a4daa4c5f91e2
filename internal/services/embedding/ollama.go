package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/httpclient"

	"github.com/ternarybob/arbor"
)

const defaultOllamaHost = "http://localhost:11434"

// OllamaEngine generates embeddings against a local Ollama server
type OllamaEngine struct {
	endpoint  string
	model     string
	dimension int
	http      *http.Client
	logger    arbor.ILogger
}

// NewOllamaEngine creates an embedding engine backed by Ollama
func NewOllamaEngine(logger arbor.ILogger, config *common.EmbeddingConfig) (*OllamaEngine, error) {
	endpoint := strings.TrimRight(config.OllamaHost, "/")
	if endpoint == "" {
		endpoint = defaultOllamaHost
	}

	model := config.Model
	if model == "" {
		model = "nomic-embed-text"
	}

	logger.Debug().
		Str("endpoint", endpoint).
		Str("model", model).
		Msg("Ollama embedding engine configured")

	return &OllamaEngine{
		endpoint:  endpoint,
		model:     model,
		dimension: config.Dimension,
		http:      httpclient.NewDefaultHTTPClient(60 * time.Second),
		logger:    logger,
	}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for a single text
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	req := ollamaEmbedRequest{
		Model:  e.model,
		Prompt: text,
	}

	var result ollamaEmbedResponse
	if err := httpclient.PostJSON(ctx, e.http, e.endpoint+"/api/embeddings", req, &result); err != nil {
		return nil, fmt.Errorf("ollama embed request failed: %w", err)
	}

	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding for model %s", e.model)
	}
	if e.dimension > 0 && len(result.Embedding) != e.dimension {
		return nil, fmt.Errorf("ollama returned %d dimensions, expected %d", len(result.Embedding), e.dimension)
	}

	return result.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts. Ollama has no native
// batch endpoint so texts are embedded sequentially.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d of %d: %w", i+1, len(texts), err)
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// EmbedLong chunks oversized input and averages the chunk vectors
func (e *OllamaEngine) EmbedLong(ctx context.Context, text string) ([]float32, error) {
	return embedLong(ctx, e, text)
}

func (e *OllamaEngine) ModelName() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

func (e *OllamaEngine) Dimension() int {
	return e.dimension
}

// IsAvailable checks that the Ollama server responds to a tags listing
func (e *OllamaEngine) IsAvailable(ctx context.Context) bool {
	if err := httpclient.GetJSON(ctx, e.http, e.endpoint+"/api/tags", nil); err != nil {
		e.logger.Debug().Err(err).Msg("Ollama server not reachable")
		return false
	}
	return true
}
