package embedding

import (
	"context"
	"fmt"

	"github.com/thala-research/thala/internal/common"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"
)

// GenAIEngine generates embeddings via the Gemini API
type GenAIEngine struct {
	client    *genai.Client
	model     string
	dimension int
	logger    arbor.ILogger
}

// NewGenAIEngine creates an embedding engine backed by Gemini
func NewGenAIEngine(logger arbor.ILogger, config *common.EmbeddingConfig) (*GenAIEngine, error) {
	apiKey, err := common.ResolveAPIKey("gemini_api_key", config.APIKey)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding provider: %w", err)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	model := config.Model
	if model == "" {
		model = "gemini-embedding-001"
	}

	logger.Debug().
		Str("model", model).
		Int("dimension", config.Dimension).
		Msg("Gemini embedding engine configured")

	return &GenAIEngine{
		client:    client,
		model:     model,
		dimension: config.Dimension,
		logger:    logger,
	}, nil
}

// Embed generates an embedding for a single text
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embedContents(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embedContents(ctx, texts)
}

func (e *GenAIEngine) embedContents(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	var embeddingConfig *genai.EmbedContentConfig
	if e.dimension > 0 {
		outputDim := int32(e.dimension)
		embeddingConfig = &genai.EmbedContentConfig{
			OutputDimensionality: &outputDim,
		}
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, embeddingConfig)
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float32, len(texts))
	for i, embedding := range result.Embeddings {
		if embedding == nil || len(embedding.Values) == 0 {
			return nil, fmt.Errorf("no embedding returned for text %d", i)
		}
		if e.dimension > 0 && len(embedding.Values) != e.dimension {
			return nil, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", e.dimension, len(embedding.Values))
		}
		vectors[i] = embedding.Values
	}
	return vectors, nil
}

// EmbedLong chunks oversized input and averages the chunk vectors
func (e *GenAIEngine) EmbedLong(ctx context.Context, text string) ([]float32, error) {
	return embedLong(ctx, e, text)
}

func (e *GenAIEngine) ModelName() string {
	return e.model
}

func (e *GenAIEngine) Dimension() int {
	return e.dimension
}

// IsAvailable reports whether the engine is configured. The Gemini API has
// no liveness endpoint, so a constructed client is treated as available.
func (e *GenAIEngine) IsAvailable(ctx context.Context) bool {
	return e.client != nil
}
