package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
)

// OpenAIEngine generates embeddings through the OpenAI-compatible API
type OpenAIEngine struct {
	client    openai.Client
	model     string
	dimension int
	batchSize int
	logger    arbor.ILogger
}

// NewOpenAIEngine creates the cloud embedding engine
func NewOpenAIEngine(logger arbor.ILogger, config *common.EmbeddingConfig) (*OpenAIEngine, error) {
	apiKey, err := common.ResolveAPIKey("openai_api_key", config.APIKey)
	if err != nil {
		return nil, fmt.Errorf("openai embedding provider: %w", err)
	}

	model := config.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	return &OpenAIEngine{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		dimension: config.Dimension,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", interfaces.ErrEmbeddingFailure)
	}
	return vectors[0], nil
}

func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedSlice(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *OpenAIEngine) embedSlice(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	// Older models reject an explicit dimension request
	if e.dimension > 0 && strings.HasPrefix(e.model, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	res, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: openai embed failed: %s", interfaces.ErrEmbeddingFailure, err.Error())
	}
	if len(res.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", interfaces.ErrEmbeddingFailure, len(texts), len(res.Data))
	}

	vectors := make([][]float32, len(res.Data))
	for _, item := range res.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		vectors[item.Index] = vec
	}
	return vectors, nil
}

func (e *OpenAIEngine) EmbedLong(ctx context.Context, text string) ([]float32, error) {
	return embedLong(ctx, e, text)
}

func (e *OpenAIEngine) ModelName() string {
	return e.model
}

func (e *OpenAIEngine) Dimension() int {
	return e.dimension
}

// IsAvailable reports whether the engine is usable. The cloud API has no
// free liveness endpoint, so a configured key counts as available.
func (e *OpenAIEngine) IsAvailable(ctx context.Context) bool {
	return true
}
