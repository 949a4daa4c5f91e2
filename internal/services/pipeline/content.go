package pipeline

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

// updateContent replaces the placeholder L0 record with the resolved
// markdown, then writes vector entries: one full-text embedding under the
// L0 id and one record per heading chunk pointing back at the parent.
// The content replacement is fatal on failure; embedding failures only
// degrade search and are recorded as run errors.
func (p *Processor) updateContent(ctx context.Context, log arbor.ILogger, state *models.DocumentState) error {
	record, err := p.storage.Main().Get(ctx, state.L0ID, models.CompressionOriginal)
	if err != nil {
		return fmt.Errorf("load placeholder %s: %w", state.L0ID, err)
	}

	record.Content = state.Markdown
	record.LanguageCode = state.LanguageCode
	record.SetMeta("title", state.Title)
	record.SetMeta("word_count", state.WordCount)
	record.SetMeta("placeholder", false)
	if state.SourceURL != "" {
		record.SetMeta("source_url", state.SourceURL)
	}
	if state.PageCount > 0 {
		record.SetMeta("page_count", state.PageCount)
	}
	record.Touch()

	if err := p.storage.Main().Update(ctx, record); err != nil {
		return fmt.Errorf("store content for %s: %w", state.L0ID, err)
	}
	log.Debug().Str("l0_id", state.L0ID).Int("words", state.WordCount).Msg("Stored full document content")

	p.embedDocument(ctx, log, state)
	return nil
}

// embedDocument writes the full-text vector and the per-chunk vectors
func (p *Processor) embedDocument(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	full, err := p.embedder.EmbedLong(ctx, state.Markdown)
	if err != nil {
		state.AddError(fmt.Sprintf("embed full text: %v", err))
		log.Warn().Err(err).Msg("Full-text embedding failed, document will miss vector search")
	} else {
		record := models.NewRecord(state.L0ID, models.SourceTypeExternal, "", models.CompressionOriginal)
		record.BibKey = state.BibKey
		record.Embedding = full
		record.EmbeddingModel = p.embedder.ModelName()
		record.SetMeta("chunk_type", "full")
		record.SetMeta("title", state.Title)
		if err := p.storage.Vectors().Add(ctx, record); err != nil {
			state.AddError(fmt.Sprintf("store full-text vector: %v", err))
			log.Warn().Err(err).Msg("Failed to store full-text vector")
		}
	}

	chunks := markdown.SplitByHeadings(state.Markdown)
	state.ChunkCount = len(chunks)
	if len(chunks) == 0 {
		return
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		state.AddError(fmt.Sprintf("embed chunks: %v", err))
		log.Warn().Err(err).Int("chunks", len(chunks)).Msg("Chunk embedding failed")
		return
	}

	stored := 0
	for i, chunk := range chunks {
		record := models.NewRecord(common.NewRecordID(), models.SourceTypeExternal, chunk.Content, models.CompressionOriginal)
		record.SourceIDs = []string{state.L0ID}
		record.BibKey = state.BibKey
		record.LanguageCode = state.LanguageCode
		record.Embedding = vectors[i]
		record.EmbeddingModel = p.embedder.ModelName()
		record.SetMeta("parent_id", state.L0ID)
		record.SetMeta("heading", chunk.Heading)
		record.SetMeta("level", chunk.Level)
		record.SetMeta("chunk_type", chunk.ChunkType)
		if err := p.storage.Vectors().Add(ctx, record); err != nil {
			state.AddError(fmt.Sprintf("store chunk vector %d: %v", i, err))
			continue
		}
		stored++
	}
	log.Debug().Int("chunks", stored).Msg("Stored chunk vectors")
}
