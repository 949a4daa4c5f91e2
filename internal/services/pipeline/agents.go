package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

// condenseChars is the content size above which the analysis agents see a
// condensed view (first and last portions with the middle elided) instead
// of the full document. Summary quality barely moves past this point but
// token cost keeps climbing.
const condenseChars = 50000

// runAnalysisAgents runs the short-summary and metadata-extraction agents
// in parallel over the same (possibly condensed) content view. Both agents
// are independent; a failure in one does not stop the other. For
// non-English documents the summary is produced in the original language
// and translated to English afterwards.
func (p *Processor) runAnalysisAgents(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	content := state.Markdown
	if len(content) > condenseChars {
		content = markdown.CondenseMiddle(content, condenseChars)
		log.Debug().Int("original_chars", len(state.Markdown)).Int("condensed_chars", len(content)).
			Msg("Condensed content for analysis agents")
	}

	var (
		summaryText string
		summaryErr  error
		meta        models.DocumentMetadata
		metaErr     error
	)

	var group errgroup.Group
	group.Go(func() error {
		result, err := p.llm.Complete(ctx, interfaces.CompletionRequest{
			System: documentAnalysisSystem,
			Messages: []interfaces.Message{
				{Role: "user", Content: summaryPrompt(state.Title, content, state.LanguageCode)},
			},
			Options: interfaces.CompletionOptions{
				Tier:         interfaces.TierHaiku,
				CachedSystem: true,
				RunID:        state.RunID,
			},
		})
		if err != nil {
			summaryErr = err
			return nil
		}
		summaryText = strings.TrimSpace(result.Content)
		return nil
	})
	group.Go(func() error {
		metaErr = p.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
			ID:     "metadata",
			System: documentAnalysisSystem,
			Prompt: metadataPrompt(state.Title, content),
		}, &meta, interfaces.CompletionOptions{
			Tier:         interfaces.TierHaiku,
			CachedSystem: true,
			RunID:        state.RunID,
		})
		return nil
	})
	_ = group.Wait()

	if summaryErr != nil {
		state.AddError(fmt.Sprintf("summary agent: %v", summaryErr))
		log.Warn().Err(summaryErr).Msg("Summary agent failed")
	} else if p.isEnglish(state) {
		state.ShortSummary = summaryText
	} else {
		state.ShortSummaryOriginal = summaryText
		english, err := p.translateToEnglish(ctx, summaryText, state.RunID)
		if err != nil {
			state.AddError(fmt.Sprintf("translate summary: %v", err))
			log.Warn().Err(err).Msg("Summary translation failed, keeping original language")
			state.ShortSummary = summaryText
		} else {
			state.ShortSummary = english
		}
	}

	if metaErr != nil {
		state.AddError(fmt.Sprintf("metadata agent: %v", metaErr))
		log.Warn().Err(metaErr).Msg("Metadata agent failed")
	} else {
		// Agent output wins over front matter or DOI seeds; the seeds only
		// fill fields the agent left empty.
		meta.Merge(state.Metadata)
		state.Metadata = &meta
	}
}

// isEnglish treats an empty detection result as English
func (p *Processor) isEnglish(state *models.DocumentState) bool {
	return state.LanguageCode == "" || state.LanguageCode == "en"
}

// translateToEnglish runs the translation prompt on the fast tier
func (p *Processor) translateToEnglish(ctx context.Context, text, runID string) (string, error) {
	result, err := p.llm.Complete(ctx, interfaces.CompletionRequest{
		Messages: []interfaces.Message{
			{Role: "user", Content: translationPrompt(text)},
		},
		Options: interfaces.CompletionOptions{
			Tier:  interfaces.TierHaiku,
			RunID: runID,
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Content), nil
}

// saveShortSummary persists the L1 record derived from the L0 document.
// The stored content is always the English text; the original-language
// summary rides along in metadata.
func (p *Processor) saveShortSummary(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	if state.ShortSummary == "" {
		return
	}

	record := models.NewRecord(common.NewRecordID(), models.SourceTypeExternal, state.ShortSummary, models.CompressionShort)
	record.SourceIDs = []string{state.L0ID}
	record.BibKey = state.BibKey
	record.LanguageCode = "en"
	record.SetMeta("title", state.Title)
	record.SetMeta("derivation", "short_summary")
	record.SetMeta("word_count", markdown.CountWords(state.ShortSummary))
	if state.ShortSummaryOriginal != "" {
		record.SetMeta("summary_original", state.ShortSummaryOriginal)
		record.SetMeta("original_language", state.LanguageCode)
	}

	if embedding, err := p.embedder.Embed(ctx, state.ShortSummary); err != nil {
		state.AddError(fmt.Sprintf("embed short summary: %v", err))
		log.Warn().Err(err).Msg("Short summary embedding failed")
	} else {
		record.Embedding = embedding
		record.EmbeddingModel = p.embedder.ModelName()
	}

	if err := p.storage.Main().Add(ctx, record); err != nil {
		state.AddError(fmt.Sprintf("save short summary: %v", err))
		log.Warn().Err(err).Msg("Failed to save short summary record")
		return
	}
	state.L1ID = record.ID
	log.Debug().Str("l1_id", record.ID).Msg("Saved short summary")
}

// updateBibItem upgrades the stub item with the extracted metadata and the
// short summary as abstract, and flips the pending tag to processed.
func (p *Processor) updateBibItem(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	item, err := p.storage.Bib().GetItem(ctx, state.BibKey)
	if err != nil {
		state.AddError(fmt.Sprintf("load bib item: %v", err))
		log.Warn().Err(err).Str("bib_key", state.BibKey).Msg("Failed to load bib item for update")
		return
	}

	if state.ShortSummary != "" {
		item.SetField("abstractNote", state.ShortSummary)
	}
	meta := state.Metadata
	if meta != nil {
		if meta.Title != "" {
			item.SetField("title", meta.Title)
			state.Title = meta.Title
		}
		if meta.Date != "" {
			item.SetField("date", meta.Date)
		}
		if meta.Publisher != "" {
			item.SetField("publisher", meta.Publisher)
		}
		if meta.ISBN != "" {
			item.SetField("ISBN", meta.ISBN)
		}
		if len(meta.Authors) > 0 {
			item.Creators = make([]models.Creator, 0, len(meta.Authors))
			for _, author := range lo.Uniq(meta.Authors) {
				item.Creators = append(item.Creators, models.ParseCreator("author", author))
			}
		}
	}

	item.Tags = lo.Filter(item.Tags, func(tag string, _ int) bool { return tag != "pending" })
	if !lo.Contains(item.Tags, "processed") {
		item.Tags = append(item.Tags, "processed")
	}

	if err := p.storage.Bib().UpdateItem(ctx, item); err != nil {
		state.AddError(fmt.Sprintf("update bib item: %v", err))
		log.Warn().Err(err).Str("bib_key", state.BibKey).Msg("Failed to update bib item")
		return
	}
	log.Debug().Str("bib_key", state.BibKey).Msg("Updated bib item with extracted metadata")
}
