package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

const (
	// sizeChapterWords is the synthetic chapter size for documents without
	// usable headings, with sizeChapterOverlap words of bleed between parts
	// so sentences cut at a boundary still appear whole somewhere.
	sizeChapterWords   = 30000
	sizeChapterOverlap = 500

	// batchMinChapters is the chapter count from which summaries go through
	// the provider batch endpoint instead of bounded singles
	batchMinChapters = 5

	// minChapterSummaryWords floors the 10% target so tiny chapters still
	// get a sentence or two
	minChapterSummaryWords = 30
)

// chapterSummaryOut is the structured-output schema for one chapter summary
type chapterSummaryOut struct {
	Summary string `json:"summary" validate:"required"`
}

func (c *chapterSummaryOut) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// detectChapters decides the chapter structure used for the 1/10th summary.
// The ladder: LLM classification of extracted headings, then the dominant
// heading level when the LLM is unavailable or rejects everything, then
// fixed-size word windows when the document has no usable headings at all.
// Documents under the mandatory floor skip the whole stage.
func (p *Processor) detectChapters(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	if !state.NeedsTenthSummary {
		return
	}
	if state.WordCount < p.cfg.MandatorySummaryWords {
		state.NeedsTenthSummary = false
		log.Debug().Int("words", state.WordCount).Msg("Document below mandatory summary floor, skipping chapter stage")
		return
	}

	headings := markdown.ExtractHeadings(state.Markdown)
	if len(headings) == 0 {
		state.Chapters = p.sizeChapters(state.Markdown)
		log.Info().Int("chapters", len(state.Chapters)).Msg("No headings found, using size-based chapters")
		return
	}

	chapters := p.classifyChapterHeadings(ctx, log, state, headings)
	method := "llm"
	if chapters == nil {
		dominant := markdown.DominantLevelHeadings(headings)
		if len(dominant) >= 2 {
			chapters = p.chaptersFromHeadings(state.Markdown, dominant, nil, state.Metadata)
			method = "dominant_level"
		}
	}
	if len(chapters) == 0 {
		chapters = p.sizeChapters(state.Markdown)
		method = "size"
	}

	state.Chapters = chapters
	log.Info().Int("chapters", len(chapters)).Str("method", method).Msg("Detected chapter structure")
}

// classifyChapterHeadings asks the model for a chapter/not-chapter verdict
// per heading. Returns nil when the call fails or nothing classifies as a
// chapter, which sends the caller down the fallback ladder.
func (p *Processor) classifyChapterHeadings(ctx context.Context, log arbor.ILogger, state *models.DocumentState, headings []markdown.Heading) []models.Chapter {
	texts := make([]string, len(headings))
	for i, h := range headings {
		texts[i] = h.Text
	}
	multiAuthor := state.Metadata != nil && state.Metadata.IsMultiAuthor

	var detection models.ChapterDetection
	err := p.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "chapters",
		System: documentAnalysisSystem,
		Prompt: chapterClassificationPrompt(texts, multiAuthor),
	}, &detection, interfaces.CompletionOptions{
		Tier:  interfaces.TierHaiku,
		RunID: state.RunID,
	})
	if err != nil {
		state.AddError(fmt.Sprintf("chapter classification: %v", err))
		log.Warn().Err(err).Msg("Chapter classification failed, falling back to heading heuristics")
		return nil
	}

	// Match verdicts back to extracted headings by normalized text. Repeated
	// heading texts share a verdict, which is the sane reading anyway.
	verdicts := make(map[string]models.HeadingClassification, len(detection.Headings))
	for _, hc := range detection.Headings {
		verdicts[normalizeHeading(hc.Heading)] = hc
	}

	var selected []markdown.Heading
	authors := make(map[int]string)
	for _, h := range headings {
		hc, ok := verdicts[normalizeHeading(h.Text)]
		if !ok || !hc.IsChapter {
			continue
		}
		if hc.Author != "" {
			authors[len(selected)] = hc.Author
		}
		selected = append(selected, h)
	}
	if len(selected) == 0 {
		return nil
	}
	return p.chaptersFromHeadings(state.Markdown, selected, authors, state.Metadata)
}

func normalizeHeading(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// chaptersFromHeadings slices the source between consecutive selected
// headings. Content before the first chapter heading (front matter, tables
// of contents) is deliberately not summarized.
func (p *Processor) chaptersFromHeadings(source string, selected []markdown.Heading, authors map[int]string, meta *models.DocumentMetadata) []models.Chapter {
	chapters := make([]models.Chapter, 0, len(selected))
	for i, h := range selected {
		end := len(source)
		if i+1 < len(selected) {
			end = selected[i+1].Offset
		}
		content := source[h.Offset:end]

		author := authors[i]
		if author == "" && meta != nil && meta.ChapterAuthors != nil {
			author = meta.ChapterAuthors[h.Text]
		}
		chapters = append(chapters, models.Chapter{
			Title:       h.Text,
			Author:      author,
			StartOffset: h.Offset,
			EndOffset:   end,
			WordCount:   markdown.CountWords(content),
			Content:     content,
		})
	}
	return chapters
}

// sizeChapters windows the document into fixed-size parts when no heading
// structure exists. Offsets are not meaningful for overlapped windows and
// stay zero.
func (p *Processor) sizeChapters(source string) []models.Chapter {
	parts := markdown.SplitByWords(source, sizeChapterWords, sizeChapterOverlap)
	chapters := make([]models.Chapter, 0, len(parts))
	for i, part := range parts {
		chapters = append(chapters, models.Chapter{
			Title:     fmt.Sprintf("Part %d", i+1),
			WordCount: markdown.CountWords(part),
			Content:   part,
		})
	}
	return chapters
}

// summarizeChapters runs the map step of the 1/10th summary: every chapter
// gets a summary at roughly a tenth of its word count, then the reduce step
// reassembles them in chapter order under "## title" headings. Chapters
// that fit the fast tier go through the provider batch endpoint when there
// are enough of them, otherwise a bounded fan-out. A chapter exceeding the
// fast tier's safe token limit is processed alone on the large-context
// tier, and one exceeding the split threshold is windowed first with the
// window summaries concatenated.
func (p *Processor) summarizeChapters(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	chapters := state.Chapters
	if len(chapters) == 0 {
		chapters = []models.Chapter{{
			Title:     state.Title,
			WordCount: state.WordCount,
			Content:   state.Markdown,
		}}
	}

	summaries := make([]string, len(chapters))
	safeLimit := interfaces.TierHaiku.SafeTokenLimit()

	var pooled, oversized []int
	for i, ch := range chapters {
		if len(ch.Content) <= p.cfg.ChapterSplitThreshold && p.llm.EstimateTokens(ch.Content) <= safeLimit {
			pooled = append(pooled, i)
		} else {
			oversized = append(oversized, i)
		}
	}

	if len(pooled) >= batchMinChapters {
		p.summarizePooledBatch(ctx, log, state, chapters, pooled, summaries)
	} else if len(pooled) > 0 {
		p.summarizePooledSingles(ctx, state, chapters, pooled, summaries)
	}

	for _, i := range oversized {
		summary, err := p.summarizeOversized(ctx, log, state, chapters[i])
		if err != nil {
			state.AddError(fmt.Sprintf("summarize chapter %q: %v", chapters[i].Title, err))
			log.Warn().Err(err).Str("chapter", chapters[i].Title).Msg("Oversized chapter summary failed")
			continue
		}
		summaries[i] = summary
	}

	aggregate := reduceChapterSummaries(chapters, summaries)
	if aggregate == "" {
		state.AddError("chapter summaries: no chapter produced a summary")
		log.Warn().Int("chapters", len(chapters)).Msg("All chapter summaries failed")
		return
	}

	if p.isEnglish(state) {
		state.TenthSummary = aggregate
	} else {
		state.TenthSummaryOriginal = aggregate
		english, err := p.translateToEnglish(ctx, aggregate, state.RunID)
		if err != nil {
			state.AddError(fmt.Sprintf("translate tenth summary: %v", err))
			log.Warn().Err(err).Msg("Tenth summary translation failed, keeping original language")
			state.TenthSummary = aggregate
		} else {
			state.TenthSummary = english
		}
	}
	log.Info().Int("chapters", len(chapters)).Int("summary_words", markdown.CountWords(state.TenthSummary)).
		Msg("Produced chapter-based summary")
}

// summarizePooledBatch sends the normal-sized chapters through the batch
// structured-output path, one request per chapter keyed by index.
func (p *Processor) summarizePooledBatch(ctx context.Context, log arbor.ILogger, state *models.DocumentState, chapters []models.Chapter, pooled []int, summaries []string) {
	requests := make([]interfaces.StructuredRequest, 0, len(pooled))
	for _, i := range pooled {
		ch := chapters[i]
		requests = append(requests, interfaces.StructuredRequest{
			ID:     strconv.Itoa(i),
			System: documentAnalysisSystem,
			Prompt: chapterSummaryPrompt(ch.Title, ch.Author, ch.Content, chapterTarget(ch.WordCount), state.LanguageCode),
		})
	}

	outcomes, err := p.llm.GetStructuredOutputBatch(ctx, requests, func() interfaces.Validatable {
		return &chapterSummaryOut{}
	}, interfaces.CompletionOptions{
		Tier:         interfaces.TierHaiku,
		CachedSystem: true,
		RunID:        state.RunID,
	})
	if err != nil {
		state.AddError(fmt.Sprintf("chapter summary batch: %v", err))
		log.Warn().Err(err).Msg("Chapter summary batch failed")
		return
	}
	for _, i := range pooled {
		outcome := outcomes[strconv.Itoa(i)]
		if outcome.Err != nil {
			state.AddError(fmt.Sprintf("summarize chapter %q: %v", chapters[i].Title, outcome.Err))
			continue
		}
		if out, ok := outcome.Value.(*chapterSummaryOut); ok {
			summaries[i] = strings.TrimSpace(out.Summary)
		}
	}
}

// summarizePooledSingles fans the normal-sized chapters out with the
// configured concurrency bound
func (p *Processor) summarizePooledSingles(ctx context.Context, state *models.DocumentState, chapters []models.Chapter, pooled []int, summaries []string) {
	concurrency := p.cfg.ChapterConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	errs := make([]error, len(chapters))
	var group errgroup.Group
	group.SetLimit(concurrency)
	for _, i := range pooled {
		group.Go(func() error {
			summary, err := p.summarizeOne(ctx, state, chapters[i], interfaces.TierHaiku)
			if err != nil {
				errs[i] = err
				return nil
			}
			summaries[i] = summary
			return nil
		})
	}
	_ = group.Wait()

	for _, i := range pooled {
		if errs[i] != nil {
			state.AddError(fmt.Sprintf("summarize chapter %q: %v", chapters[i].Title, errs[i]))
		}
	}
}

// summarizeOversized handles a chapter too large for the pooled path.
// Above the split threshold it is windowed and each window summarized on
// whatever tier its size demands; otherwise the whole chapter goes to the
// large-context tier in one call.
func (p *Processor) summarizeOversized(ctx context.Context, log arbor.ILogger, state *models.DocumentState, ch models.Chapter) (string, error) {
	if len(ch.Content) <= p.cfg.ChapterSplitThreshold {
		tier := p.llm.SelectTier(p.llm.EstimateTokens(ch.Content), interfaces.TierHaiku)
		log.Debug().Str("chapter", ch.Title).Str("tier", string(tier)).Msg("Summarizing oversized chapter in one call")
		return p.summarizeOne(ctx, state, ch, tier)
	}

	windows := markdown.SplitByChars(ch.Content, p.cfg.ChapterWindowSize, p.cfg.ChapterWindowOverlap)
	log.Debug().Str("chapter", ch.Title).Int("windows", len(windows)).Msg("Windowing oversized chapter")

	parts := make([]string, 0, len(windows))
	for idx, window := range windows {
		sub := models.Chapter{
			Title:     fmt.Sprintf("%s (part %d)", ch.Title, idx+1),
			Author:    ch.Author,
			WordCount: markdown.CountWords(window),
			Content:   window,
		}
		tier := p.llm.SelectTier(p.llm.EstimateTokens(window), interfaces.TierHaiku)
		summary, err := p.summarizeOne(ctx, state, sub, tier)
		if err != nil {
			return "", fmt.Errorf("window %d: %w", idx+1, err)
		}
		parts = append(parts, summary)
	}
	return strings.Join(parts, "\n\n"), nil
}

// summarizeOne runs a single structured chapter-summary call
func (p *Processor) summarizeOne(ctx context.Context, state *models.DocumentState, ch models.Chapter, tier interfaces.Tier) (string, error) {
	var out chapterSummaryOut
	err := p.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "chapter-summary",
		System: documentAnalysisSystem,
		Prompt: chapterSummaryPrompt(ch.Title, ch.Author, ch.Content, chapterTarget(ch.WordCount), state.LanguageCode),
	}, &out, interfaces.CompletionOptions{
		Tier:         tier,
		CachedSystem: true,
		RunID:        state.RunID,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Summary), nil
}

// chapterTarget is a tenth of the chapter's words with a small floor
func chapterTarget(wordCount int) int {
	target := wordCount / 10
	if target < minChapterSummaryWords {
		target = minChapterSummaryWords
	}
	return target
}

// reduceChapterSummaries reassembles summaries in chapter order, each
// under its chapter title with the author when known
func reduceChapterSummaries(chapters []models.Chapter, summaries []string) string {
	var b strings.Builder
	for i, ch := range chapters {
		if summaries[i] == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if ch.Author != "" {
			b.WriteString(fmt.Sprintf("## %s (%s)", ch.Title, ch.Author))
		} else {
			b.WriteString("## " + ch.Title)
		}
		b.WriteString("\n\n")
		b.WriteString(summaries[i])
	}
	return b.String()
}

// GenerateTenthSummary runs the chapter subgraph over an already stored L0
// record and persists the resulting L2. The paper tools call this when an
// agent asks for a long document that never got a tenth summary.
func (p *Processor) GenerateTenthSummary(ctx context.Context, record *models.Record) (*models.Record, error) {
	if record == nil || record.CompressionLevel != models.CompressionOriginal {
		return nil, fmt.Errorf("%w: tenth summaries derive from L0 records", interfaces.ErrInvalidInput)
	}

	state := &models.DocumentState{
		RunID:             common.NewRunID(),
		L0ID:              record.ID,
		BibKey:            record.BibKey,
		Title:             record.Title(),
		Markdown:          record.Content,
		LanguageCode:      record.LanguageCode,
		WordCount:         record.WordCount(),
		NeedsTenthSummary: true,
	}
	log := p.logger.WithCorrelationId(state.RunID)
	log.Info().Str("l0_id", record.ID).Int("words", state.WordCount).Msg("Generating tenth summary on demand")

	p.detectChapters(ctx, log, state)
	if !state.NeedsTenthSummary {
		return nil, fmt.Errorf("%w: document is below the mandatory summary floor", interfaces.ErrInvalidInput)
	}
	p.summarizeChapters(ctx, log, state)
	p.saveTenthSummary(ctx, log, state)
	if state.L2ID == "" {
		return nil, fmt.Errorf("tenth summary generation produced no record: %s", strings.Join(state.Errors, "; "))
	}
	return p.storage.Main().Get(ctx, state.L2ID, models.CompressionTenth)
}

// saveTenthSummary persists the L2 record derived from the L0 document
func (p *Processor) saveTenthSummary(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	if state.TenthSummary == "" {
		return
	}

	record := models.NewRecord(common.NewRecordID(), models.SourceTypeExternal, state.TenthSummary, models.CompressionTenth)
	record.SourceIDs = []string{state.L0ID}
	record.BibKey = state.BibKey
	record.LanguageCode = "en"
	record.SetMeta("title", state.Title)
	record.SetMeta("derivation", "tenth_summary")
	record.SetMeta("word_count", markdown.CountWords(state.TenthSummary))
	record.SetMeta("chapter_count", len(state.Chapters))
	if state.TenthSummaryOriginal != "" {
		record.SetMeta("summary_original", state.TenthSummaryOriginal)
		record.SetMeta("original_language", state.LanguageCode)
	}

	if embedding, err := p.embedder.Embed(ctx, state.TenthSummary); err != nil {
		state.AddError(fmt.Sprintf("embed tenth summary: %v", err))
		log.Warn().Err(err).Msg("Tenth summary embedding failed")
	} else {
		record.Embedding = embedding
		record.EmbeddingModel = p.embedder.ModelName()
	}

	if err := p.storage.Main().Add(ctx, record); err != nil {
		state.AddError(fmt.Sprintf("save tenth summary: %v", err))
		log.Warn().Err(err).Msg("Failed to save tenth summary record")
		return
	}
	state.L2ID = record.ID
	log.Debug().Str("l2_id", record.ID).Msg("Saved tenth summary")
}
