package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

// doiPattern matches a bare DOI such as 10.1038/nature12373
var doiPattern = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)

func isURL(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}

func isDOI(input string) bool {
	return doiPattern.MatchString(input)
}

// resolveInput turns the raw input into staged markdown. URLs are fetched,
// DOIs are resolved to a URL through the translation server first, and
// anything else is treated as markdown content with optional front matter.
func (p *Processor) resolveInput(ctx context.Context, log arbor.ILogger, state *models.DocumentState) error {
	input := strings.TrimSpace(state.Input)
	if input == "" {
		return fmt.Errorf("%w: empty input", interfaces.ErrInvalidInput)
	}

	switch {
	case isURL(input):
		state.Kind = models.InputKindURL
		state.SourceURL = input
		if err := p.fetchSource(ctx, log, state); err != nil {
			return err
		}

	case isDOI(input):
		state.Kind = models.InputKindURL
		url, err := p.resolveDOI(ctx, log, state, input)
		if err != nil {
			return err
		}
		state.SourceURL = url
		if err := p.fetchSource(ctx, log, state); err != nil {
			return err
		}

	default:
		state.Kind = models.InputKindMarkdown
		front, body, err := markdown.ParseFrontMatter(input)
		if err != nil {
			log.Warn().Err(err).Msg("Front matter is malformed, ignoring it")
			body = markdown.StripFrontMatter(input)
		}
		state.Markdown = strings.TrimSpace(body)
		if front != nil {
			state.Metadata = metadataFromFrontMatter(front)
		}
		if state.Title == "" && state.Metadata != nil {
			state.Title = state.Metadata.Title
		}
	}

	if strings.TrimSpace(state.Markdown) == "" {
		return fmt.Errorf("%w: input resolved to empty content", interfaces.ErrInvalidInput)
	}
	if state.Title == "" {
		state.Title = markdown.ExtractTitle(state.Markdown)
	}
	if state.Title == "" {
		state.Title = markdown.FirstNWords(state.Markdown, 12)
	}

	state.WordCount = markdown.CountWords(state.Markdown)
	state.ChunkCount = len(markdown.SplitByHeadings(state.Markdown))
	state.NeedsTenthSummary = state.WordCount > p.cfg.TenthSummaryWords

	if path, err := p.fetcher.Stage(state.RunID+".md", []byte(state.Markdown)); err != nil {
		log.Warn().Err(err).Msg("Failed to write resolved markdown to staging")
	} else {
		state.StagingPath = path
	}

	log.Info().
		Str("kind", string(state.Kind)).
		Str("title", state.Title).
		Int("words", state.WordCount).
		Int("chunks", state.ChunkCount).
		Bool("needs_tenth", state.NeedsTenthSummary).
		Msg("Resolved input")
	return nil
}

// fetchSource pulls state.SourceURL through the fetch service and records
// the markdown, title and page count it produced.
func (p *Processor) fetchSource(ctx context.Context, log arbor.ILogger, state *models.DocumentState) error {
	result, err := p.fetcher.GetURL(ctx, state.SourceURL, interfaces.FetchOptions{
		PDFQuality: interfaces.PDFQualityBalanced,
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", state.SourceURL, err)
	}
	state.Markdown = strings.TrimSpace(result.Content)
	state.PageCount = result.Pages
	if state.Title == "" {
		state.Title = result.Title
	}
	log.Debug().
		Str("url", state.SourceURL).
		Str("provider", result.Provider).
		Int("pages", result.Pages).
		Msg("Fetched source document")
	return nil
}

// resolveDOI asks the translation server for the item behind a DOI and
// returns the URL to fetch. Bibliographic fields from the lookup seed the
// document metadata so the agents start from something.
func (p *Processor) resolveDOI(ctx context.Context, log arbor.ILogger, state *models.DocumentState, doi string) (string, error) {
	if p.translator == nil {
		return "", fmt.Errorf("%w: no translation server configured for DOI lookup", interfaces.ErrBackendUnavailable)
	}
	items, err := p.translator.TranslateIdentifier(ctx, doi)
	if err != nil {
		return "", fmt.Errorf("translate DOI %s: %w", doi, err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: DOI %s resolved to no items", interfaces.ErrNotFound, doi)
	}
	item := items[0]
	url := item.Field("url")
	if url == "" {
		return "", fmt.Errorf("%w: DOI %s has no resolvable URL", interfaces.ErrNotFound, doi)
	}
	state.Metadata = metadataFromBibItem(item)
	if state.Title == "" {
		state.Title = item.Field("title")
	}
	log.Debug().Str("doi", doi).Str("url", url).Msg("Resolved DOI through translation server")
	return url, nil
}

// createStub registers the document before any analysis runs: a minimal
// bibliographic item tagged pending, and a placeholder L0 record so the id
// exists for later stages even if the run dies halfway.
func (p *Processor) createStub(ctx context.Context, log arbor.ILogger, state *models.DocumentState) error {
	item := &models.BibItem{
		ItemType: "document",
		Tags:     []string{"pending"},
	}
	if state.Kind == models.InputKindURL {
		item.ItemType = "webpage"
		item.SetField("url", state.SourceURL)
	}
	if isDOI(strings.TrimSpace(state.Input)) {
		item.ItemType = "journalArticle"
		item.SetField("DOI", strings.TrimSpace(state.Input))
	}
	item.SetField("title", state.Title)

	key, err := p.storage.Bib().CreateItem(ctx, item)
	if err != nil {
		return fmt.Errorf("create bib item: %w", err)
	}
	state.BibKey = key

	record := models.NewRecord(common.NewRecordID(), models.SourceTypeExternal, "", models.CompressionOriginal)
	record.BibKey = key
	record.SetMeta("title", state.Title)
	record.SetMeta("placeholder", true)
	if err := p.storage.Main().Add(ctx, record); err != nil {
		return fmt.Errorf("add placeholder record: %w", err)
	}
	state.L0ID = record.ID

	log.Info().Str("bib_key", key).Str("l0_id", record.ID).Msg("Created document stub")
	return nil
}

// detectLanguage tags the state with the dominant language of the content.
// An undetectable language is left empty and treated as English downstream.
func (p *Processor) detectLanguage(log arbor.ILogger, state *models.DocumentState) {
	if p.detector == nil {
		return
	}
	code, err := p.detector.Detect(state.Markdown)
	if err != nil {
		log.Debug().Err(err).Msg("Language detection was inconclusive")
		return
	}
	state.LanguageCode = code
	if code != "en" {
		log.Info().Str("language", code).Msg("Detected non-English document")
	}
}

// metadataFromFrontMatter maps YAML front matter keys onto document metadata.
// Authors accept either a single string or a list.
func metadataFromFrontMatter(front map[string]interface{}) *models.DocumentMetadata {
	meta := &models.DocumentMetadata{}
	if v, ok := front["title"].(string); ok {
		meta.Title = strings.TrimSpace(v)
	}
	if v, ok := front["date"].(string); ok {
		meta.Date = strings.TrimSpace(v)
	}
	if v, ok := front["publisher"].(string); ok {
		meta.Publisher = strings.TrimSpace(v)
	}
	if v, ok := front["isbn"].(string); ok {
		meta.ISBN = strings.TrimSpace(v)
	}
	switch v := front["authors"].(type) {
	case string:
		meta.Authors = []string{strings.TrimSpace(v)}
	case []interface{}:
		for _, entry := range v {
			if name, ok := entry.(string); ok && strings.TrimSpace(name) != "" {
				meta.Authors = append(meta.Authors, strings.TrimSpace(name))
			}
		}
	}
	if len(meta.Authors) == 0 {
		if v, ok := front["author"].(string); ok && strings.TrimSpace(v) != "" {
			meta.Authors = []string{strings.TrimSpace(v)}
		}
	}
	return meta
}

// metadataFromBibItem seeds document metadata from a translated item
func metadataFromBibItem(item *models.BibItem) *models.DocumentMetadata {
	meta := &models.DocumentMetadata{
		Title:     item.Field("title"),
		Date:      item.Field("date"),
		Publisher: item.Field("publisher"),
		ISBN:      item.Field("ISBN"),
	}
	for _, creator := range item.Creators {
		name := strings.TrimSpace(strings.TrimSpace(creator.FirstName) + " " + creator.LastName)
		if name != "" {
			meta.Authors = append(meta.Authors, name)
		}
	}
	return meta
}
