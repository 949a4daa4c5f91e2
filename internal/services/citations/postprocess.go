// -----------------------------------------------------------------------
// Last Modified: Tuesday, 14th April 2026 3:22:41 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package citations

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// politeDelay spaces translation-server calls so the localhost service is
// never hammered by the resolution fan-out
const politeDelay = 300 * time.Millisecond

// enhanceSampleChars caps how much scraped page content goes into the
// metadata enhancement prompt
const enhanceSampleChars = 6000

// numericRefPattern matches one "[N] Title: URL" line in a references section
var numericRefPattern = regexp.MustCompile(`(?m)^[ \t]*\[(\d+)\][ \t]+(.+)$`)

// PostProcessor resolves the numeric citations of a finished review into
// bibliographic keys. URLs already known to the library are reused; unknown
// ones go through the translation server, get their metadata enhanced from
// scraped page content, and become new items.
type PostProcessor struct {
	bib         interfaces.BibSystem
	translator  interfaces.TranslationService
	llm         interfaces.LLMService
	fetcher     interfaces.FetchService
	cache       interfaces.URLCacheStorage
	limiter     *rate.Limiter
	concurrency int
	logger      arbor.ILogger
}

var _ interfaces.CitationPostProcessor = (*PostProcessor)(nil)

// NewPostProcessor wires the resolver. fetcher and cache are optional;
// without a fetcher enhancement runs on translator metadata alone, without
// a cache every run starts cold.
func NewPostProcessor(bib interfaces.BibSystem, translator interfaces.TranslationService, llm interfaces.LLMService, fetcher interfaces.FetchService, cache interfaces.URLCacheStorage, concurrency int, logger arbor.ILogger) *PostProcessor {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &PostProcessor{
		bib:         bib,
		translator:  translator,
		llm:         llm,
		fetcher:     fetcher,
		cache:       cache,
		limiter:     rate.NewLimiter(rate.Every(politeDelay), 1),
		concurrency: concurrency,
		logger:      logger,
	}
}

// parsedRef is one reference line plus the exact text it occupied, kept so
// the rewrite can swap the line without disturbing its surroundings
type parsedRef struct {
	cite    models.NumericCitation
	rawLine string
}

// Process resolves every numeric citation and rewrites the review to
// [@KEY] form. Citations that fail to resolve keep their numeric form; the
// per-URL outcome list reports what happened to each.
func (p *PostProcessor) Process(ctx context.Context, review string) (string, []models.CitationResolution, error) {
	refs := parseNumericRefs(review)
	if len(refs) == 0 {
		p.logger.Debug().Msg("No numeric citations found, review left unchanged")
		return review, nil, nil
	}

	// Identical URLs collapse into one resolution so the translation server
	// is called at most once per source.
	type unit struct {
		raw   string
		norm  string
		title string
	}
	var units []unit
	seen := make(map[string]int)
	for _, ref := range refs {
		norm := NormalizeURL(ref.cite.URL)
		if idx, ok := seen[norm]; ok {
			if units[idx].title == "" {
				units[idx].title = ref.cite.Title
			}
			continue
		}
		seen[norm] = len(units)
		units = append(units, unit{raw: ref.cite.URL, norm: norm, title: ref.cite.Title})
	}

	p.logger.Info().
		Int("references", len(refs)).
		Int("unique_urls", len(units)).
		Msg("Resolving numeric citations")

	resolutions := make([]models.CitationResolution, len(units))
	var group errgroup.Group
	group.SetLimit(p.concurrency)
	for i, u := range units {
		group.Go(func() error {
			resolutions[i] = p.resolveOne(ctx, u.raw, u.norm, u.title)
			return nil
		})
	}
	_ = group.Wait()
	if ctx.Err() != nil {
		return review, resolutions, ctx.Err()
	}

	keyByNorm := make(map[string]string, len(units))
	resolved := 0
	for i, res := range resolutions {
		if res.Key != "" {
			keyByNorm[units[i].norm] = res.Key
			resolved++
		}
	}

	rewritten := rewriteCitations(review, refs, keyByNorm)

	p.logger.Info().
		Int("resolved", resolved).
		Int("failed", len(units)-resolved).
		Msg("Citation post-processing complete")
	return rewritten, resolutions, nil
}

// resolveOne maps a single URL to a bib key, reusing before creating
func (p *PostProcessor) resolveOne(ctx context.Context, rawURL, normURL, title string) models.CitationResolution {
	res := models.CitationResolution{URL: rawURL, Title: title, CreatedAt: time.Now().UTC()}

	if key, cachedTitle := p.cachedKey(ctx, normURL); key != "" {
		res.Key = key
		res.Reused = true
		if res.Title == "" {
			res.Title = cachedTitle
		}
		return res
	}

	if item := p.searchByURL(ctx, rawURL); item != nil {
		res.Key = item.Key
		res.Reused = true
		if t := item.Field("title"); res.Title == "" && t != "" {
			res.Title = t
		}
		p.storeCacheEntry(ctx, normURL, res.Key, res.Title)
		return res
	}

	if err := p.limiter.Wait(ctx); err != nil {
		res.Error = fmt.Sprintf("rate limiter: %v", err)
		return res
	}

	item := p.translateURL(ctx, rawURL, title)
	p.enhanceItem(ctx, item, rawURL)

	item.Key = ""
	item.SetField("url", rawURL)
	for _, tag := range []string{"thala-research", "auto-citation"} {
		if !lo.Contains(item.Tags, tag) {
			item.Tags = append(item.Tags, tag)
		}
	}

	key, err := p.bib.CreateItem(ctx, item)
	if err != nil {
		p.logger.Warn().Err(err).Str("url", rawURL).Msg("Failed to create bib item for citation")
		res.Error = fmt.Sprintf("create item: %v", err)
		return res
	}
	res.Key = key
	if t := item.Field("title"); res.Title == "" && t != "" {
		res.Title = t
	}
	p.storeCacheEntry(ctx, normURL, key, res.Title)
	p.logger.Debug().Str("url", rawURL).Str("key", key).Msg("Created bib item for citation")
	return res
}

// cachedKey returns a previously resolved key for the URL, re-checking that
// the item still exists so stale cache entries cannot resurrect deleted keys
func (p *PostProcessor) cachedKey(ctx context.Context, normURL string) (string, string) {
	if p.cache == nil {
		return "", ""
	}
	entry, err := p.cache.GetResolvedURL(ctx, normURL)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			p.logger.Warn().Err(err).Str("url", normURL).Msg("URL cache lookup failed")
		}
		return "", ""
	}
	exists, err := p.bib.Exists(ctx, entry.Key)
	if err != nil || !exists {
		return "", ""
	}
	return entry.Key, entry.Title
}

func (p *PostProcessor) searchByURL(ctx context.Context, rawURL string) *models.BibItem {
	items, err := p.bib.Search(ctx, []models.SearchCondition{
		{Condition: "url", Operator: "is", Value: rawURL},
	}, 1, false)
	if err != nil {
		p.logger.Warn().Err(err).Str("url", rawURL).Msg("Bib search by url failed")
		return nil
	}
	if len(items) == 0 || items[0].Key == "" {
		return nil
	}
	return items[0]
}

// translateURL asks the translation server for metadata, falling back to a
// bare webpage item when the server has nothing for the URL
func (p *PostProcessor) translateURL(ctx context.Context, rawURL, title string) *models.BibItem {
	fallback := &models.BibItem{
		ItemType: "webpage",
		Fields:   map[string]string{"title": title, "url": rawURL},
	}
	if p.translator == nil {
		return fallback
	}
	items, err := p.translator.TranslateURL(ctx, rawURL)
	if err != nil {
		p.logger.Warn().Err(err).Str("url", rawURL).Msg("Translation server failed for citation URL")
		return fallback
	}
	if len(items) == 0 {
		return fallback
	}
	item := items[0]
	if item.ItemType == "" {
		item.ItemType = "webpage"
	}
	if item.Field("title") == "" && title != "" {
		item.SetField("title", title)
	}
	return item
}

// enhanceItem fills gaps in translator metadata from scraped page content.
// Every step is best-effort; the item is usable as-is if enhancement fails.
func (p *PostProcessor) enhanceItem(ctx context.Context, item *models.BibItem, rawURL string) {
	if p.llm == nil {
		return
	}

	sample := ""
	if p.fetcher != nil {
		result, err := p.fetcher.GetURL(ctx, rawURL, interfaces.FetchOptions{})
		if err != nil {
			p.logger.Debug().Err(err).Str("url", rawURL).Msg("Scrape for citation enhancement failed")
		} else if result != nil {
			sample = result.Content
			if len(sample) > enhanceSampleChars {
				sample = sample[:enhanceSampleChars]
			}
		}
	}

	var enhanced enhancedBibItem
	err := p.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "citation-enhance",
		System: citationEnhanceSystem,
		Prompt: enhancementPrompt(item, rawURL, sample),
	}, &enhanced, interfaces.CompletionOptions{Tier: interfaces.TierHaiku})
	if err != nil {
		p.logger.Warn().Err(err).Str("url", rawURL).Msg("Citation metadata enhancement failed")
		return
	}
	enhanced.applyTo(item)
}

func (p *PostProcessor) storeCacheEntry(ctx context.Context, normURL, key, title string) {
	if p.cache == nil || key == "" {
		return
	}
	entry := &models.URLCacheEntry{URL: normURL, Key: key, Title: title, CreatedAt: time.Now().UTC()}
	if err := p.cache.PutResolvedURL(ctx, entry); err != nil {
		p.logger.Warn().Err(err).Str("url", normURL).Msg("Failed to cache resolved URL")
	}
}

// parseNumericRefs extracts "[N] Title: URL" reference lines. Lines without
// a URL are not references and stay untouched.
func parseNumericRefs(text string) []parsedRef {
	var refs []parsedRef
	for _, match := range numericRefPattern.FindAllStringSubmatch(text, -1) {
		number, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		rest := match[2]
		httpIdx := strings.Index(rest, "http")
		if httpIdx < 0 {
			continue
		}
		// Titles can contain colons, so the URL is found by position and the
		// title is whatever precedes it.
		urlPart := strings.TrimSpace(rest[httpIdx:])
		title := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest[:httpIdx]), ":"))
		if urlPart == "" {
			continue
		}
		refs = append(refs, parsedRef{
			cite:    models.NumericCitation{Number: number, Title: title, URL: urlPart},
			rawLine: match[0],
		})
	}
	return refs
}

// rewriteCitations swaps reference lines first, then inline markers. The
// order matters: once a reference line reads "[@KEY] Title" the inline pass
// cannot touch it again.
func rewriteCitations(review string, refs []parsedRef, keyByNorm map[string]string) string {
	for _, ref := range refs {
		key, ok := keyByNorm[NormalizeURL(ref.cite.URL)]
		if !ok {
			continue
		}
		title := ref.cite.Title
		if title == "" {
			title = ref.cite.URL
		}
		leading := ref.rawLine[:strings.Index(ref.rawLine, "[")]
		review = strings.Replace(review, ref.rawLine, leading+"[@"+key+"] "+title, 1)
	}
	for _, ref := range refs {
		key, ok := keyByNorm[NormalizeURL(ref.cite.URL)]
		if !ok {
			continue
		}
		review = strings.ReplaceAll(review, "["+strconv.Itoa(ref.cite.Number)+"]", "[@"+key+"]")
	}
	return review
}

// NormalizeURL canonicalizes a URL for dedup and cache lookups: scheme and
// host lowercase, fragments and tracking params dropped, query keys sorted,
// trailing slash trimmed
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	query := parsed.Query()
	for param := range query {
		if strings.HasPrefix(strings.ToLower(param), "utm_") {
			query.Del(param)
		}
	}
	parsed.RawQuery = query.Encode()

	if len(parsed.Path) > 1 {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	} else if parsed.Path == "/" {
		parsed.Path = ""
	}
	return parsed.String()
}

// enhancedBibItem is the structured-output schema of the metadata
// enhancement call. Empty fields mean the model had no evidence.
type enhancedBibItem struct {
	Title            string   `json:"title,omitempty"`
	Authors          []string `json:"authors,omitempty"`
	Date             string   `json:"date,omitempty"`
	PublicationTitle string   `json:"publication_title,omitempty"`
	DOI              string   `json:"doi,omitempty"`
	AbstractNote     string   `json:"abstract_note,omitempty"`
	ItemType         string   `json:"item_type,omitempty" validate:"omitempty,oneof=webpage journalArticle blogPost newspaperArticle magazineArticle book bookSection report conferencePaper thesis preprint document"`
}

// Validate validates the schema using go-playground/validator
func (e *enhancedBibItem) Validate() error {
	validate := validator.New()
	return validate.Struct(e)
}

// applyTo writes the enhanced fields over the translator item. Non-empty
// model output wins, which is what lets it correct scraper mistakes.
func (e *enhancedBibItem) applyTo(item *models.BibItem) {
	if e.ItemType != "" {
		item.ItemType = e.ItemType
	}
	if e.Title != "" {
		item.SetField("title", e.Title)
	}
	if e.Date != "" {
		item.SetField("date", e.Date)
	}
	if e.PublicationTitle != "" {
		item.SetField("publicationTitle", e.PublicationTitle)
	}
	if e.DOI != "" {
		item.SetField("DOI", e.DOI)
	}
	if e.AbstractNote != "" {
		item.SetField("abstractNote", e.AbstractNote)
	}
	if len(e.Authors) > 0 {
		creators := make([]models.Creator, 0, len(e.Authors))
		for _, name := range lo.Uniq(e.Authors) {
			if strings.TrimSpace(name) == "" {
				continue
			}
			creators = append(creators, models.ParseCreator("author", name))
		}
		if len(creators) > 0 {
			item.Creators = creators
		}
	}
}
