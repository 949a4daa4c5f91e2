package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
	"github.com/thala-research/thala/internal/workflows"
)

// ---- storage fakes ----

type fakeMain struct {
	mu      sync.Mutex
	records map[string]*models.Record
}

func newFakeMain() *fakeMain {
	return &fakeMain{records: make(map[string]*models.Record)}
}

func (f *fakeMain) Add(_ context.Context, record *models.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.ID] = record
	return nil
}

func (f *fakeMain) Get(_ context.Context, id string, level int) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok || (level != interfaces.LevelAll && record.CompressionLevel != level) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	return record, nil
}

func (f *fakeMain) GetBySourceID(_ context.Context, sourceID string, level int) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		if record.CompressionLevel != level {
			continue
		}
		for _, sid := range record.SourceIDs {
			if sid == sourceID {
				return record, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no level %d record for %s", interfaces.ErrNotFound, level, sourceID)
}

func (f *fakeMain) Update(_ context.Context, record *models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[record.ID]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, record.ID)
	}
	f.records[record.ID] = record
	return nil
}

func (f *fakeMain) Search(_ context.Context, _ map[string]interface{}, _ int, _ int) ([]*models.Record, error) {
	return nil, nil
}

func (f *fakeMain) KNNSearch(_ context.Context, _ []float32, _ int, _ int) ([]*models.ScoredRecord, error) {
	return nil, nil
}

func (f *fakeMain) Delete(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeMain) byLevel(level int) []*models.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Record
	for _, record := range f.records {
		if record.CompressionLevel == level {
			out = append(out, record)
		}
	}
	return out
}

type fakeVectors struct {
	mu      sync.Mutex
	records []*models.Record
}

func (f *fakeVectors) Add(_ context.Context, record *models.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeVectors) Get(_ context.Context, id string) (*models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		if record.ID == id {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
}

func (f *fakeVectors) Update(_ context.Context, record *models.Record, _ string) error {
	return f.Add(context.Background(), record)
}

func (f *fakeVectors) Delete(_ context.Context, _ string, _ string) error { return nil }

func (f *fakeVectors) Query(_ context.Context, _ []float32, _ int, _ map[string]interface{}) ([]*models.Record, error) {
	return nil, nil
}

func (f *fakeVectors) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeCoherence struct{}

func (fakeCoherence) Add(_ context.Context, _ *models.Record) error { return nil }
func (fakeCoherence) Get(_ context.Context, id string) (*models.Record, error) {
	return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
}
func (fakeCoherence) Update(_ context.Context, _ *models.Record, _ string) error { return nil }
func (fakeCoherence) Delete(_ context.Context, _ string, _ string) error         { return nil }
func (fakeCoherence) Search(_ context.Context, _ map[string]interface{}, _ int) ([]*models.Record, error) {
	return nil, nil
}

type fakeHistory struct{}

func (fakeHistory) AddSnapshot(_ context.Context, _ *models.WhoIWasRecord) error { return nil }
func (fakeHistory) GetHistory(_ context.Context, _ string, _ int) ([]*models.WhoIWasRecord, error) {
	return nil, nil
}

type fakeForgotten struct{}

func (fakeForgotten) AddSnapshot(_ context.Context, _ *models.ForgottenRecord) error { return nil }
func (fakeForgotten) GetForgotten(_ context.Context, _ string) ([]*models.ForgottenRecord, error) {
	return nil, nil
}

type fakeBib struct {
	mu    sync.Mutex
	seq   int
	items map[string]*models.BibItem
}

func newFakeBib() *fakeBib {
	return &fakeBib{items: make(map[string]*models.BibItem)}
}

func (f *fakeBib) CreateItem(_ context.Context, item *models.BibItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := fmt.Sprintf("BIB%05d", f.seq)
	item.Key = key
	f.items[key] = item
	return key, nil
}

func (f *fakeBib) GetItem(_ context.Context, key string) (*models.BibItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, key)
	}
	return item, nil
}

func (f *fakeBib) UpdateItem(_ context.Context, item *models.BibItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.Key]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, item.Key)
	}
	f.items[item.Key] = item
	return nil
}

func (f *fakeBib) DeleteItem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
	return nil
}

func (f *fakeBib) Search(_ context.Context, _ []models.SearchCondition, _ int, _ bool) ([]*models.BibItem, error) {
	return nil, nil
}

func (f *fakeBib) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[key]
	return ok, nil
}

func (f *fakeBib) Ping(_ context.Context) error { return nil }

type fakeStorage struct {
	main    *fakeMain
	vectors *fakeVectors
	bib     *fakeBib
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{main: newFakeMain(), vectors: &fakeVectors{}, bib: newFakeBib()}
}

func (f *fakeStorage) Main() interfaces.MainStore           { return f.main }
func (f *fakeStorage) Coherence() interfaces.CoherenceStore { return fakeCoherence{} }
func (f *fakeStorage) Vectors() interfaces.VectorStore      { return f.vectors }
func (f *fakeStorage) History() interfaces.HistoryStore     { return fakeHistory{} }
func (f *fakeStorage) Forgotten() interfaces.ForgottenStore { return fakeForgotten{} }
func (f *fakeStorage) Bib() interfaces.BibSystem            { return f.bib }
func (f *fakeStorage) Health(_ context.Context) interfaces.HealthStatus {
	return interfaces.HealthStatus{Healthy: true}
}
func (f *fakeStorage) Close() error { return nil }

// ---- gateway fakes ----

type fakeLLM struct {
	mu            sync.Mutex
	completeCalls []interfaces.CompletionRequest
	batchCalls    int
	completeFn    func(req interfaces.CompletionRequest) (*interfaces.CompletionResult, error)
	structuredFn  func(req interfaces.StructuredRequest, out interfaces.Validatable) error
}

func (f *fakeLLM) Complete(_ context.Context, req interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
	f.mu.Lock()
	f.completeCalls = append(f.completeCalls, req)
	f.mu.Unlock()
	if f.completeFn != nil {
		return f.completeFn(req)
	}
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	if strings.Contains(prompt, "Translate the following text") {
		return &interfaces.CompletionResult{Content: "English translation."}, nil
	}
	return &interfaces.CompletionResult{Content: "A concise overview of the document."}, nil
}

func (f *fakeLLM) fillStructured(req interfaces.StructuredRequest, out interfaces.Validatable) error {
	if f.structuredFn != nil {
		return f.structuredFn(req, out)
	}
	switch v := out.(type) {
	case *models.DocumentMetadata:
		v.Title = "Extracted Title"
		v.Authors = []string{"Jane Doe"}
		v.Date = "2021"
	case *models.MetadataMatchDecision:
		v.Matches = true
		v.Confident = true
	case *models.ChapterDetection:
		v.Headings = []models.HeadingClassification{}
	case *chapterSummaryOut:
		v.Summary = "Chapter summary."
	}
	return nil
}

func (f *fakeLLM) GetStructuredOutput(_ context.Context, req interfaces.StructuredRequest, out interfaces.Validatable, _ interfaces.CompletionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fillStructured(req, out)
}

func (f *fakeLLM) GetStructuredOutputBatch(_ context.Context, requests []interfaces.StructuredRequest, newOut func() interfaces.Validatable, _ interfaces.CompletionOptions) (map[string]interfaces.StructuredOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	outcomes := make(map[string]interfaces.StructuredOutcome, len(requests))
	for _, req := range requests {
		out := newOut()
		err := f.fillStructured(req, out)
		if err != nil {
			outcomes[req.ID] = interfaces.StructuredOutcome{Err: err}
			continue
		}
		outcomes[req.ID] = interfaces.StructuredOutcome{Value: out}
	}
	return outcomes, nil
}

func (f *fakeLLM) RunToolAgent(_ context.Context, _ interfaces.AgentRequest, _ interfaces.Validatable) error {
	return nil
}

func (f *fakeLLM) EstimateTokens(text string) int { return len(text) / 4 }

func (f *fakeLLM) SelectTier(estimatedTokens int, preferred interfaces.Tier) interfaces.Tier {
	if estimatedTokens > interfaces.TierHaiku.SafeTokenLimit() {
		return interfaces.TierSonnet1M
	}
	return preferred
}

func (f *fakeLLM) HealthCheck(_ context.Context) error { return nil }
func (f *fakeLLM) Close() error                        { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (fakeEmbedder) EmbedLong(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (fakeEmbedder) ModelName() string                  { return "fake-embed" }
func (fakeEmbedder) Dimension() int                     { return 3 }
func (fakeEmbedder) IsAvailable(_ context.Context) bool { return true }

type fakeFetcher struct {
	mu      sync.Mutex
	dir     string
	result  *interfaces.FetchResult
	err     error
	lastURL string
	staged  map[string][]byte
}

func (f *fakeFetcher) GetURL(_ context.Context, url string, _ interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastURL = url
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeFetcher) Stage(name string, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staged == nil {
		f.staged = make(map[string][]byte)
	}
	f.staged[name] = content
	return filepath.Join(f.dir, name), nil
}

func (f *fakeFetcher) CountPDFPages(_ string) (int, error) { return 0, nil }

type fakeTranslator struct {
	items []*models.BibItem
	err   error
}

func (f *fakeTranslator) TranslateURL(_ context.Context, _ string) ([]*models.BibItem, error) {
	return f.items, f.err
}

func (f *fakeTranslator) TranslateIdentifier(_ context.Context, _ string) ([]*models.BibItem, error) {
	return f.items, f.err
}

type fakeDetector struct {
	code string
}

func (f *fakeDetector) Detect(_ string) (string, error) {
	if f.code == "" {
		return "", fmt.Errorf("%w: no language above confidence floor", interfaces.ErrNotFound)
	}
	return f.code, nil
}

func (f *fakeDetector) IsEnglish(_ string) bool { return f.code == "" || f.code == "en" }

// ---- harness ----

type processorFixture struct {
	processor *Processor
	storage   *fakeStorage
	llm       *fakeLLM
	fetcher   *fakeFetcher
	detector  *fakeDetector
}

func newFixture(t *testing.T) *processorFixture {
	t.Helper()
	storage := newFakeStorage()
	llm := &fakeLLM{}
	fetcher := &fakeFetcher{dir: t.TempDir()}
	detector := &fakeDetector{code: "en"}
	dumper := workflows.NewDumper(&common.WorkflowConfig{Mode: "prod"}, arbor.NewLogger())
	processor := NewProcessor(
		common.NewDefaultConfig().Pipeline,
		storage,
		llm,
		fakeEmbedder{},
		fetcher,
		&fakeTranslator{},
		detector,
		dumper,
		arbor.NewLogger(),
	)
	return &processorFixture{
		processor: processor,
		storage:   storage,
		llm:       llm,
		fetcher:   fetcher,
		detector:  detector,
	}
}

const shortDoc = `---
title: The Art of Memory
authors:
  - Frances Yates
---

# The Art of Memory

Jane Doe revisits the classical memory palace. Roman orators walked
imagined buildings and placed striking images in each room, retrieving
long speeches by walking the route again.`

func TestProcessDocumentMarkdown(t *testing.T) {
	fx := newFixture(t)

	state, err := fx.processor.ProcessDocument(context.Background(), shortDoc, "")
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, models.InputKindMarkdown, state.Kind)
	assert.Empty(t, state.Errors)
	assert.True(t, strings.HasPrefix(state.RunID, "run_"))

	// Front matter seeds the title, the metadata agent refines it
	assert.Equal(t, "Extracted Title", state.Title)
	require.NotNil(t, state.Metadata)
	assert.Equal(t, []string{"Jane Doe"}, state.Metadata.Authors)

	// Short documents never reach the chapter stage
	assert.False(t, state.NeedsTenthSummary)
	assert.Empty(t, state.L2ID)

	// L0 holds the content, stripped of front matter
	require.NotEmpty(t, state.L0ID)
	l0, err := fx.storage.main.Get(context.Background(), state.L0ID, models.CompressionOriginal)
	require.NoError(t, err)
	assert.Contains(t, l0.Content, "memory palace")
	assert.NotContains(t, l0.Content, "Frances Yates\n---")
	assert.Equal(t, false, l0.Metadata["placeholder"])

	// L1 derives from L0 and carries the embedding
	require.NotEmpty(t, state.L1ID)
	l1, err := fx.storage.main.Get(context.Background(), state.L1ID, models.CompressionShort)
	require.NoError(t, err)
	assert.Equal(t, []string{state.L0ID}, l1.SourceIDs)
	assert.Equal(t, "A concise overview of the document.", l1.Content)
	assert.NotEmpty(t, l1.Embedding)

	// Bib item was upgraded from pending to processed
	require.NotEmpty(t, state.BibKey)
	item, err := fx.storage.bib.GetItem(context.Background(), state.BibKey)
	require.NoError(t, err)
	assert.True(t, item.HasTag("processed"))
	assert.False(t, item.HasTag("pending"))
	assert.Equal(t, "Extracted Title", item.Field("title"))
	assert.Equal(t, "A concise overview of the document.", item.Field("abstractNote"))
	require.Len(t, item.Creators, 1)
	assert.Equal(t, "Doe", item.Creators[0].LastName)

	// Vectors: one full-text entry plus one per heading chunk
	assert.GreaterOrEqual(t, fx.storage.vectors.count(), 2)

	// Resolved markdown was staged under the run id
	assert.NotEmpty(t, state.StagingPath)
	_, ok := fx.fetcher.staged[state.RunID+".md"]
	assert.True(t, ok)

	// Author surname appears in the content, so the heuristic decides
	assert.True(t, state.Validation.Checked)
	assert.True(t, state.Validation.Matched)
	assert.Equal(t, models.ValidationMethodHeuristic, state.Validation.Method)
}

func TestProcessDocumentURL(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.result = &interfaces.FetchResult{
		Content:  "# Remote Page\n\nJane Doe wrote this remote body about distributed systems.",
		Provider: interfaces.FetchProviderStaging,
		Title:    "Remote Page",
		Pages:    4,
	}

	state, err := fx.processor.ProcessDocument(context.Background(), "https://example.org/paper", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, models.InputKindURL, state.Kind)
	assert.Equal(t, "https://example.org/paper", fx.fetcher.lastURL)
	assert.Equal(t, "https://example.org/paper", state.SourceURL)
	assert.Equal(t, 4, state.PageCount)

	item, err := fx.storage.bib.GetItem(context.Background(), state.BibKey)
	require.NoError(t, err)
	assert.Equal(t, "webpage", item.ItemType)
	assert.Equal(t, "https://example.org/paper", item.Field("url"))
}

func TestProcessDocumentDOI(t *testing.T) {
	fx := newFixture(t)
	resolved := &models.BibItem{
		ItemType: "journalArticle",
		Fields: map[string]string{
			"title": "Attention Is All You Need",
			"url":   "https://example.org/attention",
			"date":  "2017",
		},
		Creators: []models.Creator{{CreatorType: "author", FirstName: "Ashish", LastName: "Vaswani"}},
	}
	translator := &fakeTranslator{items: []*models.BibItem{resolved}}
	fx.processor.translator = translator
	fx.fetcher.result = &interfaces.FetchResult{
		Content:  "# Attention Is All You Need\n\nVaswani and colleagues introduce the transformer.",
		Provider: interfaces.FetchProviderStaging,
		Title:    "Attention Is All You Need",
	}

	state, err := fx.processor.ProcessDocument(context.Background(), "10.48550/arXiv.1706.03762", "")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.Equal(t, "https://example.org/attention", fx.fetcher.lastURL)
	assert.Equal(t, "https://example.org/attention", state.SourceURL)

	item, err := fx.storage.bib.GetItem(context.Background(), state.BibKey)
	require.NoError(t, err)
	assert.Equal(t, "journalArticle", item.ItemType)
	assert.Equal(t, "10.48550/arXiv.1706.03762", item.Field("DOI"))
}

func TestProcessDocumentFetchFailureAborts(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.err = fmt.Errorf("%w: connection refused", interfaces.ErrBackendUnavailable)

	state, err := fx.processor.ProcessDocument(context.Background(), "https://example.org/down", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	assert.Equal(t, models.StatusFailed, state.Status)
	assert.NotEmpty(t, state.Errors)
	// Nothing was registered before the failure
	assert.Empty(t, state.BibKey)
	assert.Empty(t, fx.storage.main.byLevel(models.CompressionOriginal))
}

func TestProcessDocumentEmptyInput(t *testing.T) {
	fx := newFixture(t)

	state, err := fx.processor.ProcessDocument(context.Background(), "   ", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
	assert.Equal(t, models.StatusFailed, state.Status)
}

func TestProcessDocumentNonEnglish(t *testing.T) {
	fx := newFixture(t)
	fx.detector.code = "de"

	doc := "# Die Kunst des Gedächtnisses\n\nJane Doe beschreibt die Gedächtnispaläste der römischen Redner."
	state, err := fx.processor.ProcessDocument(context.Background(), doc, "")
	require.NoError(t, err)

	assert.Equal(t, "de", state.LanguageCode)
	assert.Equal(t, "A concise overview of the document.", state.ShortSummaryOriginal)
	assert.Equal(t, "English translation.", state.ShortSummary)

	l1, err := fx.storage.main.Get(context.Background(), state.L1ID, models.CompressionShort)
	require.NoError(t, err)
	assert.Equal(t, "en", l1.LanguageCode)
	assert.Equal(t, "A concise overview of the document.", l1.Metadata["summary_original"])
	assert.Equal(t, "de", l1.Metadata["original_language"])
}

func TestProcessDocumentSoftFailureStillCompletes(t *testing.T) {
	fx := newFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		return fmt.Errorf("%w: schema never validated", interfaces.ErrStructuredOutputFailure)
	}

	state, err := fx.processor.ProcessDocument(context.Background(), shortDoc, "")
	require.NoError(t, err)

	// Metadata extraction failed but the document is ingested regardless
	assert.Equal(t, models.StatusCompleted, state.Status)
	assert.NotEmpty(t, state.Errors)
	assert.NotEmpty(t, state.L0ID)
	assert.NotEmpty(t, state.L1ID)
}

func TestProcessDocumentsBatch(t *testing.T) {
	fx := newFixture(t)

	results, err := fx.processor.ProcessDocumentsBatch(context.Background(), []string{shortDoc, "   "}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, models.StatusCompleted, results[0].Status)
	assert.NotEmpty(t, results[0].L0ID)
	assert.NotEmpty(t, results[0].BibKey)

	assert.Equal(t, models.StatusFailed, results[1].Status)
	assert.Equal(t, "   ", results[1].Input)
	assert.NotEmpty(t, results[1].Errors)
}

func TestProcessDocumentsBatchEmpty(t *testing.T) {
	fx := newFixture(t)
	results, err := fx.processor.ProcessDocumentsBatch(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Nil(t, results)
}
