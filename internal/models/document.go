package models

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
)

// Document processing status values
const (
	// StatusPending indicates the document has not started processing
	StatusPending = "pending"
	// StatusProcessing indicates the document is mid-pipeline
	StatusProcessing = "processing"
	// StatusCompleted indicates all stages finished
	StatusCompleted = "completed"
	// StatusFailed indicates the pipeline surfaced a non-recoverable error
	StatusFailed = "failed"
)

// InputKind classifies what the caller handed to the pipeline
type InputKind string

const (
	// InputKindURL means the source must be fetched and converted to markdown
	InputKindURL InputKind = "url"
	// InputKindMarkdown means the caller supplied raw markdown directly
	InputKindMarkdown InputKind = "markdown"
)

// DocumentState is the shared state value the processing graph mutates as a
// document moves through its nodes. One instance per document per run.
type DocumentState struct {
	// Identity
	RunID string    `json:"run_id"`
	Input string    `json:"input"` // URL or raw markdown
	Kind  InputKind `json:"kind"`

	// Resolved content
	Title       string `json:"title"`
	SourceURL   string `json:"source_url,omitempty"` // Fetched URL; differs from Input for DOI inputs
	StagingPath string `json:"staging_path,omitempty"` // Local path the resolved markdown was written to
	Markdown    string `json:"markdown,omitempty"`
	WordCount   int    `json:"word_count"`
	PageCount   int    `json:"page_count,omitempty"`
	ChunkCount  int    `json:"chunk_count,omitempty"`

	// Routing decisions
	NeedsTenthSummary bool   `json:"needs_tenth_summary"` // word_count > 2000
	LanguageCode      string `json:"language_code,omitempty"`

	// Store references
	BibKey string `json:"bib_key,omitempty"`
	L0ID   string `json:"l0_id,omitempty"`
	L1ID   string `json:"l1_id,omitempty"`
	L2ID   string `json:"l2_id,omitempty"`

	// Produced summaries. For non-English sources both the original-language
	// and translated variants are kept side by side.
	ShortSummary         string `json:"short_summary,omitempty"`
	ShortSummaryOriginal string `json:"short_summary_original,omitempty"`
	TenthSummary         string `json:"tenth_summary,omitempty"`
	TenthSummaryOriginal string `json:"tenth_summary_original,omitempty"`

	// Extracted structure
	Chapters []Chapter         `json:"chapters,omitempty"`
	Metadata *DocumentMetadata `json:"metadata,omitempty"`

	// Outcome
	Validation *ContentValidation `json:"validation,omitempty"`
	Status     string             `json:"status"`
	Errors     []string           `json:"errors,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// AddError appends a pipeline error without aborting the run
func (s *DocumentState) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// Chapter is one chapter-level slice of a document, located by byte offsets
// into the resolved markdown. Order in the slice is the order of appearance.
type Chapter struct {
	Title       string `json:"title"`
	Author      string `json:"author,omitempty"` // Set for multi-author books
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	WordCount   int    `json:"word_count"`
	Content     string `json:"-"` // Chapter text; excluded from dumps to keep them readable
}

// DocumentMetadata is the bibliographic metadata extracted from content.
// Produced by structured extraction; all fields are optional because sources
// vary wildly in what they disclose.
type DocumentMetadata struct {
	Title          string            `json:"title,omitempty"`
	Authors        []string          `json:"authors,omitempty"`
	Date           string            `json:"date,omitempty"`
	Publisher      string            `json:"publisher,omitempty"`
	ISBN           string            `json:"isbn,omitempty"`
	IsMultiAuthor  bool              `json:"is_multi_author,omitempty"`
	ChapterAuthors map[string]string `json:"chapter_authors,omitempty"` // chapter title -> author
}

// Validate validates the schema using go-playground/validator
func (m *DocumentMetadata) Validate() error {
	validate := validator.New()
	return validate.Struct(m)
}

// Merge fills empty fields of m from other without overwriting populated ones
func (m *DocumentMetadata) Merge(other *DocumentMetadata) {
	if other == nil {
		return
	}
	if m.Title == "" {
		m.Title = other.Title
	}
	if len(m.Authors) == 0 {
		m.Authors = other.Authors
	}
	if m.Date == "" {
		m.Date = other.Date
	}
	if m.Publisher == "" {
		m.Publisher = other.Publisher
	}
	if m.ISBN == "" {
		m.ISBN = other.ISBN
	}
	if other.IsMultiAuthor {
		m.IsMultiAuthor = true
	}
	if len(other.ChapterAuthors) > 0 {
		if m.ChapterAuthors == nil {
			m.ChapterAuthors = make(map[string]string)
		}
		for k, v := range other.ChapterAuthors {
			if _, exists := m.ChapterAuthors[k]; !exists {
				m.ChapterAuthors[k] = v
			}
		}
	}
}

// ToMap converts typed metadata to map for storage
func (m *DocumentMetadata) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HeadingClassification is the per-heading element of the chapter-detection
// schema. The model answers with a single bool per heading; multi-author
// books also get a chapter author.
type HeadingClassification struct {
	Heading   string `json:"heading" validate:"required"`
	IsChapter bool   `json:"is_chapter"`
	Author    string `json:"author,omitempty"`
}

// ChapterDetection is the structured-output schema for chapter-level heading
// classification
type ChapterDetection struct {
	Headings []HeadingClassification `json:"headings" validate:"required,dive"`
}

// Validate validates the schema using go-playground/validator
func (c *ChapterDetection) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// ValidationMethod identifies how a content/metadata check was decided
type ValidationMethod string

const (
	ValidationMethodHeuristic ValidationMethod = "heuristic"
	ValidationMethodLLM       ValidationMethod = "llm"
)

// ContentValidation is the outcome of the post-extraction content vs.
// metadata check. A mismatch never aborts the pipeline; it annotates the
// result so batch callers can act on it.
type ContentValidation struct {
	Checked  bool             `json:"checked"`
	Matched  bool             `json:"matched"`
	Method   ValidationMethod `json:"method,omitempty"`
	Details  string           `json:"details,omitempty"`
	Mismatch bool             `json:"mismatch"`
}

// MetadataMatchDecision is the structured-output schema for the LLM fallback
// of the content/metadata check. The bias is lenient: mismatch only on clear
// evidence.
type MetadataMatchDecision struct {
	Matches   bool   `json:"matches"`
	Evidence  string `json:"evidence,omitempty"`
	Confident bool   `json:"confident"`
}

// Validate validates the schema using go-playground/validator
func (d *MetadataMatchDecision) Validate() error {
	validate := validator.New()
	return validate.Struct(d)
}

// ProcessResult is the per-document outcome of a batch ingestion run
type ProcessResult struct {
	Input           string   `json:"input"`
	Status          string   `json:"status"` // completed or failed
	L0ID            string   `json:"l0_id,omitempty"`
	L1ID            string   `json:"l1_id,omitempty"`
	L2ID            string   `json:"l2_id,omitempty"`
	BibKey          string   `json:"bib_key,omitempty"`
	ValidationError string   `json:"validation_error,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}
