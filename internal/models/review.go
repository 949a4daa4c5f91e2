package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// LoopSelection selects the highest review loop to run
type LoopSelection string

const (
	LoopsNone  LoopSelection = "none"
	LoopsOne   LoopSelection = "one"
	LoopsTwo   LoopSelection = "two"
	LoopsThree LoopSelection = "three"
	LoopsFour  LoopSelection = "four"
	// LoopsAll includes the cohesion gate and the fact/reference check
	LoopsAll LoopSelection = "all"
)

// HighestLoop returns the numeric ceiling a selection allows (0 disables all loops)
func (l LoopSelection) HighestLoop() int {
	switch l {
	case LoopsNone:
		return 0
	case LoopsOne:
		return 1
	case LoopsTwo:
		return 2
	case LoopsThree:
		return 3
	case LoopsFour:
		return 4
	case LoopsAll:
		return 5
	default:
		return 5
	}
}

// QualitySettings derives loop budgets from a single user-facing knob
type QualitySettings struct {
	MaxStages    int  `json:"max_stages"`
	VerifyBib    bool `json:"verify_bib"`    // Verify citation keys against the bibliographic system
	VerifyAll    bool `json:"verify_all"`    // Verify every key, not just newly introduced ones
	OpusAnalysis bool `json:"opus_analysis"` // Use the deep-reasoning tier for analytical phases
}

// MaxIterations derives each loop's iteration budget from max_stages.
// The budget is lower-bounded at 2 so self-correction is always possible.
func (q QualitySettings) MaxIterations() int {
	n := q.MaxStages
	if n < 2 {
		n = 2
	}
	return n
}

// ReviewState is the cross-loop working state. The review text itself is the
// only field loops rewrite; corpus references are treated as read-only inside
// loops.
type ReviewState struct {
	RunID         string            `json:"run_id"`
	CurrentReview string            `json:"current_review"`
	Quality       QualitySettings   `json:"quality"`
	PaperSummaries map[string]string `json:"paper_summaries,omitempty"` // bib_key -> summary text
	ZoteroKeys    []string          `json:"zotero_keys,omitempty"`     // Keys known to the corpus at start
	ExploredBases []string          `json:"explored_bases,omitempty"`  // Literature bases already integrated
	Errors        []LoopFailure     `json:"errors,omitempty"`
	Revisions     []DocumentRevision `json:"revisions,omitempty"`
	Progress      MultiLoopProgress `json:"progress"`
}

// KnownKey reports whether a citation key was part of the initial corpus
func (s *ReviewState) KnownKey(key string) bool {
	if _, ok := s.PaperSummaries[key]; ok {
		return true
	}
	for _, k := range s.ZoteroKeys {
		if k == key {
			return true
		}
	}
	return false
}

// LoopFailure is a structured record of a node-level error inside a loop.
// Loops tolerate failures up to a consecutive-failure bound before
// finalizing early.
type LoopFailure struct {
	LoopNumber   int    `json:"loop_number"`
	Iteration    int    `json:"iteration"`
	NodeName     string `json:"node_name"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Recoverable  bool   `json:"recoverable"`
}

// DocumentRevision records a loop transition where the review text changed
type DocumentRevision struct {
	LoopNumber int       `json:"loop_number"`
	Iteration  int       `json:"iteration"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	Diff       string    `json:"diff"`
	CreatedAt  time.Time `json:"created_at"`
}

// MultiLoopProgress tracks per-loop iteration counts across a full run
type MultiLoopProgress struct {
	LoopIterations   map[int]int `json:"loop_iterations,omitempty"` // loop number -> iterations run
	Loop3RepeatCount int         `json:"loop3_repeat_count"`        // Bounded re-entries from the cohesion gate
}

// RecordIteration bumps the iteration count for a loop
func (p *MultiLoopProgress) RecordIteration(loop int) {
	if p.LoopIterations == nil {
		p.LoopIterations = make(map[int]int)
	}
	p.LoopIterations[loop]++
}

// ReviewResult is the user-visible outcome of a review run. A run that hit
// only recoverable loop failures still returns a best-effort review.
type ReviewResult struct {
	FinalReview      string             `json:"final_review"`
	CompletionReason string             `json:"completion_reason"`
	Errors           []LoopFailure      `json:"errors,omitempty"`
	Revisions        []DocumentRevision `json:"revisions,omitempty"`
	Progress         MultiLoopProgress  `json:"progress"`
}

// ---------------------------------------------------------------------------
// Loop 1 - theoretical depth
// ---------------------------------------------------------------------------

// SupervisorAction is the tagged decision of the loop-1 supervisor
type SupervisorAction string

const (
	SupervisorConductResearch  SupervisorAction = "conduct_research"
	SupervisorRefineDraft      SupervisorAction = "refine_draft"
	SupervisorCheckFact        SupervisorAction = "check_fact"
	SupervisorResearchComplete SupervisorAction = "research_complete"
)

// SupervisorDecision is the structured-output schema for the loop-1
// supervisor. Exactly one action is taken per iteration; the payload fields
// used depend on the action.
type SupervisorDecision struct {
	Action    SupervisorAction `json:"action" validate:"required,oneof=conduct_research refine_draft check_fact research_complete"`
	Questions []string         `json:"questions,omitempty"` // conduct_research
	Updates   string           `json:"updates,omitempty"`   // refine_draft
	Gaps      []string         `json:"gaps,omitempty"`      // refine_draft
	Claim     string           `json:"claim,omitempty"`     // check_fact
	Reasoning string           `json:"reasoning,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (d *SupervisorDecision) Validate() error {
	validate := validator.New()
	return validate.Struct(d)
}

// ResearchFinding is one answer gathered by the loop-1 researcher
type ResearchFinding struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Sources  []string `json:"sources,omitempty"`
}

// ---------------------------------------------------------------------------
// Loop 2 - literature base expansion
// ---------------------------------------------------------------------------

// LiteratureBase names a body of literature worth integrating, with the
// queries that would surface it and how to splice it in
type LiteratureBase struct {
	Name                string   `json:"name" validate:"required"`
	SearchQueries       []string `json:"search_queries" validate:"required,min=1"`
	IntegrationStrategy string   `json:"integration_strategy" validate:"required"`
}

// LiteratureBaseAction is the tagged decision of the loop-2 analyzer
type LiteratureBaseAction string

const (
	LiteratureExpand   LiteratureBaseAction = "expand_base"
	LiteratureComplete LiteratureBaseAction = "complete"
	LiteratureError    LiteratureBaseAction = "error"
)

// LiteratureBaseDecision is the structured-output schema for the loop-2
// analyzer. The error case is a first-class variant, not an exception.
type LiteratureBaseDecision struct {
	Action    LiteratureBaseAction `json:"action" validate:"required,oneof=expand_base complete error"`
	Base      *LiteratureBase      `json:"base,omitempty"` // expand_base
	Reasoning string               `json:"reasoning,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (d *LiteratureBaseDecision) Validate() error {
	validate := validator.New()
	if err := validate.Struct(d); err != nil {
		return err
	}
	if d.Action == LiteratureExpand && d.Base == nil {
		return fmt.Errorf("expand_base decision is missing its literature base")
	}
	return nil
}

// MiniReviewResult is what the reduced-quality subworkflow returns for one
// literature base
type MiniReviewResult struct {
	Text    string            `json:"text"`
	DOIKeys map[string]string `json:"doi_keys,omitempty"` // DOI -> bib_key
}

// ---------------------------------------------------------------------------
// Loop 3 - structure and cohesion
// ---------------------------------------------------------------------------

// StructuralIssueType classifies what is wrong with a region of the review
type StructuralIssueType string

const (
	IssueRedundancy        StructuralIssueType = "redundancy"
	IssueMissingTransition StructuralIssueType = "missing_transition"
	IssueMisplacedContent  StructuralIssueType = "misplaced_content"
	IssueSplitNeeded       StructuralIssueType = "split_needed"
	IssueOrdering          StructuralIssueType = "ordering"
	IssueMissingFraming    StructuralIssueType = "missing_framing"
)

// IssueResolution is the suggested way to fix a structural issue
type IssueResolution string

const (
	ResolutionRewrite IssueResolution = "rewrite"
	ResolutionMove    IssueResolution = "move"
	ResolutionSplit   IssueResolution = "split"
	ResolutionMerge   IssueResolution = "merge"
	ResolutionAdd     IssueResolution = "add"
)

// StructuralIssue is one problem surfaced by the loop-3 analysis phase.
// AffectedParagraphs are 1-based indices into the numbered paragraph list.
type StructuralIssue struct {
	IssueID             string              `json:"issue_id" validate:"required"`
	Type                StructuralIssueType `json:"type" validate:"required,oneof=redundancy missing_transition misplaced_content split_needed ordering missing_framing"`
	Severity            string              `json:"severity,omitempty"`
	AffectedParagraphs  []int               `json:"affected_paragraphs" validate:"required,min=1"`
	SuggestedResolution IssueResolution     `json:"suggested_resolution" validate:"required,oneof=rewrite move split merge add"`
	Description         string              `json:"description,omitempty"`
}

// MaxAffectedParagraph returns the largest paragraph index the issue touches.
// Resolution proceeds in reverse order of this value so earlier indices stay
// stable while later ranges are rewritten.
func (i *StructuralIssue) MaxAffectedParagraph() int {
	max := 0
	for _, p := range i.AffectedParagraphs {
		if p > max {
			max = p
		}
	}
	return max
}

// StructureAnalysis is the structured-output schema of loop-3 phase A
type StructureAnalysis struct {
	Issues             []StructuralIssue `json:"issues" validate:"dive"`
	OverallAssessment  string            `json:"overall_assessment,omitempty"`
	NeedsRestructuring bool              `json:"needs_restructuring"`
}

// Validate validates the schema using go-playground/validator
func (a *StructureAnalysis) Validate() error {
	validate := validator.New()
	return validate.Struct(a)
}

// SectionRewrite is the structured-output schema of a loop-3 phase B rewrite
type SectionRewrite struct {
	RewrittenText string `json:"rewritten_text" validate:"required"`
	Notes         string `json:"notes,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (r *SectionRewrite) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// ArchitectureVerificationResult scores the document after a loop-3
// iteration. The loop continues while the score is below the coherence
// threshold and issues or regressions remain.
type ArchitectureVerificationResult struct {
	CoherenceScore        float64  `json:"coherence_score" validate:"gte=0,lte=1"`
	IssuesResolved        []string `json:"issues_resolved,omitempty"`
	IssuesRemaining       []string `json:"issues_remaining,omitempty"`
	RegressionsIntroduced []string `json:"regressions_introduced,omitempty"`
	NeedsAnotherIteration bool     `json:"needs_another_iteration"`
}

// Validate validates the schema using go-playground/validator
func (r *ArchitectureVerificationResult) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// ---------------------------------------------------------------------------
// Loop 4 - parallel section editing
// ---------------------------------------------------------------------------

// SectionType classifies a section for word-count policy purposes
type SectionType string

const (
	SectionAbstract     SectionType = "abstract"
	SectionIntroduction SectionType = "introduction"
	SectionMethodology  SectionType = "methodology"
	SectionConclusion   SectionType = "conclusion"
	SectionContent      SectionType = "content"
)

// Section is one editable slice of the review, preserving its position so
// reassembly is deterministic by original start line
type Section struct {
	ID        string      `json:"id"` // Unique; collisions resolved with numeric suffixes
	Heading   string      `json:"heading"`
	Level     int         `json:"level"` // Markdown heading level, 0 for preamble
	Content   string      `json:"content"`
	StartLine int         `json:"start_line"`
	Type      SectionType `json:"type"`
}

// WordCount returns the whitespace-separated word count of the section body
func (s *Section) WordCount() int {
	return len(strings.Fields(s.Content))
}

// SectionEdit is the structured-output schema of a loop-4 section editor
type SectionEdit struct {
	EditedContent string  `json:"edited_content" validate:"required"`
	Confidence    float64 `json:"confidence" validate:"gte=0,lte=1"`
	ChangesMade   string  `json:"changes_made,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (e *SectionEdit) Validate() error {
	validate := validator.New()
	return validate.Struct(e)
}

// SectionEditResult is the applied outcome for one section after citation
// validation and word-count enforcement
type SectionEditResult struct {
	SectionID  string   `json:"section_id"`
	Content    string   `json:"content"`
	Accepted   bool     `json:"accepted"`
	Reverted   bool     `json:"reverted"`
	Confidence float64  `json:"confidence"`
	Notes      []string `json:"notes,omitempty"`
}

// TodoResolution is the structured-output schema of the TODO resolution pass
type TodoResolution struct {
	Resolved    bool   `json:"resolved"`
	Replacement string `json:"replacement,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (t *TodoResolution) Validate() error {
	validate := validator.New()
	return validate.Struct(t)
}

// HolisticReview is the structured-output schema of the loop-4 whole-document
// check
type HolisticReview struct {
	SectionsApproved      []string          `json:"sections_approved,omitempty"`
	SectionsFlagged       []string          `json:"sections_flagged,omitempty"`
	FlaggedReasons        map[string]string `json:"flagged_reasons,omitempty"`
	OverallCoherenceScore float64           `json:"overall_coherence_score" validate:"gte=0,lte=1"`
}

// Validate validates the schema using go-playground/validator
func (h *HolisticReview) Validate() error {
	validate := validator.New()
	return validate.Struct(h)
}

// ---------------------------------------------------------------------------
// Loop 4.5 - cohesion gate
// ---------------------------------------------------------------------------

// CohesionCheckResult decides whether the orchestrator routes back to the
// structural loop
type CohesionCheckResult struct {
	NeedsRestructuring bool   `json:"needs_restructuring"`
	Reasoning          string `json:"reasoning,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (c *CohesionCheckResult) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// ---------------------------------------------------------------------------
// Loop 5 - fact and reference check
// ---------------------------------------------------------------------------

// EditType classifies a find/replace edit
type EditType string

const (
	EditFactCorrection EditType = "fact_correction"
	EditCitationFix    EditType = "citation_fix"
	EditClarity        EditType = "clarity"
)

// Edit is a single find/replace instruction. Find must occur exactly once in
// the current document; duplicates and missing strings are invalid.
type Edit struct {
	Find     string   `json:"find" validate:"required"`
	Replace  string   `json:"replace"`
	EditType EditType `json:"edit_type" validate:"required,oneof=fact_correction citation_fix clarity"`
}

// DocumentEdits is the structured-output schema of the loop-5 fact and
// reference passes
type DocumentEdits struct {
	Edits           []Edit   `json:"edits" validate:"dive"`
	AmbiguousClaims []string `json:"ambiguous_claims,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (d *DocumentEdits) Validate() error {
	validate := validator.New()
	return validate.Struct(d)
}

// CitationAction is how an invalid citation key gets repaired
type CitationAction string

const (
	CitationSubstitute CitationAction = "substitute"
	CitationRemove     CitationAction = "remove"
	CitationRewrite    CitationAction = "rewrite"
)

// CitationFix is the structured-output schema for repairing one invalid
// citation key: substitute a verified key, remove the citation, or rewrite
// the claim
type CitationFix struct {
	Action        CitationAction `json:"action" validate:"required,oneof=substitute remove rewrite"`
	SubstituteKey string         `json:"substitute_key,omitempty"`
	RewrittenText string         `json:"rewritten_text,omitempty"`
	Reasoning     string         `json:"reasoning,omitempty"`
}

// Validate validates the schema using go-playground/validator
func (c *CitationFix) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// TodoVerdict is the structured-output schema for the loop-5 TODO audit.
// Genuine corpus-gap or methodological placeholders are discarded; the rest
// become human-review items.
type TodoVerdict struct {
	Marker      string `json:"marker" validate:"required"`
	Discard     bool   `json:"discard"`
	HumanReview bool   `json:"human_review"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// TodoAudit is the batch wrapper for TODO verdicts
type TodoAudit struct {
	Verdicts []TodoVerdict `json:"verdicts" validate:"dive"`
}

// Validate validates the schema using go-playground/validator
func (t *TodoAudit) Validate() error {
	validate := validator.New()
	return validate.Struct(t)
}
