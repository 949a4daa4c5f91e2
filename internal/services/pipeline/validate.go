package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// validationSampleChars bounds how much of the document the match check
// reads. ISBNs, author names and dates live near the front of real
// documents; past the first pages the check only adds cost.
const validationSampleChars = 8000

var yearPattern = regexp.MustCompile(`\b(1[5-9]\d{2}|20\d{2})\b`)

// validateContent checks that the extracted metadata plausibly describes
// the fetched content. Cheap heuristics (ISBN literal, author surname,
// publication year) decide first; only an inconclusive result pays for an
// LLM judgment. The bias is lenient throughout: a mismatch is recorded
// only on confident disagreement, because a false alarm blocks a document
// that is usually fine.
func (p *Processor) validateContent(ctx context.Context, log arbor.ILogger, state *models.DocumentState) {
	meta := state.Metadata
	if meta == nil || (meta.ISBN == "" && len(meta.Authors) == 0 && meta.Date == "") {
		state.Validation = &models.ContentValidation{Checked: false}
		return
	}

	sample := state.Markdown
	if len(sample) > validationSampleChars {
		sample = sample[:validationSampleChars]
	}

	if detail, ok := matchHeuristics(meta, sample); ok {
		state.Validation = &models.ContentValidation{
			Checked: true,
			Matched: true,
			Method:  models.ValidationMethodHeuristic,
			Details: detail,
		}
		log.Debug().Str("evidence", detail).Msg("Metadata matched content heuristically")
		return
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		state.AddError(fmt.Sprintf("validate content: %v", err))
		return
	}

	var decision models.MetadataMatchDecision
	err = p.llm.GetStructuredOutput(ctx, interfaces.StructuredRequest{
		ID:     "metadata-match",
		System: documentAnalysisSystem,
		Prompt: metadataMatchPrompt(string(metaJSON), sample),
	}, &decision, interfaces.CompletionOptions{
		Tier:  interfaces.TierHaiku,
		RunID: state.RunID,
	})
	if err != nil {
		state.AddError(fmt.Sprintf("validate content: %v", err))
		log.Warn().Err(err).Msg("Metadata match check failed, treating as matched")
		state.Validation = &models.ContentValidation{
			Checked: true,
			Matched: true,
			Method:  models.ValidationMethodLLM,
			Details: "check failed, lenient default applied",
		}
		return
	}

	matched := decision.Matches || !decision.Confident
	state.Validation = &models.ContentValidation{
		Checked:  true,
		Matched:  matched,
		Method:   models.ValidationMethodLLM,
		Details:  decision.Evidence,
		Mismatch: !matched,
	}
	if !matched {
		log.Warn().Str("evidence", decision.Evidence).Msg("Metadata does not match fetched content")
	}
}

// matchHeuristics returns a description of the first heuristic that ties
// the metadata to the sample, or false when none applies.
func matchHeuristics(meta *models.DocumentMetadata, sample string) (string, bool) {
	lowerSample := strings.ToLower(sample)

	if meta.ISBN != "" {
		needle := normalizeISBN(meta.ISBN)
		if needle != "" && strings.Contains(normalizeISBN(sample), needle) {
			return fmt.Sprintf("ISBN %s present in content", meta.ISBN), true
		}
	}

	for _, author := range meta.Authors {
		surname := strings.ToLower(models.ParseCreator("author", author).LastName)
		if len(surname) >= 3 && strings.Contains(lowerSample, surname) {
			return fmt.Sprintf("author surname %q present in content", surname), true
		}
	}

	if year := yearPattern.FindString(meta.Date); year != "" {
		if strings.Contains(sample, year) {
			return fmt.Sprintf("publication year %s present in content", year), true
		}
	}

	return "", false
}

// normalizeISBN strips separators so hyphenation differences do not matter
func normalizeISBN(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == 'X' || r == 'x' {
			b.WriteRune(r)
		}
	}
	return strings.ToUpper(b.String())
}
