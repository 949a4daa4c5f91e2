package review

import (
	"fmt"
	"strings"

	"github.com/thala-research/thala/internal/models"
)

// reviewEditorSystem is the shared prefix for every call that touches the
// review text. Keeping it stable across calls lets the provider cache it.
const reviewEditorSystem = `You are an academic editor working on a literature review for publication.
You preserve the author's argument and voice, keep every [@KEY] citation exactly as written unless
explicitly instructed otherwise, and never invent sources. Citations you add must come from the
supplied paper corpus or from tool results.`

const supervisorSystem = reviewEditorSystem + `
You supervise the theoretical deepening of the review. Each turn you pick exactly one action:
conduct_research to pose open questions against the paper corpus, refine_draft to fold gathered
findings into the text, check_fact to verify a single load-bearing claim, or research_complete
when the theoretical framing is sound.`

const researcherSystem = reviewEditorSystem + `
You answer one research question from the ingested paper corpus. Search the corpus, read what you
need, and answer with the bib keys of the papers that support each point.`

const refineSystem = reviewEditorSystem + `
You rewrite the review to incorporate research findings. Keep the overall structure, deepen the
argument where the findings support it, and respond with the complete revised review text only.`

const factVerdictSystem = `You are a fact checker. Given a claim and search evidence, state whether the
evidence supports, contradicts, or fails to settle the claim, in two or three sentences.`

const literatureAnalyzerSystem = reviewEditorSystem + `
You decide whether the review's literature base needs expanding. When a relevant body of work is
missing, name it, give the search queries that would surface it, and say how its findings should be
integrated. Report complete when the base covers the argument.`

const integrateSystem = reviewEditorSystem + `
You splice the findings of a supplementary mini-review into the main review, following the declared
integration strategy. Respond with the complete revised review text only.`

const structureAnalysisSystem = reviewEditorSystem + `
You analyze the structural architecture of the review: ordering, transitions, redundancy, framing.
Paragraphs are numbered [P1]..[Pn]; report issues against those numbers only.`

const structureRewriteSystem = reviewEditorSystem + `
You rewrite one region of the review to fix a single structural issue. Change only the numbered
region given to you; the surrounding paragraphs are read-only context. Preserve every citation.`

const structureVerifySystem = reviewEditorSystem + `
You verify a structural revision pass: score the document's coherence between 0 and 1, and report
which of the identified issues were resolved, which remain, and any regressions the pass introduced.`

const sectionEditorSystem = reviewEditorSystem + `
You edit one section of the review for depth, precision and flow. Use the paper tools when you need
evidence beyond the supplied summaries. Sections around yours are read-only context; edit only the
section you were given.`

const todoResolverSystem = reviewEditorSystem + `
You resolve one editorial TODO marker. Use the tools to find the missing evidence; if you can
resolve it, supply replacement text that fits the surrounding prose. If the corpus cannot support a
resolution, say so rather than inventing one.`

const holisticSystem = reviewEditorSystem + `
You judge the edited review as a whole: which sections hold up and which need another editing pass.
Score the overall coherence between 0 and 1.`

const cohesionSystem = reviewEditorSystem + `
You judge whether the review's large-scale structure still serves its argument after editing, or
whether the document needs restructuring before publication.`

const factCheckPassSystem = reviewEditorSystem + `
You check one section for factual accuracy. Propose corrections as exact find/replace edits: the
find string must be copied verbatim from the section and must be unique within the whole document.
Claims you cannot settle go in ambiguous_claims instead of edits.`

const referencePassSystem = reviewEditorSystem + `
You check one section's citations: every [@KEY] must support the claim it is attached to. Propose
corrections as exact find/replace edits with the find string copied verbatim from the section.
Do not invent new citation keys.`

const citationFixSystem = reviewEditorSystem + `
You repair one invalid citation. Search the paper corpus for a source that supports the claim:
substitute its key if one exists, remove the citation if the claim stands without it, or rewrite
the claim if it only holds with the lost source.`

const todoAuditSystem = `You audit editorial TODO markers left in a finished literature review. A marker that
records a genuine corpus gap or a methodological placeholder should be discarded silently; a marker
that flags a possible factual or citation problem needs human review. Judge each marker.`

// ---------------------------------------------------------------------------
// Loop 1
// ---------------------------------------------------------------------------

func buildSupervisorPrompt(state *models.ReviewState, findings []models.ResearchFinding, gaps []string, iteration, maxIterations int, completeness float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d of %d. Research completeness estimate: %.2f.\n", iteration, maxIterations, completeness)
	if len(gaps) > 0 {
		b.WriteString("Open gaps from the last refinement:\n")
		for _, g := range gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	if len(findings) > 0 {
		fmt.Fprintf(&b, "\nFindings gathered so far (%d):\n", len(findings))
		for _, f := range findings {
			fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", f.Question, firstChars(f.Answer, 400))
		}
	}
	b.WriteString("\nDecide the next action.\n\n---\n\n")
	b.WriteString(state.CurrentReview)
	return b.String()
}

func buildResearchPrompt(question string, state *models.ReviewState) string {
	var b strings.Builder
	b.WriteString("Answer the following question from the paper corpus, citing bib keys for every supported point.\n\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	if len(state.ExploredBases) > 0 {
		fmt.Fprintf(&b, "\nLiterature bases already integrated: %s\n", strings.Join(state.ExploredBases, ", "))
	}
	return b.String()
}

func buildRefinePrompt(review string, decision models.SupervisorDecision, findings []models.ResearchFinding) string {
	var b strings.Builder
	b.WriteString("Revise the review below.\n\nRequested updates:\n")
	b.WriteString(decision.Updates)
	if len(decision.Gaps) > 0 {
		b.WriteString("\n\nGaps to address:\n")
		for _, g := range decision.Gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	if len(findings) > 0 {
		b.WriteString("\nResearch findings to draw on:\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "- Q: %s\n  A: %s\n", f.Question, f.Answer)
			if len(f.Sources) > 0 {
				fmt.Fprintf(&b, "  Sources: %s\n", strings.Join(f.Sources, ", "))
			}
		}
	}
	b.WriteString("\n---\n\n")
	b.WriteString(review)
	return b.String()
}

func buildFactVerdictPrompt(claim string, evidence string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Claim: %s\n\nSearch evidence:\n%s", claim, evidence)
	return b.String()
}

// ---------------------------------------------------------------------------
// Loop 2
// ---------------------------------------------------------------------------

func buildAnalyzerPrompt(state *models.ReviewState, iteration, maxIterations int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d of %d.\n", iteration, maxIterations)
	if len(state.ExploredBases) > 0 {
		fmt.Fprintf(&b, "Bases already integrated, do not propose them again: %s\n", strings.Join(state.ExploredBases, ", "))
	}
	b.WriteString("\nDoes the review below need another literature base?\n\n---\n\n")
	b.WriteString(state.CurrentReview)
	return b.String()
}

func buildIntegratePrompt(review string, base models.LiteratureBase, miniReview string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Integrate the findings below into the main review.\n\nLiterature base: %s\nIntegration strategy: %s\n", base.Name, base.IntegrationStrategy)
	b.WriteString("\nMini-review to integrate:\n\n")
	b.WriteString(miniReview)
	b.WriteString("\n\n---\n\nMain review:\n\n")
	b.WriteString(review)
	return b.String()
}

// ---------------------------------------------------------------------------
// Loop 3
// ---------------------------------------------------------------------------

func buildStructurePrompt(numbered string) string {
	return "Analyze the structure of the following review. Report each issue with the paragraph numbers it affects.\n\n" + numbered
}

func buildRewritePrompt(issue models.StructuralIssue, region []string, before []string, after []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix one structural issue: %s (%s). Suggested resolution: %s.\n", issue.Description, issue.Type, issue.SuggestedResolution)
	b.WriteString("Rewrite the affected region only. Respond with the rewritten region as rewritten_text.\n")
	if len(before) > 0 {
		b.WriteString("\nContext before (read-only):\n\n")
		b.WriteString(strings.Join(before, "\n\n"))
	}
	b.WriteString("\n\nAffected region:\n\n")
	b.WriteString(strings.Join(region, "\n\n"))
	if len(after) > 0 {
		b.WriteString("\n\nContext after (read-only):\n\n")
		b.WriteString(strings.Join(after, "\n\n"))
	}
	return b.String()
}

func buildVerifyPrompt(numbered string, issues []models.StructuralIssue) string {
	var b strings.Builder
	b.WriteString("A structural revision pass attempted to fix the following issues:\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s (%s): %s\n", issue.IssueID, issue.Type, issue.Description)
	}
	b.WriteString("\nVerify the revised document below.\n\n")
	b.WriteString(numbered)
	return b.String()
}

// ---------------------------------------------------------------------------
// Loop 4
// ---------------------------------------------------------------------------

type citedSummary struct {
	key  string
	text string
}

func buildSectionEditPrompt(section models.Section, window []models.Section, summaries []citedSummary, instruction string, retryFeedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Edit the %s section below. %s\n", section.Type, instruction)
	if retryFeedback != "" {
		fmt.Fprintf(&b, "\nYour previous edit was rejected: %s\n", retryFeedback)
	}
	if len(summaries) > 0 {
		b.WriteString("\nSummaries of the papers this section cites:\n")
		for _, s := range summaries {
			fmt.Fprintf(&b, "\n[@%s]\n%s\n", s.key, s.text)
		}
	}
	if len(window) > 0 {
		b.WriteString("\nSurrounding sections (read-only context):\n")
		for _, w := range window {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", w.ID, firstChars(w.Content, 2000))
		}
	}
	b.WriteString("\n=== Section to edit ===\n\n")
	b.WriteString(section.Content)
	return b.String()
}

func buildTodoPrompt(marker string, surrounding string) string {
	var b strings.Builder
	b.WriteString("Resolve the editorial TODO marker below. If the corpus supports a resolution, supply replacement text that fits the surrounding prose; otherwise report it unresolved.\n")
	fmt.Fprintf(&b, "\nMarker: %s\n", marker)
	if surrounding != "" {
		b.WriteString("\nSurrounding text:\n\n")
		b.WriteString(surrounding)
	}
	return b.String()
}

func buildHolisticPrompt(review string, sectionIDs []string) string {
	var b strings.Builder
	b.WriteString("Judge the edited review below. Approve or flag each section by id.\n\nSection ids: ")
	b.WriteString(strings.Join(sectionIDs, ", "))
	b.WriteString("\n\n---\n\n")
	b.WriteString(review)
	return b.String()
}

func buildHolisticSimplePrompt(review string, sectionIDs []string) string {
	var b strings.Builder
	b.WriteString("List the section ids that need another editing pass in sections_flagged and the rest in sections_approved, and give an overall coherence score between 0 and 1. The section ids are: ")
	b.WriteString(strings.Join(sectionIDs, ", "))
	b.WriteString("\n\n---\n\n")
	b.WriteString(review)
	return b.String()
}

func buildScoreOnlyPrompt(review string) string {
	return "Score the overall coherence of the following review between 0 and 1.\n\n---\n\n" + review
}

// ---------------------------------------------------------------------------
// Loop 4.5 and 5
// ---------------------------------------------------------------------------

func buildCohesionPrompt(review string) string {
	return "Does the following review need restructuring before publication, or does its structure serve the argument?\n\n---\n\n" + review
}

func buildFactCheckPrompt(section models.Section) string {
	var b strings.Builder
	b.WriteString("Check the factual claims in the section below. Propose corrections as exact find/replace edits.\n\n")
	b.WriteString(section.Content)
	return b.String()
}

func buildReferencePrompt(section models.Section, keys []string) string {
	var b strings.Builder
	b.WriteString("Check the citations in the section below: ")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteString(". Verify each supports its claim; propose corrections as exact find/replace edits.\n\n")
	b.WriteString(section.Content)
	return b.String()
}

func buildCitationFixPrompt(key string, passage string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The citation key %s could not be verified and must not remain in the document.\n", key)
	b.WriteString("Search the corpus for a source that supports the claim, then decide: substitute, remove, or rewrite.\n")
	b.WriteString("For rewrite, rewritten_text replaces the whole passage below and must not contain the invalid key.\n\nPassage:\n\n")
	b.WriteString(passage)
	return b.String()
}

func buildTodoAuditPrompt(markers []string) string {
	var b strings.Builder
	b.WriteString("Audit the following editorial TODO markers. Return one verdict per marker, quoting each marker exactly as given.\n\n")
	for i, m := range markers {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m)
	}
	return b.String()
}
