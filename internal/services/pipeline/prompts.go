package pipeline

import (
	"fmt"
	"strings"
)

// documentAnalysisSystem is the shared system prefix for every ingestion
// agent. Keeping it stable across calls lets the provider cache the prefix.
const documentAnalysisSystem = `You are a research librarian analyzing source documents for an academic knowledge base.
You read carefully, report only what the text supports, and never invent bibliographic facts.
When a document is ambiguous, prefer leaving a field empty over guessing.`

func summaryPrompt(title, content string, languageCode string) string {
	var b strings.Builder
	b.WriteString("Summarize the following document in roughly 100 words. ")
	b.WriteString("Cover the central argument, the kind of source it is, and what a researcher would use it for. ")
	b.WriteString("Respond with the summary text only, no preamble.")
	if languageCode != "" && languageCode != "en" {
		fmt.Fprintf(&b, " Write the summary in the document's original language (%s).", languageCode)
	}
	if title != "" {
		fmt.Fprintf(&b, "\n\nDocument title: %s", title)
	}
	b.WriteString("\n\n---\n\n")
	b.WriteString(content)
	return b.String()
}

func metadataPrompt(title, content string) string {
	var b strings.Builder
	b.WriteString("Extract the bibliographic metadata of the following document. ")
	b.WriteString("Report the title, the authors as written, the publication date, the publisher, and the ISBN if stated. ")
	b.WriteString("Set is_multi_author only when distinct chapters name distinct authors, and fill chapter_authors with a heading-to-author map in that case. ")
	b.WriteString("Leave any field you cannot support from the text empty.")
	if title != "" {
		fmt.Fprintf(&b, "\n\nKnown title hint: %s", title)
	}
	b.WriteString("\n\n---\n\n")
	b.WriteString(content)
	return b.String()
}

func chapterClassificationPrompt(headings []string, multiAuthor bool) string {
	var b strings.Builder
	b.WriteString("The following markdown headings were extracted from one document, in order. ")
	b.WriteString("Decide for each heading whether it starts a chapter-level division of the document. ")
	b.WriteString("Front matter, sub-sections, figure captions and reference lists are not chapters.")
	if multiAuthor {
		b.WriteString(" This is a multi-author volume: when a chapter heading names or implies its author, report the author.")
	}
	b.WriteString("\n\nHeadings:\n")
	for i, h := range headings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, h)
	}
	return b.String()
}

func chapterSummaryPrompt(title, author, content string, targetWords int, languageCode string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following chapter to roughly %d words, preserving the argument structure and any key evidence. ", targetWords)
	b.WriteString("Respond with the summary text only.")
	if languageCode != "" && languageCode != "en" {
		fmt.Fprintf(&b, " Write in the chapter's original language (%s).", languageCode)
	}
	if title != "" {
		fmt.Fprintf(&b, "\n\nChapter: %s", title)
	}
	if author != "" {
		fmt.Fprintf(&b, "\nAuthor: %s", author)
	}
	b.WriteString("\n\n---\n\n")
	b.WriteString(content)
	return b.String()
}

func translationPrompt(text string) string {
	return "Translate the following text into English. Preserve markdown structure, citations and proper names. " +
		"Respond with the translation only.\n\n---\n\n" + text
}

func metadataMatchPrompt(meta string, contentSample string) string {
	var b strings.Builder
	b.WriteString("Decide whether the following bibliographic metadata plausibly describes the document excerpt. ")
	b.WriteString("Be lenient: report a mismatch only on clear evidence that this is a different work, ")
	b.WriteString("and mark confident=false when the excerpt is too thin to tell.")
	b.WriteString("\n\nMetadata:\n")
	b.WriteString(meta)
	b.WriteString("\n\nDocument excerpt:\n")
	b.WriteString(contentSample)
	return b.String()
}
