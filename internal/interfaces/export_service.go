package interfaces

import "context"

// ExportResult holds the artifact paths written by a review export
type ExportResult struct {
	MarkdownPath string `json:"markdown_path"`
	PDFPath      string `json:"pdf_path"`
}

// ExportService renders finished reviews into the export directory
type ExportService interface {
	// ExportReview writes the review markdown and a PDF rendering of it,
	// both named by run ID. The PDF gets a title page, styled headings
	// and a numbered references section resolved through the bib system.
	ExportReview(ctx context.Context, runID, review string) (*ExportResult, error)
}
