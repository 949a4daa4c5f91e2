package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// Service writes finished reviews to the export directory as markdown
// plus a PDF rendering with a title page and a resolved references
// section. The markdown file is the canonical artifact; the PDF swaps
// inline [@KEY] citations for numeric markers tied to the references.
type Service struct {
	config common.ExportConfig
	bib    interfaces.BibSystem
	logger arbor.ILogger
}

var _ interfaces.ExportService = (*Service)(nil)

// NewService creates the review exporter. The bib system may be nil, in
// which case references render as bare keys.
func NewService(config common.ExportConfig, bib interfaces.BibSystem, logger arbor.ILogger) *Service {
	return &Service{
		config: config,
		bib:    bib,
		logger: logger,
	}
}

// ExportReview writes <runID>.md and <runID>.pdf into the export
// directory and returns both paths.
func (s *Service) ExportReview(ctx context.Context, runID, review string) (*interfaces.ExportResult, error) {
	if strings.TrimSpace(review) == "" {
		return nil, fmt.Errorf("%w: cannot export an empty review", interfaces.ErrInvalidInput)
	}
	if runID == "" {
		runID = common.NewRunID()
	}

	dir := s.config.Dir
	if dir == "" {
		dir = "./exports"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory %s: %w", dir, err)
	}

	mdPath := filepath.Join(dir, runID+".md")
	if err := os.WriteFile(mdPath, []byte(review), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write review markdown: %w", err)
	}

	numbered, keys := numberCitations(review)
	references := s.resolveReferences(ctx, keys)

	pdfBytes, err := renderPDF(runID, numbered, references)
	if err != nil {
		return nil, fmt.Errorf("failed to render review PDF: %w", err)
	}

	pdfPath := filepath.Join(dir, runID+".pdf")
	if err := os.WriteFile(pdfPath, pdfBytes, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write review PDF: %w", err)
	}

	s.logger.Info().
		Str("run_id", runID).
		Str("markdown", mdPath).
		Str("pdf", pdfPath).
		Int("references", len(references)).
		Msg("Review exported")

	return &interfaces.ExportResult{MarkdownPath: mdPath, PDFPath: pdfPath}, nil
}

// numberCitations replaces every [@KEY] with [n], numbered by first
// appearance, and returns the keys in that order.
func numberCitations(review string) (string, []string) {
	keys := models.ExtractCitationKeys(review)
	numbered := review
	for i, key := range keys {
		numbered = strings.ReplaceAll(numbered, "[@"+key+"]", "["+strconv.Itoa(i+1)+"]")
	}
	return numbered, keys
}

// resolveReferences formats one reference line per cited key. Lookup
// failures degrade to the bare key so a bib outage never blocks an
// export.
func (s *Service) resolveReferences(ctx context.Context, keys []string) []string {
	references := make([]string, 0, len(keys))
	for _, key := range keys {
		if s.bib == nil {
			references = append(references, key)
			continue
		}
		item, err := s.bib.GetItem(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Reference lookup failed, exporting bare key")
			references = append(references, key)
			continue
		}
		references = append(references, formatReference(item))
	}
	return references
}

var yearPattern = regexp.MustCompile(`\d{4}`)

// formatReference renders a bib item as a single reference line:
// authors, title, venue, year, DOI, whichever of those exist.
func formatReference(item *models.BibItem) string {
	var parts []string
	if authors := formatCreators(item.Creators); authors != "" {
		parts = append(parts, authors)
	}
	if title := item.Field("title"); title != "" {
		parts = append(parts, title)
	}
	if venue := item.Field("publicationTitle"); venue != "" {
		parts = append(parts, venue)
	}
	if year := yearPattern.FindString(item.Field("date")); year != "" {
		parts = append(parts, year)
	}
	if doi := item.Field("DOI"); doi != "" {
		parts = append(parts, "doi:"+doi)
	}
	if len(parts) == 0 {
		return item.Key
	}
	// Parts like "et al." carry their own period; trim so the join
	// never doubles one up.
	for i, part := range parts {
		parts[i] = strings.TrimSuffix(part, ".")
	}
	return strings.Join(parts, ". ") + "."
}

// formatCreators joins author names as "Last, First", capped at three
// before "et al."
func formatCreators(creators []models.Creator) string {
	var names []string
	for _, c := range creators {
		if c.CreatorType != "" && c.CreatorType != "author" {
			continue
		}
		switch {
		case c.LastName != "" && c.FirstName != "":
			names = append(names, c.LastName+", "+c.FirstName)
		case c.LastName != "":
			names = append(names, c.LastName)
		case c.FirstName != "":
			names = append(names, c.FirstName)
		}
	}
	if len(names) > 3 {
		names = append(names[:3], "et al.")
	}
	return strings.Join(names, "; ")
}

// documentTitle pulls the first H1 out of the review for the title
// page and returns the body without that line.
func documentTitle(review string) (string, string) {
	lines := strings.Split(review, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "# ") {
			title := strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
			body := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			return title, body
		}
		break
	}
	return "Research Review", review
}

// renderPDF builds the full document: title page, body, references.
func renderPDF(runID, review string, references []string) ([]byte, error) {
	title, body := documentTitle(review)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 25, 20)
	pdf.SetAutoPageBreak(true, 20)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	// Title page
	pdf.AddPage()
	pdf.SetY(90)
	pdf.SetFont("Helvetica", "B", 22)
	pdf.MultiCell(0, 10, tr(title), "", "C", false)
	pdf.Ln(6)
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, "A Research Review", "", 1, "C", false, 0, "")
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(110, 110, 110)
	pdf.CellFormat(0, 5, time.Now().UTC().Format("2 January 2006"), "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 5, tr(runID), "", 1, "C", false, 0, "")
	pdf.SetTextColor(0, 0, 0)

	// Body
	pdf.AddPage()
	source := []byte(body)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))
	renderer := &reviewRenderer{
		pdf:    pdf,
		tr:     tr,
		source: source,
		font:   "Times",
		size:   11,
	}
	if err := renderer.render(doc); err != nil {
		return nil, err
	}

	// References
	if len(references) > 0 {
		pdf.AddPage()
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 8, "References", "", 1, "L", false, 0, "")
		pdf.Ln(2)
		pdf.SetFont("Times", "", 10)
		for i, reference := range references {
			pdf.MultiCell(0, 5, tr("["+strconv.Itoa(i+1)+"] "+reference), "", "L", false)
			pdf.Ln(1.5)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// reviewRenderer walks the goldmark AST and writes prose into the PDF.
// Reviews are headings, paragraphs, emphasis and lists; anything else
// falls through as plain text.
type reviewRenderer struct {
	pdf       *fpdf.Fpdf
	tr        func(string) string
	source    []byte
	font      string
	size      float64
	bold      bool
	italic    bool
	listDepth int
}

func (r *reviewRenderer) render(doc ast.Node) error {
	r.bodyFont()
	return ast.Walk(doc, r.walk)
}

func (r *reviewRenderer) bodyFont() {
	style := ""
	if r.bold {
		style += "B"
	}
	if r.italic {
		style += "I"
	}
	r.pdf.SetFont(r.font, style, r.size)
}

func (r *reviewRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		r.heading(node, entering)
	case *ast.Paragraph:
		if !entering {
			r.pdf.Ln(9)
		}
	case *ast.Text:
		if entering {
			r.pdf.Write(5.5, r.tr(string(node.Text(r.source))))
			if node.SoftLineBreak() || node.HardLineBreak() {
				r.pdf.Write(5.5, " ")
			}
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			r.bold = entering
		} else {
			r.italic = entering
		}
		r.bodyFont()
	case *ast.List:
		if entering {
			r.listDepth++
		} else {
			r.listDepth--
			if r.listDepth == 0 {
				r.pdf.Ln(3)
			}
		}
	case *ast.ListItem:
		if entering {
			r.pdf.Ln(5.5)
			r.pdf.SetX(20 + float64(r.listDepth)*5)
			r.pdf.Write(5.5, "- ")
		}
	case *ast.ThematicBreak:
		if entering {
			r.pdf.Ln(3)
			r.pdf.Line(20, r.pdf.GetY(), 190, r.pdf.GetY())
			r.pdf.Ln(3)
		}
	}
	return ast.WalkContinue, nil
}

// heading sizes step down from H1; everything below H3 renders at body
// weight plus bold.
func (r *reviewRenderer) heading(n *ast.Heading, entering bool) {
	if entering {
		r.pdf.Ln(4)
		size := 11.0
		switch n.Level {
		case 1:
			size = 15
		case 2:
			size = 13
		case 3:
			size = 11.5
		}
		r.pdf.SetFont("Helvetica", "B", size)
		return
	}
	r.pdf.Ln(8)
	r.bodyFont()
}
