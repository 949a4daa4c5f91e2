package interfaces

import (
	"context"
)

// PDFQuality selects the extraction preset of the URL/PDF service
type PDFQuality string

const (
	PDFQualityFast     PDFQuality = "fast"
	PDFQualityBalanced PDFQuality = "balanced"
	PDFQualityQuality  PDFQuality = "quality"
)

// FetchOptions tune a single URL resolution
type FetchOptions struct {
	PDFQuality   PDFQuality // Extraction preset for PDF sources
	OCRLanguages []string   // Language hints for OCR passes
}

// Providers a FetchResult can come from
const (
	FetchProviderStaging  = "staging"  // Remote converter service
	FetchProviderDirect   = "direct"   // Plain HTTP fetch plus local conversion
	FetchProviderHeadless = "headless" // Chrome render pass plus local conversion
)

// FetchResult is the resolved markdown plus which provider produced it
type FetchResult struct {
	Content  string `json:"content"`  // Markdown
	Provider string `json:"provider"` // staging, direct, headless
	Title    string `json:"title,omitempty"`
	Pages    int    `json:"pages,omitempty"` // Page count for PDF sources
}

// FetchService resolves a URL (HTML or PDF) into markdown
type FetchService interface {
	GetURL(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error)

	// Stage writes a resolved artifact into the local staging directory
	// and returns its path.
	Stage(name string, content []byte) (string, error)

	// CountPDFPages reports the page count of a staged PDF file.
	CountPDFPages(path string) (int, error)
}
