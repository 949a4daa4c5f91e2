// -----------------------------------------------------------------------
// Last Modified: Wednesday, 18th February 2026 11:42:09 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/httpclient"
	"github.com/thala-research/thala/internal/interfaces"
)

const (
	defaultMaxBody = 50 * 1024 * 1024

	// Below this many markdown characters a direct fetch is treated as a
	// JavaScript-rendered shell and escalated to a headless render pass.
	minDirectChars = 500
)

// Service resolves URLs into markdown. The remote converter service is
// preferred; when it is unreachable the page is fetched directly and
// converted locally, with an optional headless Chrome pass for pages
// that render their content with JavaScript.
type Service struct {
	converterURL string
	stagingDir   string
	userAgent    string
	maxBody      int64
	enableJS     bool
	jsWait       time.Duration
	http         *http.Client
	logger       arbor.ILogger
}

// Compile-time interface assertion
var _ interfaces.FetchService = (*Service)(nil)

// NewService creates a fetch service from configuration.
func NewService(cfg *common.FetchConfig, logger arbor.ILogger) *Service {
	timeout := common.ParseDurationOr(cfg.RequestTimeout, 60*time.Second)

	maxBody := int64(cfg.MaxBodySize)
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	stagingDir := cfg.StagingDir
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "thala-staging")
	}
	os.MkdirAll(stagingDir, 0755)

	return &Service{
		converterURL: strings.TrimRight(cfg.StagingURL, "/"),
		stagingDir:   stagingDir,
		userAgent:    cfg.UserAgent,
		maxBody:      maxBody,
		enableJS:     cfg.EnableJavaScript,
		jsWait:       common.ParseDurationOr(cfg.JavaScriptWaitTime, 3*time.Second),
		http:         httpclient.NewDefaultHTTPClient(timeout),
		logger:       logger,
	}
}

// GetURL resolves a URL into markdown, preferring the converter service
// and falling back to a direct fetch with local conversion.
func (s *Service) GetURL(ctx context.Context, rawURL string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is empty", interfaces.ErrInvalidInput)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q is not an http(s) url", interfaces.ErrInvalidInput, rawURL)
	}

	if s.converterURL != "" {
		result, convErr := s.convertRemote(ctx, rawURL, opts)
		if convErr == nil {
			return result, nil
		}
		s.logger.Warn().
			Err(convErr).
			Str("url", rawURL).
			Msg("Converter service failed, falling back to direct fetch")
	}

	return s.fetchDirect(ctx, rawURL)
}

// StagingDir returns the local directory resolved documents are written to.
func (s *Service) StagingDir() string {
	return s.stagingDir
}

// Stage writes a resolved artifact into the staging directory.
func (s *Service) Stage(name string, content []byte) (string, error) {
	name = safeFileName(name)
	if name == "" {
		return "", fmt.Errorf("%w: staging name is empty", interfaces.ErrInvalidInput)
	}

	path := filepath.Join(s.stagingDir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", name, err)
	}
	return path, nil
}

// CountPDFPages reports the page count of a PDF file on disk.
func (s *Service) CountPDFPages(path string) (int, error) {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read PDF %s: %w", path, err)
	}
	return pdfCtx.PageCount, nil
}

type convertRequest struct {
	URL          string   `json:"url"`
	PDFQuality   string   `json:"pdf_quality,omitempty"`
	OCRLanguages []string `json:"ocr_languages,omitempty"`
}

type convertResponse struct {
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
	Pages   int    `json:"pages,omitempty"`
}

func (s *Service) convertRemote(ctx context.Context, rawURL string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	payload := convertRequest{
		URL:          rawURL,
		PDFQuality:   string(opts.PDFQuality),
		OCRLanguages: opts.OCRLanguages,
	}

	var resp convertResponse
	if err := httpclient.PostJSON(ctx, s.http, s.converterURL+"/convert", payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: converter request failed: %v", interfaces.ErrBackendUnavailable, err)
	}

	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%w: converter returned no content for %q", interfaces.ErrBackendUnavailable, rawURL)
	}

	s.logger.Debug().
		Str("url", rawURL).
		Int("content_length", len(resp.Content)).
		Int("pages", resp.Pages).
		Msg("Converter service resolved URL")

	return &interfaces.FetchResult{
		Content:  resp.Content,
		Provider: interfaces.FetchProviderStaging,
		Title:    resp.Title,
		Pages:    resp.Pages,
	}, nil
}

func (s *Service) fetchDirect(ctx context.Context, rawURL string) (*interfaces.FetchResult, error) {
	body, contentType, err := s.download(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if isPDF(contentType, body) {
		return nil, s.stagePDF(rawURL, body)
	}

	page := string(body)
	title := htmlTitle(body)
	markdown := s.toMarkdown(rawURL, page)

	if s.enableJS && len(strings.TrimSpace(markdown)) < minDirectChars {
		rendered, renderErr := s.renderHeadless(ctx, rawURL)
		if renderErr != nil {
			s.logger.Warn().Err(renderErr).Str("url", rawURL).Msg("Headless render failed, keeping direct fetch result")
		} else {
			renderedMD := s.toMarkdown(rawURL, rendered.html)
			if len(renderedMD) > len(markdown) {
				s.logger.Debug().
					Str("url", rawURL).
					Int("direct_length", len(markdown)).
					Int("rendered_length", len(renderedMD)).
					Msg("Headless render recovered additional content")
				if rendered.title != "" {
					title = rendered.title
				}
				return &interfaces.FetchResult{
					Content:  renderedMD,
					Provider: interfaces.FetchProviderHeadless,
					Title:    title,
				}, nil
			}
		}
	}

	if strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("%w: no readable content at %s", interfaces.ErrNotFound, rawURL)
	}

	s.logger.Debug().
		Str("url", rawURL).
		Int("content_length", len(markdown)).
		Msg("Direct fetch resolved URL")

	return &interfaces.FetchResult{
		Content:  markdown,
		Provider: interfaces.FetchProviderDirect,
		Title:    title,
	}, nil
}

func (s *Service) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", interfaces.ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: direct fetch failed: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: %s returned status %d", interfaces.ErrBackendUnavailable, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading response from %s: %v", interfaces.ErrBackendUnavailable, rawURL, err)
	}
	if int64(len(body)) > s.maxBody {
		return nil, "", fmt.Errorf("response from %s exceeds the %d byte limit", rawURL, s.maxBody)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

// stagePDF saves a directly fetched PDF so nothing is lost, then reports
// that conversion needs the converter service. Local extraction of PDF
// text is not good enough to feed the pipeline.
func (s *Service) stagePDF(rawURL string, body []byte) error {
	name := pdfFileName(rawURL)

	staged, err := s.Stage(name, body)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", rawURL).Msg("Failed to stage PDF locally")
		return fmt.Errorf("%w: %s is a PDF and the converter service is unreachable", interfaces.ErrBackendUnavailable, rawURL)
	}

	pages, countErr := s.CountPDFPages(staged)
	if countErr != nil {
		s.logger.Warn().Err(countErr).Str("staged", staged).Msg("Failed to count PDF pages")
	}

	s.logger.Warn().
		Str("url", rawURL).
		Str("staged", staged).
		Int("pages", pages).
		Msg("PDF staged locally, conversion needs the converter service")

	return fmt.Errorf("%w: %s is a PDF (%d pages staged at %s), conversion needs the converter service",
		interfaces.ErrBackendUnavailable, rawURL, pages, staged)
}

func (s *Service) toMarkdown(rawURL, page string) string {
	if strings.TrimSpace(page) == "" {
		return ""
	}

	converter := md.NewConverter(rawURL, true, nil)
	converted, err := converter.ConvertString(page)
	if err != nil {
		s.logger.Warn().Err(err).Msg("HTML to markdown conversion failed, stripping tags")
		return stripHTMLTags(page)
	}

	if strings.TrimSpace(converted) == "" {
		return stripHTMLTags(page)
	}
	return converted
}

type renderedPage struct {
	html  string
	title string
}

// renderHeadless loads the page in headless Chrome, waits for scripts to
// settle, and returns the rendered DOM.
func (s *Service) renderHeadless(ctx context.Context, rawURL string) (*renderedPage, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(s.userAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var html, title string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(rawURL),
		chromedp.Sleep(s.jsWait),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return nil, fmt.Errorf("headless render of %s failed: %w", rawURL, err)
	}

	return &renderedPage{html: html, title: strings.TrimSpace(title)}, nil
}

func isPDF(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	return bytes.HasPrefix(body, []byte("%PDF-"))
}

func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).First().Attr("content")
		title = strings.TrimSpace(title)
	}
	return title
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// stripHTMLTags removes basic HTML tags for fallback cases
func stripHTMLTags(page string) string {
	stripped := tagPattern.ReplaceAllString(page, "")
	cleaned := spacePattern.ReplaceAllString(stripped, " ")

	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	cleaned = strings.ReplaceAll(cleaned, "&lt;", "<")
	cleaned = strings.ReplaceAll(cleaned, "&gt;", ">")
	cleaned = strings.ReplaceAll(cleaned, "&quot;", "\"")
	cleaned = strings.ReplaceAll(cleaned, "&#39;", "'")
	cleaned = strings.ReplaceAll(cleaned, "&nbsp;", " ")

	return strings.TrimSpace(cleaned)
}

func pdfFileName(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "document.pdf"
	}

	base := filepath.Base(parsed.Path)
	if base == "." || base == "/" || base == "" {
		base = parsed.Host
	}
	if !strings.HasSuffix(strings.ToLower(base), ".pdf") {
		base += ".pdf"
	}
	return safeFileName(base)
}

func safeFileName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
