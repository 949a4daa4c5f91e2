package interfaces

import (
	"context"
)

// WebSearchResult is one hit from the fact-check search provider
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
}

// WebSearchService answers fact-check queries against the live web
type WebSearchService interface {
	Search(ctx context.Context, query string, maxResults int, domainFilter []string) ([]WebSearchResult, error)
}
