package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/httpclient"
	"github.com/thala-research/thala/internal/interfaces"
)

// maxSearchResults is the provider-side cap per query
const maxSearchResults = 20

// Service is the fact-check search client (Perplexity-compatible bearer
// API). Review agents use it to verify claims against the live web.
type Service struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  arbor.ILogger
}

// NewService creates the web search client. The API key is required; a
// missing key disables the fact-check tool at the container level.
func NewService(logger arbor.ILogger, config *common.WebSearchConfig) (interfaces.WebSearchService, error) {
	apiKey, err := common.ResolveAPIKey("perplexity_api_key", config.APIKey)
	if err != nil {
		return nil, fmt.Errorf("web search requires an API key (set PERPLEXITY_API_KEY): %w", err)
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.perplexity.ai"
	}

	return &Service{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpclient.NewDefaultHTTPClient(common.ParseDurationOr(config.RequestTimeout, 60*time.Second)),
		logger:  logger,
	}, nil
}

type searchRequest struct {
	Query              string   `json:"query"`
	MaxResults         int      `json:"max_results"`
	SearchDomainFilter []string `json:"search_domain_filter,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
	} `json:"results"`
}

// Search runs one query and returns up to maxResults hits
func (s *Service) Search(ctx context.Context, query string, maxResults int, domainFilter []string) ([]interfaces.WebSearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query cannot be empty", interfaces.ErrInvalidInput)
	}
	if maxResults <= 0 || maxResults > maxSearchResults {
		maxResults = maxSearchResults
	}

	payload, err := json.Marshal(searchRequest{
		Query:              query,
		MaxResults:         maxResults,
		SearchDomainFilter: domainFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	var response searchResponse
	err = s.retryIdempotent(ctx, func() error {
		return s.post(ctx, payload, &response)
	})
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: web search rejected the API key", interfaces.ErrBackendUnavailable)
		}
		return nil, fmt.Errorf("%w: web search failed: %s", interfaces.ErrBackendUnavailable, err.Error())
	}

	results := make([]interfaces.WebSearchResult, 0, len(response.Results))
	for _, hit := range response.Results {
		if hit.URL == "" {
			continue
		}
		results = append(results, interfaces.WebSearchResult{
			Title:   hit.Title,
			URL:     hit.URL,
			Snippet: hit.Snippet,
			Date:    hit.Date,
		})
		if len(results) == maxResults {
			break
		}
	}

	s.logger.Debug().
		Str("query", query).
		Int("results", len(results)).
		Msg("Web search completed")
	return results, nil
}

func (s *Service) post(ctx context.Context, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &httpclient.StatusError{Status: res.StatusCode, URL: req.URL.String(), Body: string(data)}
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// retryIdempotent retries searches up to 3 times with exponential backoff;
// 4xx responses are terminal
func (s *Service) retryIdempotent(ctx context.Context, call func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond):
			}
		}
		if err = call(); err == nil {
			return nil
		}
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests {
			return err
		}
		s.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Retrying web search")
	}
	return err
}
