// -----------------------------------------------------------------------
// Last Modified: Monday, 16th February 2026 9:18:27 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/httpclient"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// maxResponseBytes caps translation responses; metadata payloads are small
const maxResponseBytes = 4 * 1024 * 1024

// maxChoiceSelections bounds how many entries of a multiple-choices page get
// translated. Index pages can offer dozens; the post-processor only needs
// the leading candidates.
const maxChoiceSelections = 3

// Service is the client of the local metadata translation server. The
// server chokes on back-to-back requests, so every call waits on a
// politeness limiter.
type Service struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewService creates the translation-server client
func NewService(logger arbor.ILogger, config *common.TranslationConfig) interfaces.TranslationService {
	timeout := common.ParseDurationOr(config.RequestTimeout, 60*time.Second)
	delay := common.ParseDurationOr(config.RequestDelay, 300*time.Millisecond)

	return &Service{
		baseURL: fmt.Sprintf("http://%s:%d", config.Host, config.Port),
		http:    httpclient.NewDefaultHTTPClient(timeout),
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		logger:  logger,
	}
}

// TranslateURL resolves a web URL into bibliographic items. A multiple-
// choices response is answered by selecting the leading entries and
// finishing the session.
func (s *Service) TranslateURL(ctx context.Context, pageURL string) ([]*models.BibItem, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return nil, fmt.Errorf("%w: url cannot be empty", interfaces.ErrInvalidInput)
	}

	data, status, err := s.post(ctx, "/web", "text/plain", []byte(pageURL))
	if err != nil {
		return nil, err
	}

	if status == http.StatusMultipleChoices {
		data, status, err = s.selectFromChoices(ctx, data)
		if err != nil {
			return nil, err
		}
	}

	items, err := s.parseItems(data, status, pageURL)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("url", pageURL).
		Int("items", len(items)).
		Msg("Translated URL")
	return items, nil
}

// TranslateIdentifier resolves a DOI/ISBN/PMID into bibliographic items
func (s *Service) TranslateIdentifier(ctx context.Context, identifier string) ([]*models.BibItem, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier cannot be empty", interfaces.ErrInvalidInput)
	}

	data, status, err := s.post(ctx, "/search", "text/plain", []byte(identifier))
	if err != nil {
		return nil, err
	}

	items, err := s.parseItems(data, status, identifier)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("identifier", identifier).
		Int("items", len(items)).
		Msg("Translated identifier")
	return items, nil
}

// webChoices is the 300 Multiple Choices payload; re-posting a filtered
// selection with the same session finishes the translation
type webChoices struct {
	URL     string            `json:"url"`
	Session string            `json:"session"`
	Items   map[string]string `json:"items"`
}

func (s *Service) selectFromChoices(ctx context.Context, data []byte) ([]byte, int, error) {
	var choices webChoices
	if err := json.Unmarshal(data, &choices); err != nil {
		return nil, 0, fmt.Errorf("%w: malformed multiple-choices response: %v", interfaces.ErrBackendUnavailable, err)
	}
	if len(choices.Items) == 0 {
		return nil, 0, fmt.Errorf("%w: translation server offered no choices", interfaces.ErrNotFound)
	}

	keys := make([]string, 0, len(choices.Items))
	for key := range choices.Items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > maxChoiceSelections {
		keys = keys[:maxChoiceSelections]
	}

	selected := make(map[string]string, len(keys))
	for _, key := range keys {
		selected[key] = choices.Items[key]
	}
	choices.Items = selected

	payload, err := json.Marshal(choices)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode choice selection: %w", err)
	}

	s.logger.Debug().
		Int("selected", len(selected)).
		Str("session", choices.Session).
		Msg("Selecting from translation choices")
	return s.post(ctx, "/web", "application/json", payload)
}

func (s *Service) parseItems(data []byte, status int, input string) ([]*models.BibItem, error) {
	switch status {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusNotImplemented:
		// No translator recognizes this input
		return nil, fmt.Errorf("%w: no translator for %q", interfaces.ErrNotFound, input)
	default:
		return nil, fmt.Errorf("%w: translation server returned %d: %s",
			interfaces.ErrBackendUnavailable, status, clip(string(data), 300))
	}

	var rawItems []map[string]interface{}
	if err := json.Unmarshal(data, &rawItems); err != nil {
		return nil, fmt.Errorf("%w: unexpected translation response: %v", interfaces.ErrBackendUnavailable, err)
	}

	items := make([]*models.BibItem, 0, len(rawItems))
	for _, raw := range rawItems {
		items = append(items, convertItem(raw))
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: translation produced no items for %q", interfaces.ErrNotFound, input)
	}
	return items, nil
}

// convertItem maps a flat translator item onto the bib model. Unknown
// string fields carry over untouched so nothing the translator scraped is
// lost.
func convertItem(raw map[string]interface{}) *models.BibItem {
	item := &models.BibItem{ItemType: "webpage"}
	if itemType, ok := raw["itemType"].(string); ok && itemType != "" {
		item.ItemType = itemType
	}

	for key, value := range raw {
		switch key {
		case "itemType", "creators", "tags", "key", "version", "notes", "attachments", "relations", "collections":
			continue
		}
		if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
			item.SetField(key, text)
		}
	}

	if rawCreators, ok := raw["creators"].([]interface{}); ok {
		for _, entry := range rawCreators {
			fields, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			creator := models.Creator{
				CreatorType: stringField(fields, "creatorType"),
				FirstName:   stringField(fields, "firstName"),
				LastName:    stringField(fields, "lastName"),
			}
			if creator.CreatorType == "" {
				creator.CreatorType = "author"
			}
			if name := stringField(fields, "name"); name != "" && creator.LastName == "" {
				creator = models.ParseCreator(creator.CreatorType, name)
			}
			if creator.FirstName == "" && creator.LastName == "" {
				continue
			}
			item.Creators = append(item.Creators, creator)
		}
	}

	if rawTags, ok := raw["tags"].([]interface{}); ok {
		for _, entry := range rawTags {
			switch tag := entry.(type) {
			case string:
				item.Tags = append(item.Tags, tag)
			case map[string]interface{}:
				if name := stringField(tag, "tag"); name != "" {
					item.Tags = append(item.Tags, name)
				}
			}
		}
	}

	return item
}

func stringField(fields map[string]interface{}, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}

// post issues one rate-limited request and returns the body with its status
func (s *Service) post(ctx context.Context, path, contentType string, body []byte) ([]byte, int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build translation request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	res, err := s.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: translation server unreachable: %s", interfaces.ErrBackendUnavailable, err.Error())
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read translation response: %s", interfaces.ErrBackendUnavailable, err.Error())
	}
	return data, res.StatusCode, nil
}

func clip(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
