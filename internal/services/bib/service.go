// -----------------------------------------------------------------------
// Last Modified: Thursday, 12th February 2026 1:05:52 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package bib

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/httpclient"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// Service talks to the Zotero-compatible local CRUD API. The server is
// localhost-only; callers provide their own rate limiting.
type Service struct {
	baseURL string
	http    *http.Client
	logger  arbor.ILogger
}

// NewService creates the bibliographic system client
func NewService(logger arbor.ILogger, config *common.BibConfig) interfaces.BibSystem {
	timeout := common.ParseDurationOr(config.RequestTimeout, 30*time.Second)
	return &Service{
		baseURL: fmt.Sprintf("http://%s:%d", config.Host, config.Port),
		http:    httpclient.NewPooledHTTPClient(timeout),
		logger:  logger,
	}
}

type createItemRequest struct {
	ItemType    string            `json:"itemType"`
	Fields      map[string]string `json:"fields"`
	Creators    []models.Creator  `json:"creators,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Collections []string          `json:"collections,omitempty"`
}

type keyResponse struct {
	Key string `json:"key"`
}

// CreateItem creates a new item and returns its 8-char key
func (s *Service) CreateItem(ctx context.Context, item *models.BibItem) (string, error) {
	req := createItemRequest{
		ItemType:    item.ItemType,
		Fields:      item.Fields,
		Creators:    item.Creators,
		Tags:        item.Tags,
		Collections: item.Collections,
	}
	var res keyResponse
	if err := httpclient.PostJSON(ctx, s.http, s.baseURL+"/local-crud/items", req, &res); err != nil {
		return "", fmt.Errorf("failed to create bib item: %w", err)
	}
	if !models.IsValidBibKey(res.Key) {
		return "", fmt.Errorf("bib server returned malformed key %q", res.Key)
	}

	s.logger.Debug().
		Str("key", res.Key).
		Str("item_type", item.ItemType).
		Msg("Created bib item")
	return res.Key, nil
}

type itemActionRequest struct {
	Action      string            `json:"action"`
	Key         string            `json:"key"`
	ItemType    string            `json:"itemType,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Creators    []models.Creator  `json:"creators,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Collections []string          `json:"collections,omitempty"`
}

// GetItem fetches one item by key
func (s *Service) GetItem(ctx context.Context, key string) (*models.BibItem, error) {
	req := itemActionRequest{Action: "get", Key: key}
	var item models.BibItem
	err := s.retryIdempotent(ctx, func() error {
		return httpclient.PostJSON(ctx, s.http, s.baseURL+"/local-crud/item", req, &item)
	})
	if err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("bib item %s: %w", key, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get bib item %s: %w", key, err)
	}
	item.Key = key
	return &item, nil
}

// UpdateItem replaces an item's fields, creators, tags, and collections
func (s *Service) UpdateItem(ctx context.Context, item *models.BibItem) error {
	req := itemActionRequest{
		Action:      "update",
		Key:         item.Key,
		ItemType:    item.ItemType,
		Fields:      item.Fields,
		Creators:    item.Creators,
		Tags:        item.Tags,
		Collections: item.Collections,
	}
	if err := httpclient.PostJSON(ctx, s.http, s.baseURL+"/local-crud/item", req, nil); err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return fmt.Errorf("bib item %s: %w", item.Key, interfaces.ErrNotFound)
		}
		return fmt.Errorf("failed to update bib item %s: %w", item.Key, err)
	}
	return nil
}

// DeleteItem removes an item by key
func (s *Service) DeleteItem(ctx context.Context, key string) error {
	req := itemActionRequest{Action: "delete", Key: key}
	if err := httpclient.PostJSON(ctx, s.http, s.baseURL+"/local-crud/item", req, nil); err != nil {
		if httpclient.IsStatus(err, http.StatusNotFound) {
			return fmt.Errorf("bib item %s: %w", key, interfaces.ErrNotFound)
		}
		return fmt.Errorf("failed to delete bib item %s: %w", key, err)
	}
	return nil
}

type searchRequest struct {
	Conditions      []models.SearchCondition `json:"conditions"`
	Limit           int                      `json:"limit,omitempty"`
	IncludeFullData bool                     `json:"includeFullData"`
}

type searchResponse struct {
	Items []*models.BibItem `json:"items"`
}

// Search runs condition predicates against the library
func (s *Service) Search(ctx context.Context, conditions []models.SearchCondition, limit int, includeFullData bool) ([]*models.BibItem, error) {
	req := searchRequest{
		Conditions:      conditions,
		Limit:           limit,
		IncludeFullData: includeFullData,
	}
	var res searchResponse
	err := s.retryIdempotent(ctx, func() error {
		return httpclient.PostJSON(ctx, s.http, s.baseURL+"/local-crud/search", req, &res)
	})
	if err != nil {
		return nil, fmt.Errorf("bib search failed: %w", err)
	}
	return res.Items, nil
}

// Exists reports whether the key resolves to an item
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.GetItem(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Ping checks server liveness
func (s *Service) Ping(ctx context.Context) error {
	if err := httpclient.GetJSON(ctx, s.http, s.baseURL+"/local-crud/ping", nil); err != nil {
		return fmt.Errorf("bib server unreachable: %w", err)
	}
	return nil
}

// retryIdempotent retries reads up to 3 times with exponential backoff
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
		// 4xx failures are not transient
		var se *httpclient.StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return err
		}
		s.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Retrying bib request")
	}
	return err
}
