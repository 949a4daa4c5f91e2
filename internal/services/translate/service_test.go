package translate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/thala-research/thala/internal/interfaces"
)

func newTestService(server *httptest.Server) *Service {
	return &Service{
		baseURL: server.URL,
		http:    server.Client(),
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  arbor.NewLogger(),
	}
}

const articleJSON = `[{
	"key": "SRV12345",
	"version": 0,
	"itemType": "journalArticle",
	"title": "Industrial Labor in the Nineteenth Century",
	"creators": [
		{"firstName": "Jane", "lastName": "Doe", "creatorType": "author"},
		{"name": "Institute of Economic History", "creatorType": "author"}
	],
	"date": "2019-03-01",
	"DOI": "10.1000/xyz123",
	"url": "https://example.org/article",
	"abstractNote": "A study of factory labor.",
	"publicationTitle": "Journal of Economic History",
	"tags": [{"tag": "labor"}, {"tag": "industry"}]
}]`

func TestTranslateURL(t *testing.T) {
	var gotBody string
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/web", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, articleJSON)
	}))
	defer server.Close()

	service := newTestService(server)
	items, err := service.TranslateURL(context.Background(), "https://example.org/article")
	require.NoError(t, err)

	assert.Equal(t, "https://example.org/article", gotBody)
	assert.Equal(t, "text/plain", gotContentType)

	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, "journalArticle", item.ItemType)
	assert.Equal(t, "Industrial Labor in the Nineteenth Century", item.Field("title"))
	assert.Equal(t, "10.1000/xyz123", item.Field("DOI"))
	assert.Equal(t, "Journal of Economic History", item.Field("publicationTitle"))
	assert.Equal(t, []string{"labor", "industry"}, item.Tags)

	require.Len(t, item.Creators, 2)
	assert.Equal(t, "Jane", item.Creators[0].FirstName)
	assert.Equal(t, "Doe", item.Creators[0].LastName)
	// Single-field institutional names are split on the last space
	assert.Equal(t, "History", item.Creators[1].LastName)

	// Internal bookkeeping fields never leak into the item
	assert.Empty(t, item.Key)
	assert.Empty(t, item.Field("version"))
}

func TestTranslateURLMultipleChoices(t *testing.T) {
	var mu sync.Mutex
	var requests []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, string(body))
		call := len(requests)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if call == 1 {
			w.WriteHeader(http.StatusMultipleChoices)
			_, _ = io.WriteString(w, `{"url":"https://example.org/listing","session":"sess42","items":{"d":"Fourth","a":"First","c":"Third","b":"Second"}}`)
			return
		}
		_, _ = io.WriteString(w, articleJSON)
	}))
	defer server.Close()

	service := newTestService(server)
	items, err := service.TranslateURL(context.Background(), "https://example.org/listing")
	require.NoError(t, err)
	require.Len(t, items, 1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)

	var selection webChoices
	require.NoError(t, json.Unmarshal([]byte(requests[1]), &selection))
	assert.Equal(t, "sess42", selection.Session)
	// Selection is capped and deterministic
	assert.Len(t, selection.Items, maxChoiceSelections)
	assert.Contains(t, selection.Items, "a")
	assert.Contains(t, selection.Items, "b")
	assert.Contains(t, selection.Items, "c")
}

func TestTranslateURLNoTranslator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "No translators available")
	}))
	defer server.Close()

	service := newTestService(server)
	_, err := service.TranslateURL(context.Background(), "https://example.org/opaque")
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestTranslateURLServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "translation crashed")
	}))
	defer server.Close()

	service := newTestService(server)
	_, err := service.TranslateURL(context.Background(), "https://example.org/broken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrBackendUnavailable))
	assert.Contains(t, err.Error(), "translation crashed")
}

func TestTranslateURLEmptyInput(t *testing.T) {
	service := &Service{limiter: rate.NewLimiter(rate.Inf, 1), logger: arbor.NewLogger()}

	_, err := service.TranslateURL(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrInvalidInput))
}

func TestTranslateIdentifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "10.1000/xyz123", string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, articleJSON)
	}))
	defer server.Close()

	service := newTestService(server)
	items, err := service.TranslateIdentifier(context.Background(), "10.1000/xyz123")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "journalArticle", items[0].ItemType)
}

func TestTranslateIdentifierUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer server.Close()

	service := newTestService(server)
	_, err := service.TranslateIdentifier(context.Background(), "not-a-doi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestConvertItemFallbacks(t *testing.T) {
	item := convertItem(map[string]interface{}{
		"title": "Bare page",
	})

	assert.Equal(t, "webpage", item.ItemType)
	assert.Equal(t, "Bare page", item.Field("title"))
	assert.Empty(t, item.Creators)
}
