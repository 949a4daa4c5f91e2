// -----------------------------------------------------------------------
// Last Modified: Thursday, 12th February 2026 10:18:46 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package chroma

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/httpclient"
)

// Client speaks the Chroma v2 HTTP API. One collection, resolved once and
// cached; safe for concurrent use.
type Client struct {
	baseURL    string
	tenant     string
	database   string
	collection string
	http       *http.Client
	logger     arbor.ILogger

	mu           sync.Mutex
	collectionID string
}

// NewClient builds a client for the configured Chroma endpoint
func NewClient(logger arbor.ILogger, config *common.ChromaConfig) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", config.Host, config.Port),
		tenant:     config.Tenant,
		database:   config.Database,
		collection: config.Collection,
		http:       httpclient.NewPooledHTTPClient(30 * time.Second),
		logger:     logger,
	}
}

// Heartbeat checks liveness of the vector index
func (c *Client) Heartbeat(ctx context.Context) (int64, error) {
	start := time.Now()
	var out map[string]interface{}
	err := httpclient.GetJSON(ctx, c.http, c.baseURL+"/api/v2/heartbeat", &out)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return latency, fmt.Errorf("chroma heartbeat failed: %w", err)
	}
	return latency, nil
}

type collectionRequest struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
	GetOrCreate   bool                   `json:"get_or_create"`
}

type collectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureCollection creates or fetches the collection with cosine HNSW and
// caches its id for all later calls
func (c *Client) EnsureCollection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collectionID != "" {
		return nil
	}

	url := fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections", c.baseURL, c.tenant, c.database)
	req := collectionRequest{
		Name: c.collection,
		Configuration: map[string]interface{}{
			"hnsw": map[string]interface{}{"space": "cosine"},
		},
		GetOrCreate: true,
	}
	var res collectionResponse
	if err := httpclient.PostJSON(ctx, c.http, url, req, &res); err != nil {
		return fmt.Errorf("failed to ensure collection %s: %w", c.collection, err)
	}
	c.collectionID = res.ID

	c.logger.Debug().
		Str("collection", c.collection).
		Str("collection_id", res.ID).
		Msg("Chroma collection ready")
	return nil
}

// collectionURL builds an endpoint path under the resolved collection
func (c *Client) collectionURL(ctx context.Context, suffix string) (string, error) {
	if err := c.EnsureCollection(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	id := c.collectionID
	c.mu.Unlock()
	return fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s/collections/%s/%s",
		c.baseURL, c.tenant, c.database, id, suffix), nil
}

type upsertRequest struct {
	IDs        []string                 `json:"ids"`
	Embeddings [][]float32              `json:"embeddings,omitempty"`
	Documents  []string                 `json:"documents,omitempty"`
	Metadatas  []map[string]interface{} `json:"metadatas,omitempty"`
}

// Add inserts one entry
func (c *Client) Add(ctx context.Context, id string, embedding []float32, document string, metadata map[string]interface{}) error {
	url, err := c.collectionURL(ctx, "add")
	if err != nil {
		return err
	}
	req := upsertRequest{
		IDs:        []string{id},
		Embeddings: [][]float32{embedding},
		Documents:  []string{document},
		Metadatas:  []map[string]interface{}{metadata},
	}
	if err := httpclient.PostJSON(ctx, c.http, url, req, nil); err != nil {
		return fmt.Errorf("chroma add failed for %s: %w", id, err)
	}
	return nil
}

// Update replaces an existing entry's embedding, document, and metadata
func (c *Client) Update(ctx context.Context, id string, embedding []float32, document string, metadata map[string]interface{}) error {
	url, err := c.collectionURL(ctx, "update")
	if err != nil {
		return err
	}
	req := upsertRequest{
		IDs:        []string{id},
		Embeddings: [][]float32{embedding},
		Documents:  []string{document},
		Metadatas:  []map[string]interface{}{metadata},
	}
	if err := httpclient.PostJSON(ctx, c.http, url, req, nil); err != nil {
		return fmt.Errorf("chroma update failed for %s: %w", id, err)
	}
	return nil
}

type getRequest struct {
	IDs     []string `json:"ids"`
	Include []string `json:"include"`
}

// Entry is one stored vector-index row
type Entry struct {
	ID        string
	Document  string
	Embedding []float32
	Metadata  map[string]interface{}
	Distance  float64
}

type getResponse struct {
	IDs        []string                 `json:"ids"`
	Documents  []string                 `json:"documents"`
	Metadatas  []map[string]interface{} `json:"metadatas"`
	Embeddings [][]float32              `json:"embeddings"`
}

// Get fetches one entry by id; a missing id returns nil
func (c *Client) Get(ctx context.Context, id string) (*Entry, error) {
	url, err := c.collectionURL(ctx, "get")
	if err != nil {
		return nil, err
	}
	req := getRequest{
		IDs:     []string{id},
		Include: []string{"documents", "metadatas", "embeddings"},
	}
	var res getResponse
	if err := httpclient.PostJSON(ctx, c.http, url, req, &res); err != nil {
		return nil, fmt.Errorf("chroma get failed for %s: %w", id, err)
	}
	if len(res.IDs) == 0 {
		return nil, nil
	}

	entry := &Entry{ID: res.IDs[0]}
	if len(res.Documents) > 0 {
		entry.Document = res.Documents[0]
	}
	if len(res.Metadatas) > 0 {
		entry.Metadata = res.Metadatas[0]
	}
	if len(res.Embeddings) > 0 {
		entry.Embedding = res.Embeddings[0]
	}
	return entry, nil
}

type queryRequest struct {
	QueryEmbeddings [][]float32            `json:"query_embeddings"`
	NResults        int                    `json:"n_results"`
	Where           map[string]interface{} `json:"where,omitempty"`
	Include         []string               `json:"include"`
}

type queryResponse struct {
	IDs       [][]string                 `json:"ids"`
	Documents [][]string                 `json:"documents"`
	Metadatas [][]map[string]interface{} `json:"metadatas"`
	Distances [][]float64                `json:"distances"`
}

// Query runs kNN with optional scalar-equality metadata filters
func (c *Client) Query(ctx context.Context, embedding []float32, k int, where map[string]interface{}) ([]*Entry, error) {
	url, err := c.collectionURL(ctx, "query")
	if err != nil {
		return nil, err
	}
	req := queryRequest{
		QueryEmbeddings: [][]float32{embedding},
		NResults:        k,
		Where:           where,
		Include:         []string{"documents", "metadatas", "distances"},
	}
	var res queryResponse
	if err := httpclient.PostJSON(ctx, c.http, url, req, &res); err != nil {
		return nil, fmt.Errorf("chroma query failed: %w", err)
	}
	if len(res.IDs) == 0 {
		return nil, nil
	}

	entries := make([]*Entry, 0, len(res.IDs[0]))
	for i, id := range res.IDs[0] {
		entry := &Entry{ID: id}
		if len(res.Documents) > 0 && i < len(res.Documents[0]) {
			entry.Document = res.Documents[0][i]
		}
		if len(res.Metadatas) > 0 && i < len(res.Metadatas[0]) {
			entry.Metadata = res.Metadatas[0][i]
		}
		if len(res.Distances) > 0 && i < len(res.Distances[0]) {
			entry.Distance = res.Distances[0][i]
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

// Delete removes entries by id
func (c *Client) Delete(ctx context.Context, ids ...string) error {
	url, err := c.collectionURL(ctx, "delete")
	if err != nil {
		return err
	}
	if err := httpclient.PostJSON(ctx, c.http, url, deleteRequest{IDs: ids}, nil); err != nil {
		return fmt.Errorf("chroma delete failed: %w", err)
	}
	return nil
}
