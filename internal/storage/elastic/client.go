// -----------------------------------------------------------------------
// Last Modified: Thursday, 12th February 2026 8:42:19 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package elastic

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/common"
)

// Connection manages the Elasticsearch clients for both store hosts. The
// coherence host carries the working-set indices (L0/L1/L2/coherence), the
// forgotten host carries history and the deletion archive.
type Connection struct {
	coherence *elasticsearch.Client
	forgotten *elasticsearch.Client
	logger    arbor.ILogger
	config    *common.ElasticConfig
	timeout   time.Duration
}

// NewConnection builds clients for both hosts. An empty forgotten host falls
// back to the coherence host so single-node deployments still work.
func NewConnection(logger arbor.ILogger, config *common.ElasticConfig) (*Connection, error) {
	coherence, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{config.CoherenceHost},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coherence-host client: %w", err)
	}

	forgottenHost := config.ForgottenHost
	if forgottenHost == "" {
		forgottenHost = config.CoherenceHost
	}
	forgotten, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{forgottenHost},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create forgotten-host client: %w", err)
	}

	logger.Debug().
		Str("coherence_host", config.CoherenceHost).
		Str("forgotten_host", forgottenHost).
		Msg("Elasticsearch clients initialized")

	return &Connection{
		coherence: coherence,
		forgotten: forgotten,
		logger:    logger,
		config:    config,
		timeout:   common.ParseDurationOr(config.RequestTimeout, 30*time.Second),
	}, nil
}

// withTimeout derives a per-request deadline from the caller context
func (c *Connection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// PingCoherence checks liveness of the working-set host
func (c *Connection) PingCoherence(ctx context.Context) (int64, error) {
	return c.ping(ctx, c.coherence)
}

// PingForgotten checks liveness of the archive host
func (c *Connection) PingForgotten(ctx context.Context) (int64, error) {
	return c.ping(ctx, c.forgotten)
}

func (c *Connection) ping(ctx context.Context, client *elasticsearch.Client) (int64, error) {
	reqCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	res, err := client.Ping(client.Ping.WithContext(reqCtx))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return latency, fmt.Errorf("elasticsearch ping failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return latency, fmt.Errorf("elasticsearch ping returned %s", res.Status())
	}
	return latency, nil
}

// Close is a no-op; the underlying transport owns its connection pool for
// the process lifetime
func (c *Connection) Close() error {
	return nil
}

// drainAndClose consumes the response body so the connection can be reused
func drainAndClose(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}

// responseError turns a non-2xx response into an error carrying the body
func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	return fmt.Errorf("%s returned %s: %s", op, res.Status(), string(body))
}
