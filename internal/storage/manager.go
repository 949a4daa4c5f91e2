// -----------------------------------------------------------------------
// Last Modified: Thursday, 12th February 2026 11:30:27 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/storage/chroma"
	"github.com/thala-research/thala/internal/storage/elastic"
)

// healthCheckTimeout bounds each backend liveness probe
const healthCheckTimeout = 5 * time.Second

// Manager is the composite front over the text index, vector index, and
// bibliographic system. One long-lived instance per process.
type Manager struct {
	esConn       *elastic.Connection
	chromaClient *chroma.Client

	main      interfaces.MainStore
	coherence interfaces.CoherenceStore
	vectors   interfaces.VectorStore
	history   interfaces.HistoryStore
	forgotten interfaces.ForgottenStore
	bib       interfaces.BibSystem

	logger arbor.ILogger
}

// NewManager wires the substores over the given backend clients. The
// history and forgotten stores are built first because every mutating store
// depends on them.
func NewManager(logger arbor.ILogger, esConn *elastic.Connection, chromaClient *chroma.Client, bib interfaces.BibSystem) *Manager {
	history := elastic.NewHistoryStore(esConn, logger)
	forgotten := elastic.NewForgottenStore(esConn, logger)

	manager := &Manager{
		esConn:       esConn,
		chromaClient: chromaClient,
		main:         elastic.NewMainStore(esConn, forgotten, logger),
		coherence:    elastic.NewCoherenceStore(esConn, history, logger),
		vectors:      chroma.NewVectorStore(chromaClient, history, logger),
		history:      history,
		forgotten:    forgotten,
		bib:          bib,
		logger:       logger,
	}

	logger.Info().Msg("Storage manager initialized")
	return manager
}

func (m *Manager) Main() interfaces.MainStore {
	return m.main
}

func (m *Manager) Coherence() interfaces.CoherenceStore {
	return m.coherence
}

func (m *Manager) Vectors() interfaces.VectorStore {
	return m.vectors
}

func (m *Manager) History() interfaces.HistoryStore {
	return m.history
}

func (m *Manager) Forgotten() interfaces.ForgottenStore {
	return m.forgotten
}

func (m *Manager) Bib() interfaces.BibSystem {
	return m.bib
}

// Health probes every backend concurrently. Overall health requires all
// backends reachable.
func (m *Manager) Health(ctx context.Context) interfaces.HealthStatus {
	checks := []struct {
		name  string
		probe func(context.Context) (int64, error)
	}{
		{"elastic-coherence", m.esConn.PingCoherence},
		{"elastic-forgotten", m.esConn.PingForgotten},
		{"chroma", m.chromaClient.Heartbeat},
		{"bib", func(ctx context.Context) (int64, error) {
			start := time.Now()
			err := m.bib.Ping(ctx)
			return time.Since(start).Milliseconds(), err
		}},
	}

	backends := make([]interfaces.BackendHealth, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, name string, probe func(context.Context) (int64, error)) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()

			latency, err := probe(probeCtx)
			health := interfaces.BackendHealth{
				Name:      name,
				Healthy:   err == nil,
				LatencyMs: latency,
			}
			if err != nil {
				health.Error = err.Error()
			}
			backends[i] = health
		}(i, check.name, check.probe)
	}
	wg.Wait()

	status := interfaces.HealthStatus{Healthy: true, Backends: backends}
	for _, backend := range backends {
		if !backend.Healthy {
			status.Healthy = false
			m.logger.Warn().
				Str("backend", backend.Name).
				Str("error", backend.Error).
				Msg("Backend unhealthy")
		}
	}
	return status
}

// Close releases all backend clients
func (m *Manager) Close() error {
	return m.esConn.Close()
}
