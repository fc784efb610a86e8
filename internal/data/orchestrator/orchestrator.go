// Package orchestrator wires together the stores and pipeline stages that
// back the MedQuery server and owns their lifecycles.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/careloop/medquery/internal/audit"
	"github.com/careloop/medquery/internal/common"
	"github.com/careloop/medquery/internal/executor"
	"github.com/careloop/medquery/internal/llm"
	"github.com/careloop/medquery/internal/notes"
	"github.com/careloop/medquery/internal/pipeline"
	"github.com/careloop/medquery/internal/policy"
	"github.com/careloop/medquery/internal/retriever"
	"github.com/careloop/medquery/internal/schema"
	"github.com/careloop/medquery/internal/translator"
	"github.com/careloop/medquery/internal/validator"
	"github.com/careloop/medquery/internal/vector"
	"github.com/careloop/medquery/internal/warehouse"
)

type closer interface {
	Close() error
}

// Orchestrator owns the warehouse, the audit trail, the optional vector
// index, and the query pipeline built on top of them.
type Orchestrator struct {
	cfg Config

	warehouse  *warehouse.Store
	auditStore *audit.Store
	recorder   *audit.Recorder
	vector     vector.Store
	provider   llm.Provider
	schema     *schema.Provider
	pipeline   *pipeline.Pipeline
	retriever  *retriever.Retriever
	notes      *notes.Service

	refreshStop chan struct{}
	refreshWG   sync.WaitGroup

	closers []closer
}

// New constructs an orchestrator from the provided configuration and
// optional overrides.
func New(ctx context.Context, cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg = applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	settings := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	wh, err := warehouse.Open(cfg.WarehousePath)
	if err != nil {
		return nil, fmt.Errorf("init warehouse: %w", err)
	}

	var sink audit.Sink
	var auditStore *audit.Store
	if settings.auditSink != nil {
		sink = settings.auditSink
	} else {
		auditStore, err = audit.Open(cfg.AuditPath)
		if err != nil {
			wh.Close()
			return nil, fmt.Errorf("init audit store: %w", err)
		}
		sink = auditStore
	}
	recorder := audit.NewRecorder(sink, audit.RecorderConfig{
		QueueSize:    cfg.AuditQueueSize,
		MaxAttempts:  cfg.AuditMaxAttempts,
		RetryBackoff: cfg.AuditRetryBackoff,
	})

	var vec vector.Store
	switch {
	case settings.vector != nil:
		vec = settings.vector
	case shouldEnableVector():
		client, err := vector.NewFromEnv(ctx)
		if err != nil {
			recorder.Close()
			if auditStore != nil {
				auditStore.Close()
			}
			wh.Close()
			return nil, fmt.Errorf("init vector client: %w", err)
		}
		vec = client
	}

	provider := settings.provider
	if provider == nil {
		provider = llm.NewProvider()
	}

	schemaProvider, err := schema.NewProvider(ctx, wh)
	if err != nil {
		recorder.Close()
		if auditStore != nil {
			auditStore.Close()
		}
		wh.Close()
		return nil, fmt.Errorf("init schema provider: %w", err)
	}

	retr := retriever.New(provider, vec, retriever.Config{
		TopK:          cfg.RetrieveTopK,
		MinSimilarity: float32(cfg.RetrieveMinScore),
		CacheSize:     cfg.RetrieveCacheSize,
		Narrate:       cfg.RetrieveNarrate,
	})
	pipe := pipeline.New(
		schemaProvider,
		translator.New(provider),
		validator.New(validator.Config{MaxRows: cfg.MaxRows, InjectLimit: cfg.InjectLimit}, policy.Default()),
		executor.New(wh.DB(), executor.Config{Timeout: cfg.ExecTimeout, MaxRows: cfg.MaxRows}),
		retr,
		recorder,
		pipeline.Config{},
	)

	orch := &Orchestrator{
		cfg:        cfg,
		warehouse:  wh,
		auditStore: auditStore,
		recorder:   recorder,
		vector:     vec,
		provider:   provider,
		schema:     schemaProvider,
		pipeline:   pipe,
		retriever:  retr,
		notes:      notes.NewService(wh.DB(), provider, vec),
	}
	orch.closers = append(orch.closers, wh)
	if auditStore != nil {
		orch.closers = append(orch.closers, auditStore)
	}
	if vecCloser, ok := vec.(closer); ok && vecCloser != nil {
		orch.closers = append(orch.closers, vecCloser)
	}

	if !settings.disableRefresh {
		orch.startRefreshLoop()
	}
	return orch, nil
}

// startRefreshLoop re-introspects the warehouse on the configured interval
// so translations keep seeing schema changes.
func (o *Orchestrator) startRefreshLoop() {
	o.refreshStop = make(chan struct{})
	o.refreshWG.Add(1)
	go func() {
		defer o.refreshWG.Done()
		ticker := time.NewTicker(o.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := o.schema.Refresh(ctx); err != nil {
					common.Logger().Warn("orchestrator: schema refresh failed", "error", err)
				}
				cancel()
			case <-o.refreshStop:
				return
			}
		}
	}()
}

// Pipeline exposes the query pipeline.
func (o *Orchestrator) Pipeline() *pipeline.Pipeline {
	if o == nil {
		return nil
	}
	return o.pipeline
}

// Warehouse exposes the clinical data store.
func (o *Orchestrator) Warehouse() *warehouse.Store {
	if o == nil {
		return nil
	}
	return o.warehouse
}

// Audit exposes the audit store for read endpoints; nil when a custom sink
// was injected.
func (o *Orchestrator) Audit() *audit.Store {
	if o == nil {
		return nil
	}
	return o.auditStore
}

// Schema exposes the snapshot provider.
func (o *Orchestrator) Schema() *schema.Provider {
	if o == nil {
		return nil
	}
	return o.schema
}

// Notes exposes the note ingestion service.
func (o *Orchestrator) Notes() *notes.Service {
	if o == nil {
		return nil
	}
	return o.notes
}

// Retriever exposes the note retriever, mainly so reindexing can purge its
// cache.
func (o *Orchestrator) Retriever() *retriever.Retriever {
	if o == nil {
		return nil
	}
	return o.retriever
}

// Vector exposes the optional vector store.
func (o *Orchestrator) Vector() vector.Store {
	if o == nil {
		return nil
	}
	return o.vector
}

// Close stops the refresh loop, flushes the audit queue, and releases the
// stores in reverse construction order.
func (o *Orchestrator) Close() error {
	if o == nil {
		return nil
	}
	if o.refreshStop != nil {
		close(o.refreshStop)
		o.refreshWG.Wait()
	}
	if o.recorder != nil {
		o.recorder.Close()
	}
	var err error
	for i := len(o.closers) - 1; i >= 0; i-- {
		c := o.closers[i]
		if c == nil {
			continue
		}
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func shouldEnableVector() bool {
	keys := []string{
		"CHROMADB_CONFIG_FILE",
		"CHROMADB_HOST",
		"CHROMADB_PORT",
		"CHROMADB_SCHEME",
		"CHROMADB_COLLECTION",
		"CHROMADB_API_KEY",
		"CHROMADB_TIMEOUT",
	}
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			return true
		}
	}
	return false
}
