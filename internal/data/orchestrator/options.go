package orchestrator

import (
	"github.com/careloop/medquery/internal/audit"
	"github.com/careloop/medquery/internal/llm"
	"github.com/careloop/medquery/internal/vector"
)

type Option func(*options)

type options struct {
	disableRefresh bool
	vector         vector.Store
	provider       llm.Provider
	auditSink      audit.Sink
}

// WithRefreshDisabled prevents the orchestrator from starting the background
// schema refresh loop. Primarily used in tests.
func WithRefreshDisabled() Option {
	return func(o *options) {
		o.disableRefresh = true
	}
}

// WithVectorStore injects a vector store implementation.
func WithVectorStore(store vector.Store) Option {
	return func(o *options) {
		o.vector = store
	}
}

// WithProvider injects a model provider, bypassing environment selection.
func WithProvider(provider llm.Provider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithAuditSink injects an audit sink in place of the SQLite store.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *options) {
		o.auditSink = sink
	}
}
