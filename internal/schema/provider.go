package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/careloop/medquery/internal/common"
)

// Introspector produces a fresh snapshot from the backing store.
type Introspector interface {
	IntrospectSchema(ctx context.Context) (*Snapshot, error)
}

// Provider hands out the current immutable snapshot and supports explicit
// refresh. Reads are lock-free; refresh builds a replacement snapshot and
// swaps it in atomically, so in-flight requests keep the snapshot they bound.
type Provider struct {
	source  Introspector
	current atomic.Pointer[Snapshot]

	refreshMu sync.Mutex
}

// NewProvider introspects once and returns a ready provider.
func NewProvider(ctx context.Context, source Introspector) (*Provider, error) {
	if source == nil {
		return nil, errors.New("schema introspector required")
	}
	p := &Provider{source: source}
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the active snapshot. Never nil after NewProvider succeeds.
func (p *Provider) Current() *Snapshot {
	if p == nil {
		return nil
	}
	return p.current.Load()
}

// Refresh introspects the store and atomically replaces the active snapshot.
// Concurrent refreshes are serialized; the previous snapshot stays valid for
// requests that already hold it.
func (p *Provider) Refresh(ctx context.Context) error {
	if p == nil || p.source == nil {
		return errors.New("schema provider not initialised")
	}
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	snap, err := p.source.IntrospectSchema(ctx)
	if err != nil {
		return fmt.Errorf("introspect schema: %w", err)
	}
	if snap == nil || len(snap.Tables) == 0 {
		return errors.New("introspection returned empty schema")
	}
	previous := p.current.Swap(snap)
	logger := common.Logger()
	if previous == nil || previous.Version != snap.Version {
		logger.Info("schema: snapshot refreshed", "version", snap.Version, "tables", len(snap.Tables))
	} else {
		logger.Debug("schema: snapshot unchanged", "version", snap.Version)
	}
	return nil
}
