// Package funccache shares one loaded-code isolation context per function
// version across every live instance of that version, reference counted by
// instance execution ids.
package funccache

import (
	"fmt"
	"sync"

	"github.com/streamfn/orchestrator/pkg/prom"
	"go.uber.org/zap"
)

// ContextBuilder realizes an isolation context from a function's artifact
// list. Each backend supplies its own builder; see context.go.
type ContextBuilder func(functionKey string, artifacts []string) (IsolationContext, error)

// Manager is the per-factory dependency cache. All methods are safe for
// concurrent use; operations on the cache are serialized.
type Manager interface {
	// GetContext returns the live context for functionKey. It is an error to
	// ask for a function with no registered holders.
	GetContext(functionKey string) (IsolationContext, error)
	// Register adds executionID as a holder of functionKey, building the
	// context eagerly on first registration. A failed build leaves no entry
	// behind. Later registrations keep the first artifact list.
	Register(functionKey, executionID string, artifacts []string) error
	// Unregister drops a holder and releases the context when the last one
	// leaves. Unknown keys and repeated calls are no-ops.
	Unregister(functionKey, executionID string)
	// Holders reports the current holder count, 0 when no entry exists.
	Holders(functionKey string) int
	// Close releases every remaining context.
	Close()
}

type entry struct {
	artifacts []string
	ctx       IsolationContext
	holders   map[string]struct{}
}

type manager struct {
	mu      sync.Mutex
	build   ContextBuilder
	entries map[string]*entry
}

// NewManager returns an empty cache backed by build.
func NewManager(build ContextBuilder) Manager {
	return &manager{
		build:   build,
		entries: make(map[string]*entry),
	}
}

func (m *manager) GetContext(functionKey string) (IsolationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[functionKey]
	if !ok {
		return nil, fmt.Errorf("no dependencies registered for function %s", functionKey)
	}
	return e.ctx, nil
}

func (m *manager) Register(functionKey, executionID string, artifacts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[functionKey]; ok {
		e.holders[executionID] = struct{}{}
		zap.S().Debugw("dependency context shared", "function", functionKey, "holders", len(e.holders))
		return nil
	}
	ctx, err := m.build(functionKey, artifacts)
	if err != nil {
		return err
	}
	m.entries[functionKey] = &entry{
		artifacts: artifacts,
		ctx:       ctx,
		holders:   map[string]struct{}{executionID: {}},
	}
	prom.CacheEntries.Inc()
	zap.S().Infow("dependency context created", "function", functionKey, "artifacts", artifacts)
	return nil
}

func (m *manager) Unregister(functionKey, executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[functionKey]
	if !ok {
		return
	}
	delete(e.holders, executionID)
	if len(e.holders) > 0 {
		return
	}
	delete(m.entries, functionKey)
	prom.CacheEntries.Dec()
	if err := e.ctx.Release(); err != nil {
		zap.S().Warnw("dependency context release failed", "function", functionKey, "err", err)
	}
	zap.S().Infow("dependency context released", "function", functionKey)
}

func (m *manager) Holders(functionKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[functionKey]
	if !ok {
		return 0
	}
	return len(e.holders)
}

func (m *manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if err := e.ctx.Release(); err != nil {
			zap.S().Warnw("dependency context release failed", "function", key, "err", err)
		}
		delete(m.entries, key)
		prom.CacheEntries.Dec()
	}
}
