package flow

import (
	"context"
	"maps"
	"sync"
)

// ContextStore is the per-run, per-attribute remote state backing an
// asynchronous Context: one record per run keyed by runID, with
// attributes as context keys and per-attribute writes. Implementations
// live in flow/store; this interface is declared where it's consumed so
// store adapters depend on flow, not the reverse.
type ContextStore interface {
	// Get returns the value at (runID, key).
	Get(ctx context.Context, runID, key string) (any, bool, error)

	// Set writes (runID, key) = value and touches the run's lastUpdated
	// marker — the reconciler needs that marker touched at least on
	// job-start and on final publication, and every attribute write
	// satisfies that too, which only helps liveness detection.
	Set(ctx context.Context, runID, key string, value any) error

	// Delete removes (runID, key), if present.
	Delete(ctx context.Context, runID, key string) error

	// Keys returns every attribute key currently set for runID.
	Keys(ctx context.Context, runID string) ([]string, error)

	// Touch bumps runID's lastUpdated marker without writing an
	// attribute — used by onJobStart liveness bookkeeping.
	Touch(ctx context.Context, runID string) error
}

// storeContext is the remote-store-backed Context implementation. Every
// operation takes a context.Context and returns a plain (value, error)
// pair rather than a distinct future type, so node code is written once
// against Context regardless of which implementation backs a given run.
type storeContext struct {
	store ContextStore
	runID string
	meta  ExecMeta

	// scopeMu serializes CreateScope calls on this context. Set, Delete and
	// Merge do not take it, so a scope's snapshot is not atomic with
	// respect to concurrent writes to this run.
	scopeMu sync.Mutex
}

// NewStoreContext creates a Context backed by store for runID. meta.RunID
// is forced to runID so downstream node code sees a consistent value
// regardless of how the caller populated meta.
func NewStoreContext(store ContextStore, runID string, meta ExecMeta) Context {
	meta.RunID = runID
	return &storeContext{store: store, runID: runID, meta: meta}
}

func (s *storeContext) Get(ctx context.Context, key string) (any, bool, error) {
	return s.store.Get(ctx, s.runID, key)
}

func (s *storeContext) Set(ctx context.Context, key string, value any) error {
	return s.store.Set(ctx, s.runID, key, value)
}

func (s *storeContext) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.store.Get(ctx, s.runID, key)
	return ok, err
}

func (s *storeContext) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.runID, key)
}

func (s *storeContext) Keys(ctx context.Context) ([]string, error) {
	return s.store.Keys(ctx, s.runID)
}

func (s *storeContext) ToJSON(ctx context.Context) (map[string]any, error) {
	keys, err := s.store.Keys(ctx, s.runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok, err := s.store.Get(ctx, s.runID, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// CreateScope returns an in-process Context seeded from this context's
// current snapshot plus overlay. A sub-workflow's isolation doesn't
// require the scope itself to be store-backed — it exists only for the
// duration of the child run and is merged back explicitly — so an
// in-memory syncContext serves regardless of which implementation backs
// the parent.
func (s *storeContext) CreateScope(ctx context.Context, overlay map[string]any) (Context, error) {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	snapshot, err := s.ToJSON(ctx)
	if err != nil {
		return nil, err
	}
	maps.Copy(snapshot, overlay)
	return NewContext(s.meta, snapshot), nil
}

func (s *storeContext) Merge(ctx context.Context, other Context) error {
	snapshot, err := other.ToJSON(ctx)
	if err != nil {
		return err
	}
	for k, v := range snapshot {
		if err := s.store.Set(ctx, s.runID, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeContext) Meta() ExecMeta { return s.meta }
