package flow

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"
)

// ExecMeta carries the execution metadata every Context exposes alongside
// its key/value state: run identifier, blueprint identifier, current node
// identifier, start time, environment, and the run's cancellation signal.
type ExecMeta struct {
	RunID       string
	BlueprintID string
	NodeID      string
	StartTime   time.Time
	Env         map[string]string
}

// Context is the single capability set shared by Flowcraft's two
// implementations — an in-process map and a remote-store-backed view — so
// node code is written once against one interface. Every operation takes a
// context.Context so a remote-store-backed implementation can honor
// cancellation and timeouts the same way an in-process one does; for the
// in-process implementation these calls never actually suspend.
type Context interface {
	// Get returns the value stored at key, and whether it was present.
	Get(ctx context.Context, key string) (any, bool, error)

	// Set stores value at key. Per invariant 6, within a single node the
	// context is mutated directly; the mutation becomes visible to
	// downstream nodes once this node's activation commits.
	Set(ctx context.Context, key string, value any) error

	// Has reports whether key is present.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error

	// Keys returns every top-level key currently set.
	Keys(ctx context.Context) ([]string, error)

	// ToJSON returns a plain map snapshot suitable for serialization.
	ToJSON(ctx context.Context) (map[string]any, error)

	// CreateScope returns a new Context seeded with this context's current
	// snapshot plus overlay. Mutations to the returned scope never
	// propagate back to this context unless Merge is explicitly issued —
	// this is what gives a sub-workflow activation its isolation.
	CreateScope(ctx context.Context, overlay map[string]any) (Context, error)

	// Merge copies every key from other into this context, overwriting on
	// conflict. A subflow node does not use it: it copies back only its
	// mapped output keys, one Set per key.
	Merge(ctx context.Context, other Context) error

	// Meta returns this context's execution metadata.
	Meta() ExecMeta
}

// syncContext is the in-process, directly-readable implementation of
// Context: a mutex-guarded map.
type syncContext struct {
	mu   sync.Mutex
	data map[string]any
	meta ExecMeta
}

// NewContext creates an in-process Context seeded with initial state and
// execution metadata.
func NewContext(meta ExecMeta, initial map[string]any) Context {
	data := make(map[string]any, len(initial))
	maps.Copy(data, initial)
	return &syncContext{data: data, meta: meta}
}

func (c *syncContext) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *syncContext) Set(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *syncContext) Has(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

func (c *syncContext) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *syncContext) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *syncContext) ToJSON(_ context.Context) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.data))
	maps.Copy(out, c.data)
	return out, nil
}

func (c *syncContext) CreateScope(ctx context.Context, overlay map[string]any) (Context, error) {
	snapshot, err := c.ToJSON(ctx)
	if err != nil {
		return nil, err
	}
	maps.Copy(snapshot, overlay)
	meta := c.meta
	return &syncContext{data: snapshot, meta: meta}, nil
}

func (c *syncContext) Merge(ctx context.Context, other Context) error {
	snapshot, err := other.ToJSON(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.data, snapshot)
	return nil
}

func (c *syncContext) Meta() ExecMeta { return c.meta }

// Serializer converts a context snapshot to and from a wire format. The
// default is JSON; implementations may substitute a richer codec that
// preserves date/map/set/error values, provided both sides of a
// serialize/deserialize round trip use the same Serializer.
type Serializer interface {
	Serialize(snapshot map[string]any) ([]byte, error)
	Deserialize(data []byte) (map[string]any, error)
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(snapshot map[string]any) ([]byte, error) {
	return json.Marshal(snapshot)
}

func (JSONSerializer) Deserialize(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
