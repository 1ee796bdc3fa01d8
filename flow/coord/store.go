// Package coord implements the coordination store contract: atomic
// counters and leases the distributed adapter uses for fan-in join
// arithmetic and single-worker advancement locks.
package coord

import (
	"context"
	"time"
)

// Store is the atomic key-value contract the distributed adapter needs: an
// increment-with-expiry counter and a set-if-not-exist lease, plus plain
// get/delete. The distributed adapter keys everything by run ID: per-node
// "<runID>:<nodeID>:join", ":settled", ":scheduled", ":dead", ":lock" and
// ":reenqueue", plus per-run "<runID>:jobs:enqueued", "<runID>:jobs:done",
// "<runID>:failed" and "<runID>:cancelled".
type Store interface {
	// Increment atomically bumps key by one, creating it at 1 if absent,
	// and (re)sets its expiry to ttl. Returns the counter's new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetIfNotExist atomically creates key=value with expiry ttl only if
	// key is not already present. Reports whether it acquired the lease.
	SetIfNotExist(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns key's current string value, if present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}
