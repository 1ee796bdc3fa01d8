package distributed

import (
	"context"
	"sync"
)

// MemoryQueueDriver is an in-process QueueDriver for tests and
// single-process simulations of the distributed adapter — a local
// stand-in, not a production driver. A buffered channel plays the role of
// the queue; ProcessJobs drains it with one goroutine per call.
type MemoryQueueDriver struct {
	jobs chan Job
	stop chan struct{}
	once sync.Once
}

// NewMemoryQueueDriver returns a driver backed by a channel of the given
// capacity (0 means unbuffered).
func NewMemoryQueueDriver(capacity int) *MemoryQueueDriver {
	return &MemoryQueueDriver{
		jobs: make(chan Job, capacity),
		stop: make(chan struct{}),
	}
}

func (d *MemoryQueueDriver) EnqueueJob(ctx context.Context, job Job) error {
	select {
	case d.jobs <- job:
		return nil
	case <-d.stop:
		return errQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessJobs drains the channel until ctx is cancelled or Stop is
// called, invoking handler synchronously per job. A handler error is
// logged to nothing here — callers wanting redelivery semantics should
// re-enqueue from within handler or wrap this driver.
func (d *MemoryQueueDriver) ProcessJobs(ctx context.Context, handler func(context.Context, Job) error) error {
	for {
		select {
		case job := <-d.jobs:
			_ = handler(ctx, job)
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *MemoryQueueDriver) Stop() error {
	d.once.Do(func() { close(d.stop) })
	return nil
}

var errQueueStopped = queueStoppedError{}

type queueStoppedError struct{}

func (queueStoppedError) Error() string { return "flow/distributed: queue stopped" }
