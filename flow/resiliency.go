package flow

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/flowcraft/flowcraft/flow/emit"
	"github.com/flowcraft/flowcraft/flow/metrics"
)

// Pipeline is the resiliency wrapper around a single node activation:
// middleware around-chain, before hooks, the core retry/timeout/fallback
// attempt loop, and after hooks.
type Pipeline struct {
	middleware []Middleware
	emitter    emit.Emitter
	metrics    *metrics.Metrics
	rng        *rand.Rand
}

// NewPipeline builds a Pipeline. A nil emitter defaults to
// emit.NullEmitter{}; a nil metrics disables metrics recording.
func NewPipeline(middleware []Middleware, emitter emit.Emitter, m *metrics.Metrics, rng *rand.Rand) *Pipeline {
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pipeline{middleware: middleware, emitter: emitter, metrics: m, rng: rng}
}

// Run executes node through the full resiliency pipeline and returns its
// settled result. impl is the resolved Implementation; fallbackImpl is the
// node-level (NodeConfig.Fallback) implementation, or nil if none is
// configured.
func (p *Pipeline) Run(
	ctx context.Context,
	runID, blueprintID string,
	node *NodeDef,
	impl Implementation,
	fallbackImpl Implementation,
	in NodeInput,
) (NodeResult, error) {
	actx := ActivationContext{RunID: runID, BlueprintID: blueprintID, NodeID: node.ID, Context: in.Context}

	core := func() (NodeResult, error) {
		var result NodeResult
		var err error
		for _, mw := range p.middleware {
			if mw.Before != nil {
				if err = mw.Before(actx); err != nil {
					break
				}
			}
		}

		if err == nil {
			result, err = p.runCore(ctx, runID, blueprintID, node, impl, fallbackImpl, in)
		}

		// After hooks are guaranteed, including when a Before hook failed.
		for _, mw := range p.middleware {
			if mw.After != nil {
				mw.After(actx, result, err)
			}
		}
		return result, err
	}

	chain := core
	for i := len(p.middleware) - 1; i >= 0; i-- {
		mw := p.middleware[i]
		if mw.Around == nil {
			continue
		}
		next := chain
		around := mw.Around
		chain = func() (NodeResult, error) {
			return around(actx, next)
		}
	}

	return chain()
}

// runCore implements the attempt loop itself: emit node:start, run Prep
// (structured only), retry Exec up to MaxRetries with backoff/timeout,
// consider instance then node-level fallback on exhaustion, run Post, and
// emit the terminal event.
func (p *Pipeline) runCore(
	ctx context.Context,
	runID, blueprintID string,
	node *NodeDef,
	impl Implementation,
	fallbackImpl Implementation,
	in NodeInput,
) (NodeResult, error) {
	start := time.Now()
	p.emit(runID, blueprintID, node.ID, emit.NodeStart, nil, nil)

	maxRetries := 1
	var retryDelay time.Duration
	var timeout time.Duration
	if node.Config != nil {
		if node.Config.MaxRetries > 0 {
			maxRetries = node.Config.MaxRetries
		}
		retryDelay = time.Duration(node.Config.RetryDelayMS) * time.Millisecond
		timeout = time.Duration(node.Config.TimeoutMS) * time.Millisecond
	}

	prepped, err := dispatchPrep(ctx, impl, in)
	if err != nil {
		return p.finish(runID, blueprintID, node, NodeResult{}, err, start, "error")
	}
	in = prepped

	var (
		result  NodeResult
		execErr error
		fatal   bool
	)

	for attempt := 0; attempt < maxRetries; attempt++ {
		if ctx.Err() != nil {
			execErr = ErrCancelled
			break
		}
		if attempt > 0 {
			p.emit(runID, blueprintID, node.ID, emit.NodeRetry, nil, map[string]any{"attempt": attempt})
			p.metrics.IncRetry(node.ID)
			if retryDelay > 0 {
				wait := computeBackoff(retryDelay, p.rng)
				cancelled := false
				select {
				case <-ctx.Done():
					cancelled = true
				case <-time.After(wait):
				}
				if cancelled {
					execErr = ErrCancelled
					break
				}
			}
		}

		result, execErr = p.runAttempt(ctx, node, impl, in, timeout)
		if execErr == nil {
			break
		}
		var fe *FatalError
		if errors.As(execErr, &fe) {
			fatal = true
			break
		}
	}

	if execErr != nil && !fatal && !errors.Is(execErr, ErrCancelled) {
		if fb, ok := instanceFallback(impl); ok {
			p.emit(runID, blueprintID, node.ID, emit.NodeFallback, nil, nil)
			fbResult, fbErr := fb(ctx, in)
			if fbErr == nil {
				result, execErr = fbResult, nil
			}
		}
		if execErr != nil && fallbackImpl != nil {
			p.emit(runID, blueprintID, node.ID, emit.NodeFallback, nil, nil)
			fbResult, fbErr := dispatchAttempt(ctx, fallbackImpl, in)
			result, execErr = fbResult, fbErr
		}
	}

	result, execErr = dispatchPost(ctx, impl, in, result, execErr)

	status := "success"
	if execErr != nil {
		status = "error"
	}
	return p.finish(runID, blueprintID, node, result, execErr, start, status)
}

// runAttempt executes exactly one retryable-phase attempt, racing it
// against node's timeout if configured; an attempt that exceeds it counts
// as one retry.
func (p *Pipeline) runAttempt(ctx context.Context, node *NodeDef, impl Implementation, in NodeInput, timeout time.Duration) (NodeResult, error) {
	if timeout <= 0 {
		return dispatchAttempt(ctx, impl, in)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := dispatchAttempt(attemptCtx, impl, in)
	if err == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return result, &NodeTimeout{NodeID: node.ID, Timeout: timeout.String()}
	}
	if attemptCtx.Err() == context.DeadlineExceeded {
		return result, &NodeTimeout{NodeID: node.ID, Timeout: timeout.String()}
	}
	return result, err
}

func (p *Pipeline) finish(runID, blueprintID string, node *NodeDef, result NodeResult, err error, start time.Time, status string) (NodeResult, error) {
	p.metrics.RecordStepLatency(node.ID, status, time.Since(start))
	if err != nil {
		p.emit(runID, blueprintID, node.ID, emit.NodeError, err, nil)
		return result, err
	}
	p.emit(runID, blueprintID, node.ID, emit.NodeFinish, nil, nil)
	return result, nil
}

func (p *Pipeline) emit(runID, blueprintID, nodeID, name string, err error, payload map[string]any) {
	p.emitter.Emit(emit.Event{
		Name:        name,
		RunID:       runID,
		BlueprintID: blueprintID,
		NodeID:      nodeID,
		Err:         err,
		Payload:     payload,
		Time:        time.Now(),
	})
}
