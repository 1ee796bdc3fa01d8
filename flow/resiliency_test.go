package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcraft/flowcraft/flow/emit"
)

func newTestPipeline(emitter emit.Emitter, mw ...Middleware) *Pipeline {
	return NewPipeline(mw, emitter, nil, nil)
}

func TestPipeline_RetryThenSuccess(t *testing.T) {
	attempts := 0
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		attempts++
		if attempts < 3 {
			return NodeResult{}, errors.New("transient")
		}
		return NodeResult{Output: "done"}, nil
	})
	node := &NodeDef{ID: "n1", Config: &NodeConfig{MaxRetries: 5}}

	p := newTestPipeline(nil)
	result, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.NoError(t, err)
	require.Equal(t, "done", result.Output)
	require.Equal(t, 3, attempts)
}

func TestPipeline_RetryExhaustionFallsBackToNodeLevelFallback(t *testing.T) {
	failing := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		return NodeResult{}, errors.New("always fails")
	})
	fallback := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		return NodeResult{Output: "fallback-output"}, nil
	})
	node := &NodeDef{ID: "n1", Config: &NodeConfig{MaxRetries: 2, Fallback: "fb"}}

	p := newTestPipeline(nil)
	result, err := p.Run(context.Background(), "run1", "bp1", node, failing, fallback, NodeInput{})

	require.NoError(t, err)
	require.Equal(t, "fallback-output", result.Output)
}

func TestPipeline_InstanceFallbackRunsBeforeNodeLevelFallback(t *testing.T) {
	execCalled := 0
	instanceFallbackCalled := false
	impl := &StructuredImpl{
		Exec: func(_ context.Context, in NodeInput) (NodeResult, error) {
			execCalled++
			return NodeResult{}, errors.New("exec failed")
		},
		Fallback: func(_ context.Context, in NodeInput) (NodeResult, error) {
			instanceFallbackCalled = true
			return NodeResult{Output: "instance-fallback"}, nil
		},
	}
	nodeLevelFallback := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		t.Fatal("node-level fallback should not run when instance fallback succeeds")
		return NodeResult{}, nil
	})
	node := &NodeDef{ID: "n1", Config: &NodeConfig{MaxRetries: 1, Fallback: "fb"}}

	p := newTestPipeline(nil)
	result, err := p.Run(context.Background(), "run1", "bp1", node, impl, nodeLevelFallback, NodeInput{})

	require.NoError(t, err)
	require.True(t, instanceFallbackCalled)
	require.Equal(t, 1, execCalled)
	require.Equal(t, "instance-fallback", result.Output)
}

func TestPipeline_NoFallbackPropagatesError(t *testing.T) {
	failing := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		return NodeResult{}, errors.New("boom")
	})
	node := &NodeDef{ID: "n1", Config: &NodeConfig{MaxRetries: 2}}

	p := newTestPipeline(nil)
	_, err := p.Run(context.Background(), "run1", "bp1", node, failing, nil, NodeInput{})

	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestPipeline_FatalErrorShortCircuitsRetries(t *testing.T) {
	attempts := 0
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		attempts++
		return NodeResult{}, &FatalError{NodeID: "n1", Message: "unrecoverable"}
	})
	node := &NodeDef{ID: "n1", Config: &NodeConfig{MaxRetries: 5}}

	p := newTestPipeline(nil)
	_, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.Error(t, err)
	require.Equal(t, 1, attempts, "a FatalError must not be retried")
}

func TestPipeline_MiddlewareBeforeShortCircuits(t *testing.T) {
	execCalled := false
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		execCalled = true
		return NodeResult{}, nil
	})
	node := &NodeDef{ID: "n1"}

	mw := Middleware{
		Before: func(actx ActivationContext) error {
			return errors.New("blocked by middleware")
		},
	}

	p := newTestPipeline(nil, mw)
	_, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.Error(t, err)
	require.False(t, execCalled, "Before returning an error must prevent the core attempt loop from running")
}

func TestPipeline_MiddlewareAfterObservesResult(t *testing.T) {
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		return NodeResult{Output: "ok"}, nil
	})
	node := &NodeDef{ID: "n1"}

	var observed NodeResult
	var observedErr error
	mw := Middleware{
		After: func(actx ActivationContext, result NodeResult, err error) {
			observed = result
			observedErr = err
		},
	}

	p := newTestPipeline(nil, mw)
	result, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.NoError(t, err)
	require.NoError(t, observedErr)
	require.Equal(t, result.Output, observed.Output)
}

func TestPipeline_MiddlewareAroundWrapsCore(t *testing.T) {
	var order []string
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		order = append(order, "core")
		return NodeResult{}, nil
	})
	node := &NodeDef{ID: "n1"}

	mw := Middleware{
		Around: func(actx ActivationContext, next func() (NodeResult, error)) (NodeResult, error) {
			order = append(order, "around-before")
			result, err := next()
			order = append(order, "around-after")
			return result, err
		},
	}

	p := newTestPipeline(nil, mw)
	_, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.NoError(t, err)
	require.Equal(t, []string{"around-before", "core", "around-after"}, order)
}

func TestPipeline_EmitsNodeLifecycleEvents(t *testing.T) {
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		return NodeResult{Output: "ok"}, nil
	})
	node := &NodeDef{ID: "n1"}

	be := emit.NewBufferedEmitter()
	p := newTestPipeline(be)
	_, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})
	require.NoError(t, err)

	history := be.History("run1")
	var names []string
	for _, e := range history {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{emit.NodeStart, emit.NodeFinish}, names)
}

func TestPipeline_EmitsRetryThenErrorEvents(t *testing.T) {
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		return NodeResult{}, errors.New("always fails")
	})
	node := &NodeDef{ID: "n1", Config: &NodeConfig{MaxRetries: 2}}

	be := emit.NewBufferedEmitter()
	p := newTestPipeline(be)
	_, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})
	require.Error(t, err)

	history := be.History("run1")
	var names []string
	for _, e := range history {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{emit.NodeStart, emit.NodeRetry, emit.NodeError}, names)
}

func TestPipeline_TimeoutCountsAsRetryAttempt(t *testing.T) {
	attempts := 0
	impl := NodeFunc(func(ctx context.Context, in NodeInput) (NodeResult, error) {
		attempts++
		<-ctx.Done()
		return NodeResult{}, ctx.Err()
	})
	node := &NodeDef{ID: "n1", Config: &NodeConfig{MaxRetries: 2, TimeoutMS: 1}}

	p := newTestPipeline(nil)
	_, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.Error(t, err)
	var nt *NodeTimeout
	require.ErrorAs(t, err, &nt)
	require.Equal(t, 2, attempts)
}

func TestPipeline_StructuredImplPrepRewritesInput(t *testing.T) {
	impl := &StructuredImpl{
		Prep: func(_ context.Context, in NodeInput) (NodeInput, error) {
			in.Input = "rewritten"
			return in, nil
		},
		Exec: func(_ context.Context, in NodeInput) (NodeResult, error) {
			return NodeResult{Output: in.Input}, nil
		},
	}
	node := &NodeDef{ID: "n1"}

	p := newTestPipeline(nil)
	result, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{Input: "original"})

	require.NoError(t, err)
	require.Equal(t, "rewritten", result.Output)
}

func TestPipeline_StructuredImplPostAugmentsResult(t *testing.T) {
	impl := &StructuredImpl{
		Exec: func(_ context.Context, in NodeInput) (NodeResult, error) {
			return NodeResult{Output: "exec-output"}, nil
		},
		Post: func(_ context.Context, in NodeInput, result NodeResult, execErr error) (NodeResult, error) {
			result.Output = result.Output.(string) + "-post"
			return result, execErr
		},
	}
	node := &NodeDef{ID: "n1"}

	p := newTestPipeline(nil)
	result, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.NoError(t, err)
	require.Equal(t, "exec-output-post", result.Output)
}

func TestPipeline_NodeResultErrFieldPromotedToGoError(t *testing.T) {
	impl := NodeFunc(func(_ context.Context, in NodeInput) (NodeResult, error) {
		return NodeResult{Err: errors.New("reported via NodeResult.Err")}, nil
	})
	node := &NodeDef{ID: "n1"}

	p := newTestPipeline(nil)
	_, err := p.Run(context.Background(), "run1", "bp1", node, impl, nil, NodeInput{})

	require.Error(t, err)
	require.Contains(t, err.Error(), "reported via NodeResult.Err")
}
