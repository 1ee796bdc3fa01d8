package flow

import "context"

// dispatchAttempt performs one invocation of impl's retryable phase — the
// whole function for a NodeFunc, or Exec alone for a StructuredImpl — so
// the resiliency pipeline's attempt loop can retry this single call
// without re-running Prep/Post.
func dispatchAttempt(ctx context.Context, impl Implementation, in NodeInput) (NodeResult, error) {
	result, err := dispatchRaw(ctx, impl, in)
	if err == nil && result.Err != nil {
		// A node may report failure via NodeResult.Err alone rather than
		// the Go error return; promote it so the retry loop sees it either way.
		err = result.Err
	}
	return result, err
}

func dispatchRaw(ctx context.Context, impl Implementation, in NodeInput) (NodeResult, error) {
	switch t := impl.(type) {
	case NodeFunc:
		return t.run(ctx, in)
	case *StructuredImpl:
		if t.Exec == nil {
			return NodeResult{}, &NodeError{Message: "structured implementation has no Exec phase"}
		}
		return t.Exec(ctx, in)
	default:
		return NodeResult{}, &NodeError{Message: "unrecognized implementation type"}
	}
}

// dispatchPrep runs a StructuredImpl's Prep phase once, unretried,
// returning the (possibly rewritten) input for Exec. A no-op for
// function-shaped implementations.
func dispatchPrep(ctx context.Context, impl Implementation, in NodeInput) (NodeInput, error) {
	s, ok := impl.(*StructuredImpl)
	if !ok || s.Prep == nil {
		return in, nil
	}
	return s.Prep(ctx, in)
}

// dispatchPost runs a StructuredImpl's Post phase once, unretried, after
// Exec or the fallback has settled. A no-op for function-shaped
// implementations.
func dispatchPost(ctx context.Context, impl Implementation, in NodeInput, result NodeResult, execErr error) (NodeResult, error) {
	s, ok := impl.(*StructuredImpl)
	if !ok || s.Post == nil {
		return result, execErr
	}
	return s.Post(ctx, in, result, execErr)
}

// instanceFallback returns a StructuredImpl's own Fallback phase, if any
// — invoked if every Exec retry fails, before the node-level
// (NodeConfig.Fallback) or outer resiliency fallback is considered.
func instanceFallback(impl Implementation) (func(ctx context.Context, in NodeInput) (NodeResult, error), bool) {
	s, ok := impl.(*StructuredImpl)
	if !ok || s.Fallback == nil {
		return nil, false
	}
	return s.Fallback, true
}

// resolveInput computes a node's effective input per its InputSpec,
// preferring a pending value recorded by an edge transform over reading
// the configured context key(s).
func resolveInput(ctx context.Context, c Context, spec InputSpec, pending any, pendingSet bool) (any, error) {
	if pendingSet {
		return pending, nil
	}
	if spec.IsZero() {
		return nil, nil
	}
	if spec.Key != "" {
		v, _, err := c.Get(ctx, spec.Key)
		return v, err
	}
	out := make(map[string]any, len(spec.Map))
	for local, key := range spec.Map {
		v, _, err := c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[local] = v
	}
	return out, nil
}
