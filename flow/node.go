package flow

import "context"

// JoinStrategy determines when a node with multiple predecessors becomes
// ready to run.
type JoinStrategy string

const (
	// JoinAll requires every predecessor reachable via a taken edge to have
	// completed before the node fires. Default when unset.
	JoinAll JoinStrategy = "all"

	// JoinAny fires the node on the first arriving predecessor; later
	// arrivals within the same run do not re-fire it.
	JoinAny JoinStrategy = "any"
)

// NodeConfig configures per-node resiliency behavior: retries, timeout,
// fallback, and fan-in join strategy.
type NodeConfig struct {
	// MaxRetries is the maximum number of attempts (including the first).
	// Must be >= 1. Zero is treated as 1 (no retries).
	MaxRetries int

	// RetryDelayMS is the wait between attempts, in milliseconds. Zero
	// means no wait. Cancellation short-circuits the wait.
	RetryDelayMS int

	// TimeoutMS is the absolute per-attempt timeout, in milliseconds. Zero
	// means no timeout.
	TimeoutMS int

	// Fallback is an implementation key run exactly once, with the same
	// inputs, after retries are exhausted. Empty means no fallback.
	Fallback string

	// Join is the fan-in strategy for this node. Empty defaults to
	// JoinAll.
	Join JoinStrategy
}

// EffectiveJoin returns the configured join strategy, defaulting to
// JoinAll when unset (invariant 5).
func (c *NodeConfig) EffectiveJoin() JoinStrategy {
	if c == nil || c.Join == "" {
		return JoinAll
	}
	return c.Join
}

// InputSpec describes how a node's input is resolved from the context
// before dispatch. Exactly one of Key or Map should be set; both empty
// means "no input".
type InputSpec struct {
	// Key reads a single context key as the node's entire input.
	Key string

	// Map resolves each local name to a context key, producing a
	// map[string]any input.
	Map map[string]string
}

// IsZero reports whether the InputSpec resolves to "no input".
func (s InputSpec) IsZero() bool {
	return s.Key == "" && len(s.Map) == 0
}

// InputKey builds an InputSpec that reads a single context key.
func InputKey(key string) InputSpec { return InputSpec{Key: key} }

// InputMap builds an InputSpec that maps local input names to context keys.
func InputMap(m map[string]string) InputSpec { return InputSpec{Map: m} }

// NodeDef is a node definition within a Blueprint: pure, serializable data.
type NodeDef struct {
	// ID uniquely identifies this node within its blueprint (invariant 2).
	ID string

	// Uses resolves to a registered Implementation (invariant 3).
	Uses string

	// Params is the node's static parameter record, passed verbatim to
	// every invocation.
	Params map[string]any

	// Inputs describes how this node's input is resolved from context.
	Inputs InputSpec

	// Config carries retry/timeout/fallback/join settings. Nil means all
	// defaults apply.
	Config *NodeConfig
}

// NodeResult is the output of a node execution.
type NodeResult struct {
	// Output is the optional output payload produced by the node.
	Output any

	// Action is an optional label used by successor selection's action
	// pass.
	Action string

	// Err is a structured error, if the node failed.
	Err error
}

// NodeInput is what a function-shaped or lifecycle-shaped implementation
// receives on invocation.
type NodeInput struct {
	// Context is the per-run context view (sync or async-over-store,
	// chosen once per run).
	Context Context

	// Input is this node's resolved input, per InputSpec.
	Input any

	// Params is the node's static parameter record.
	Params map[string]any

	// Dependencies is an opaque value injected into every node for the
	// run, supplied via Options.Dependencies.
	Dependencies any
}

// NodeFunc adapts a plain function into a function-shaped Implementation:
// a single callable receiving {context, input, params, dependencies}.
type NodeFunc func(ctx context.Context, in NodeInput) (NodeResult, error)

func (f NodeFunc) isImplementation() {}

// run invokes the function, used by the executor's dispatch table.
func (f NodeFunc) run(ctx context.Context, in NodeInput) (NodeResult, error) {
	return f(ctx, in)
}

// StructuredImpl is a lifecycle-shaped implementation with three phases:
// Prep (once, not retried), Exec (the only retryable phase), and Post
// (once, not retried, sees the exec/fallback result). An optional
// instance-level Fallback runs if all Exec retries fail, before the outer
// resiliency pipeline's node-level fallback is tried.
type StructuredImpl struct {
	// Prep runs once before Exec, unretried. May transform the input or
	// perform setup; its error is fatal to the activation.
	Prep func(ctx context.Context, in NodeInput) (NodeInput, error)

	// Exec is the retryable phase: invoked up to NodeConfig.MaxRetries
	// times.
	Exec func(ctx context.Context, in NodeInput) (NodeResult, error)

	// Post runs once after Exec (or Fallback) settles, unretried. It may
	// augment the result; its error becomes the activation's final error.
	Post func(ctx context.Context, in NodeInput, result NodeResult, execErr error) (NodeResult, error)

	// Fallback, if set, runs once if every Exec attempt fails, before the
	// node-level (NodeConfig.Fallback) or outer fallback is considered.
	Fallback func(ctx context.Context, in NodeInput) (NodeResult, error)
}

func (s *StructuredImpl) isImplementation() {}

// Implementation is the sum type Function(fn) | Structured(prep, exec,
// post, fallback?) that a node's Uses key resolves to.
type Implementation interface {
	isImplementation()
}
