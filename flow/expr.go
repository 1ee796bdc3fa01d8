package flow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates the two kinds of string expressions a Blueprint's
// edges carry: a boolean Condition and a value-producing Transform. It
// wraps github.com/expr-lang/expr in a locked-down configuration —
// compiled against a plain map[string]any environment with no builtin
// function environment exposing process, filesystem, or network state —
// which satisfies the sandboxing contract without hand-rolling a
// recursive-descent parser.
//
// Evaluator caches compiled programs by source expression, since the same
// edge condition/transform is evaluated repeatedly across activations and
// runs.
type Evaluator struct {
	cache *programCache
}

// NewEvaluator returns a ready-to-use Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: newProgramCache()}
}

// EvalCondition evaluates a boolean condition expression with `result`
// (the source node's output) and the context snapshot's top-level keys
// available by name. A compile or runtime error is treated as falsy,
// never propagated.
func (e *Evaluator) EvalCondition(src string, result any, contextSnapshot map[string]any) bool {
	if src == "" {
		return true
	}
	env := make(map[string]any, len(contextSnapshot)+1)
	for k, v := range contextSnapshot {
		env[k] = v
	}
	env["result"] = result

	prog, err := e.cache.compile(src, env)
	if err != nil {
		return false
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// EvalTransform evaluates a value-producing transform expression with
// `input` (the edge's incoming payload) and `context` (a read-only
// snapshot) available by name. A compile or runtime error raises
// ErrTransformFailed, wrapped with the expression and cause.
func (e *Evaluator) EvalTransform(src string, input any, contextSnapshot map[string]any) (any, error) {
	if src == "" {
		return input, nil
	}
	env := map[string]any{
		"input":   input,
		"context": contextSnapshot,
	}

	prog, err := e.cache.compile(src, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrTransformFailed, src, err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrTransformFailed, src, err)
	}
	return out, nil
}

// programCache memoizes compiled expr programs. expr.Compile is
// comparatively expensive; blueprints reuse the same condition/transform
// strings across every activation of an edge. A single Evaluator is shared
// across concurrently-running sub-workflow activations, so the cache
// guards its map with a mutex.
type programCache struct {
	mu      sync.RWMutex
	entries map[string]*vm.Program
}

func newProgramCache() *programCache {
	return &programCache{entries: make(map[string]*vm.Program)}
}

func (c *programCache) compile(src string, env map[string]any) (*vm.Program, error) {
	c.mu.RLock()
	p, ok := c.entries[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[src] = p
	c.mu.Unlock()
	return p, nil
}
