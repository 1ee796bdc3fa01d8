package flow

import (
	"context"
	"fmt"
)

// SubflowImplementationKey is the reserved "uses" value that dispatches a
// node to a child blueprint instead of a registered Implementation.
// compile() treats it as always resolvable.
const SubflowImplementationKey = "subflow"

// subflowParams is a node's Params, parsed for subflow dispatch: which
// child blueprint to run, and how to map context keys in (parent -> child)
// and out (child -> parent) across the isolation boundary (invariant 7).
type subflowParams struct {
	Blueprint string
	Inputs    map[string]string // child key -> parent key
	Outputs   map[string]string // parent key -> child key
}

func parseSubflowParams(params map[string]any) (subflowParams, error) {
	var sp subflowParams
	bp, _ := params["blueprint"].(string)
	if bp == "" {
		return sp, &BlueprintError{Element: "subflow", Message: "missing \"blueprint\" param"}
	}
	sp.Blueprint = bp
	sp.Inputs = toStringMap(params["inputs"])
	sp.Outputs = toStringMap(params["outputs"])
	return sp, nil
}

func toStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// subflowImplementation builds the NodeFunc that dispatches a subflow
// node: resolve the child blueprint, build an isolated child context
// seeded by the input mapping, run the child to completion on the same
// registry and cancellation signal, then merge its output mapping back
// into the parent context on success. A child ending in "failed" or
// "cancelled" fails the subflow node; the child's first NodeError, if any,
// is attached as the cause.
func (r *runner) subflowImplementation() NodeFunc {
	return func(ctx context.Context, in NodeInput) (NodeResult, error) {
		node := in.Params
		sp, err := parseSubflowParams(node)
		if err != nil {
			return NodeResult{}, &FatalError{Message: err.Error(), Cause: err}
		}

		child, ok := r.reg.Blueprint(sp.Blueprint)
		if !ok {
			return NodeResult{}, &FatalError{Message: fmt.Sprintf("subflow blueprint %q not found", sp.Blueprint), Cause: ErrSubflowMissing}
		}

		overlay := make(map[string]any, len(sp.Inputs))
		for childKey, parentKey := range sp.Inputs {
			if v, found, _ := in.Context.Get(ctx, parentKey); found {
				overlay[childKey] = v
			}
		}
		scope, err := in.Context.CreateScope(ctx, overlay)
		if err != nil {
			return NodeResult{}, err
		}

		childResult, err := r.runChild(ctx, child, scope)
		if err != nil {
			return NodeResult{}, err
		}

		switch childResult.Status {
		case StatusCompleted:
			for parentKey, childKey := range sp.Outputs {
				if v, found, _ := scope.Get(ctx, childKey); found {
					if err := in.Context.Set(ctx, parentKey, v); err != nil {
						return NodeResult{}, err
					}
				}
			}
			return NodeResult{Output: mustSnapshot(ctx, scope)}, nil
		default:
			return NodeResult{}, &NodeError{
				Message: fmt.Sprintf("subflow %q ended %s", sp.Blueprint, childResult.Status),
				Code:    "SUBFLOW_" + string(childResult.Status),
				Cause:   firstCause(childResult.Errors),
			}
		}
	}
}

func mustSnapshot(ctx context.Context, c Context) map[string]any {
	snap, err := c.ToJSON(ctx)
	if err != nil {
		return nil
	}
	return snap
}

func firstCause(errs []*NodeError) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
