package flow

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowcraft/flowcraft/flow/emit"
)

// CompiledBlueprint is a validated, indexed Blueprint. The local
// orchestrator compiles one per run internally; the distributed adapter
// compiles one per worker and holds onto it across many single-node jobs,
// since its unit of work is one job at a time rather than a whole frontier
// batch.
type CompiledBlueprint struct {
	c *compiled
}

// Compile validates bp against reg and builds its lookup indexes.
func Compile(bp *Blueprint, reg *Registry) (*CompiledBlueprint, error) {
	c, err := compile(bp, reg)
	if err != nil {
		return nil, err
	}
	return &CompiledBlueprint{c: c}, nil
}

// NodeDef looks up a node by ID.
func (cb *CompiledBlueprint) NodeDef(id string) (*NodeDef, bool) { return cb.c.NodeDef(id) }

// OutEdges returns outgoing edges from a node, in declaration order.
func (cb *CompiledBlueprint) OutEdges(id string) []*EdgeDef { return cb.c.OutEdges(id) }

// InEdges returns incoming edges to a node, in declaration order.
func (cb *CompiledBlueprint) InEdges(id string) []*EdgeDef { return cb.c.InEdges(id) }

// NodeIDs returns every node ID in declaration order.
func (cb *CompiledBlueprint) NodeIDs() []string { return cb.c.NodeIDs() }

// Analyze computes graph-topology facts for cb.
func (cb *CompiledBlueprint) Analyze() Analysis { return analyze(cb.c) }

// SelectSuccessors implements the action/default edge-selection pass for a
// single settled activation. Exported so the distributed adapter's worker
// loop can compute a job's next candidates exactly the way the local
// orchestrator does.
func SelectSuccessors(cb *CompiledBlueprint, evaluator *Evaluator, snapshot map[string]any, srcID string, result NodeResult) []*EdgeDef {
	return selectSuccessors(cb.c, evaluator, snapshot, srcID, result)
}

// RunNode executes a single node activation through the resiliency
// pipeline against c. This is the primitive the distributed adapter's
// worker loop processes one job with; the local orchestrator's frontier
// loop calls the unexported equivalent for a whole batch at once.
func RunNode(ctx context.Context, runID, blueprintID string, cb *CompiledBlueprint, nodeID string, c Context, opts Options, pending any, pendingIsSet bool) (NodeResult, error) {
	node, ok := cb.NodeDef(nodeID)
	if !ok {
		return NodeResult{}, &NodeError{NodeID: nodeID, Message: "node not found in compiled blueprint", Cause: ErrInvalidBlueprint}
	}

	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = NewEvaluator()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}

	r := &runner{
		reg:          reg,
		evaluator:    evaluator,
		pipeline:     NewPipeline(opts.Middleware, emitter, opts.Metrics, rand.New(rand.NewSource(time.Now().UnixNano()))),
		emitter:      emitter,
		metrics:      opts.Metrics,
		dependencies: opts.Dependencies,
	}
	return r.runNode(ctx, runID, blueprintID, node, c, pending, pendingIsSet)
}
