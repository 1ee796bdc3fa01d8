package flow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/flowcraft/flow/emit"
	"github.com/flowcraft/flowcraft/flow/metrics"
)

// Status is a run's terminal state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStalled   Status = "stalled"
	StatusCancelled Status = "cancelled"
)

// RunResult is what the local orchestrator's Run produces: terminal
// status, the final context, and a list of per-node failures. The
// distributed adapter publishes a FinalResult instead.
type RunResult struct {
	Status  Status
	Context Context
	Errors  []*NodeError
}

// runner bundles the per-run configuration shared by the local
// orchestrator's top-level Run and a sub-workflow's recursive invocation —
// one Registry, one Evaluator, one resiliency Pipeline, so a child
// blueprint runs under the exact same implementation set, emitter, and
// middleware as its parent.
type runner struct {
	reg          *Registry
	evaluator    *Evaluator
	pipeline     *Pipeline
	emitter      emit.Emitter
	metrics      *metrics.Metrics
	dependencies any
	strict       bool
	maxSteps     int
	queueDepth   int
}

// Run is Flowcraft's submit-run entry point: it validates and analyzes the
// blueprint, then drives the frontier-expansion algorithm to completion,
// cancellation, or stall. The returned RunResult carries the terminal
// status, the final context, and any per-node failures.
func Run(ctx context.Context, bp *Blueprint, initial map[string]any, opts ...Option) (RunResult, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	runID := o.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	r := &runner{
		reg:          o.Registry,
		evaluator:    o.Evaluator,
		pipeline:     NewPipeline(o.Middleware, o.Emitter, o.Metrics, rand.New(rand.NewSource(time.Now().UnixNano()))),
		emitter:      o.Emitter,
		metrics:      o.Metrics,
		dependencies: o.Dependencies,
		strict:       o.Strict,
		maxSteps:     o.MaxSteps,
		queueDepth:   o.QueueDepth,
	}

	meta := ExecMeta{RunID: runID, BlueprintID: bp.ID, StartTime: time.Now()}
	c := NewContext(meta, initial)

	return r.execute(ctx, bp, c, runID)
}

// runChild invokes the same frontier-expansion algorithm recursively on a
// child blueprint for a sub-workflow node, inheriting the parent's
// registry, evaluator, middleware, and the caller's cancellation signal.
// The child shares the parent's run identifier — a sub-workflow is part of
// the same run, just a different blueprint — so events and traces
// correlate across the boundary.
func (r *runner) runChild(ctx context.Context, bp *Blueprint, childCtx Context) (RunResult, error) {
	return r.execute(ctx, bp, childCtx, childCtx.Meta().RunID)
}

// execute is the frontier-expansion algorithm itself: snapshot the
// frontier, run it concurrently, compute each settled activation's
// successors, and schedule whatever becomes ready, until the frontier
// empties.
//
// A join=all node's readiness is tracked per edge, not per structural
// predecessor: every incoming edge is either "arrived" (its source
// completed and selected it) or "excluded" (its source completed and
// did not select it, or its source itself could never run). A node
// becomes ready once every incoming edge has settled one way or the
// other and at least one arrived; if every incoming edge settles
// excluded, the node itself can never run and is marked dead, which in
// turn excludes all of its own outgoing edges — a branch that an
// if/else then rejoins downstream must not make the rejoining node wait
// forever on the branch it didn't take.
func (r *runner) execute(ctx context.Context, bp *Blueprint, c Context, runID string) (RunResult, error) {
	cp, err := compile(bp, r.reg)
	if err != nil {
		return RunResult{Status: StatusFailed}, err
	}

	analysis := analyze(cp)
	if !analysis.IsDAG && r.strict {
		return RunResult{Status: StatusFailed, Context: c}, ErrCyclicStrict
	}

	r.emitWF(runID, bp.ID, emit.WorkflowStart, nil)

	var (
		completed            = make(map[string]bool)
		scheduledOrCompleted = make(map[string]bool)
		deadNodes            = make(map[string]bool)
		arrivedCount         = make(map[string]int)
		settledCount         = make(map[string]int)
		pendingInput         = make(map[string]any)
		pendingSet           = make(map[string]bool)
		allErrors            []*NodeError
		activationCount      int
	)

	frontier := append([]string(nil), analysis.StartNodes...)
	for _, id := range frontier {
		scheduledOrCompleted[id] = true
	}

	if r.queueDepth > 0 && len(frontier) > r.queueDepth {
		r.metrics.IncBackpressure("frontier_full")
		return RunResult{Status: StatusFailed, Context: c}, ErrBackpressureTimeout
	}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			r.emitWF(runID, bp.ID, emit.WorkflowCancelled, nil)
			return RunResult{Status: StatusCancelled, Context: c, Errors: allErrors}, nil
		}

		type settled struct {
			nodeID string
			result NodeResult
			err    error
		}
		results := make([]settled, len(frontier))
		var wg sync.WaitGroup
		r.metrics.SetFrontierDepth(len(frontier))
		for i, nodeID := range frontier {
			wg.Add(1)
			go func(i int, nodeID string) {
				defer wg.Done()
				node, _ := cp.NodeDef(nodeID)
				result, err := r.runNode(ctx, runID, bp.ID, node, c, pendingInput[nodeID], pendingSet[nodeID])
				results[i] = settled{nodeID: nodeID, result: result, err: err}
			}(i, nodeID)
		}
		wg.Wait()

		activationCount += len(frontier)
		if r.maxSteps > 0 && activationCount > r.maxSteps {
			return RunResult{Status: StatusFailed, Context: c, Errors: allErrors}, ErrMaxActivationsExceeded
		}

		resultByNode := make(map[string]NodeResult, len(results))
		completedThisTurn := make(map[string]bool)
		for _, s := range results {
			if s.err != nil {
				allErrors = append(allErrors, toNodeError(s.nodeID, s.err))
				continue
			}
			completed[s.nodeID] = true
			completedThisTurn[s.nodeID] = true
			resultByNode[s.nodeID] = s.result
		}

		var nextFrontier []string

		// settle resolves one more incoming edge of target. Once every
		// incoming edge has settled, target is either scheduled (at
		// least one edge arrived) or marked dead (none did), in which
		// case its own outgoing edges settle excluded in turn.
		var settle func(target string)
		settle = func(target string) {
			if scheduledOrCompleted[target] || deadNodes[target] {
				return
			}
			total := len(cp.InEdges(target))
			node, _ := cp.NodeDef(target)
			join := JoinAll
			if node != nil {
				join = node.Config.EffectiveJoin()
			}

			if join == JoinAny {
				if arrivedCount[target] > 0 {
					scheduledOrCompleted[target] = true
					nextFrontier = append(nextFrontier, target)
					return
				}
			} else if settledCount[target] >= total && arrivedCount[target] > 0 {
				scheduledOrCompleted[target] = true
				nextFrontier = append(nextFrontier, target)
				return
			}

			if settledCount[target] >= total && arrivedCount[target] == 0 {
				deadNodes[target] = true
				for _, oe := range cp.OutEdges(target) {
					settledCount[oe.To]++
					settle(oe.To)
				}
			}
		}

		for _, nodeID := range frontier {
			if !completedThisTurn[nodeID] {
				continue
			}
			result := resultByNode[nodeID]
			snapshot, _ := c.ToJSON(ctx)
			selected := selectSuccessors(cp, r.evaluator, snapshot, nodeID, result)
			taken := make(map[*EdgeDef]bool, len(selected))
			for _, e := range selected {
				taken[e] = true
			}

			for _, e := range cp.OutEdges(nodeID) {
				if !taken[e] {
					settledCount[e.To]++
					settle(e.To)
					continue
				}

				input := result.Output
				if e.Transform != "" {
					t, terr := r.evaluator.EvalTransform(e.Transform, result.Output, snapshot)
					if terr != nil {
						// TransformFailed halts this edge only; the edge
						// never arrives, so it settles excluded.
						settledCount[e.To]++
						settle(e.To)
						continue
					}
					input = t
				}

				pendingInput[e.To] = input
				pendingSet[e.To] = true
				arrivedCount[e.To]++
				settledCount[e.To]++
				settle(e.To)
			}
		}

		if r.queueDepth > 0 && len(nextFrontier) > r.queueDepth {
			r.metrics.IncBackpressure("frontier_full")
			return RunResult{Status: StatusFailed, Context: c, Errors: allErrors}, ErrBackpressureTimeout
		}

		frontier = nextFrontier
	}

	if ctx.Err() != nil {
		// Cancellation during the final batch: the frontier drained, but the
		// run is cancelled, not failed — cancelled activations are not
		// failures for accounting.
		r.emitWF(runID, bp.ID, emit.WorkflowCancelled, nil)
		return RunResult{Status: StatusCancelled, Context: c, Errors: allErrors}, nil
	}

	if len(allErrors) > 0 {
		r.emitWF(runID, bp.ID, emit.WorkflowFinish, map[string]any{"status": string(StatusFailed)})
		return RunResult{Status: StatusFailed, Context: c, Errors: allErrors}, nil
	}

	stalled := false
	for _, id := range cp.NodeIDs() {
		if completed[id] || deadNodes[id] {
			continue
		}
		stalled = true
		break
	}

	if stalled {
		r.emitWF(runID, bp.ID, emit.WorkflowStall, nil)
		r.emitWF(runID, bp.ID, emit.WorkflowFinish, map[string]any{"status": string(StatusStalled)})
		return RunResult{Status: StatusStalled, Context: c, Errors: allErrors}, nil
	}

	r.emitWF(runID, bp.ID, emit.WorkflowFinish, map[string]any{"status": string(StatusCompleted)})
	return RunResult{Status: StatusCompleted, Context: c}, nil
}

// runNode resolves node's implementation (special-casing the subflow
// dispatch key), resolves its fallback and input, and hands the activation
// to the resiliency pipeline.
func (r *runner) runNode(ctx context.Context, runID, blueprintID string, node *NodeDef, c Context, pending any, pendingIsSet bool) (NodeResult, error) {
	var impl Implementation
	if node.Uses == SubflowImplementationKey {
		impl = NodeFunc(r.subflowImplementation())
	} else {
		found, ok := r.reg.Implementation(node.Uses)
		if !ok {
			return NodeResult{}, &FatalError{NodeID: node.ID, Message: "implementation missing: " + node.Uses, Cause: ErrImplementationMissing}
		}
		impl = found
	}

	var fallbackImpl Implementation
	if node.Config != nil && node.Config.Fallback != "" {
		if fb, ok := r.reg.Implementation(node.Config.Fallback); ok {
			fallbackImpl = fb
		}
	}

	input, err := resolveInput(ctx, c, node.Inputs, pending, pendingIsSet)
	if err != nil {
		return NodeResult{}, err
	}

	in := NodeInput{Context: c, Input: input, Params: node.Params, Dependencies: r.dependencies}
	return r.pipeline.Run(ctx, runID, blueprintID, node, impl, fallbackImpl, in)
}

// selectSuccessors implements the two-pass edge selection: an action pass,
// then — only if it produced no candidates — a default pass over unlabeled
// edges, each filtered by its Condition.
func selectSuccessors(cp *compiled, evaluator *Evaluator, snapshot map[string]any, srcID string, result NodeResult) []*EdgeDef {
	edges := cp.OutEdges(srcID)

	var actionMatches []*EdgeDef
	if result.Action != "" {
		for _, e := range edges {
			if e.Action == result.Action {
				actionMatches = append(actionMatches, e)
			}
		}
	}

	candidates := actionMatches
	if len(candidates) == 0 {
		for _, e := range edges {
			if e.Action == "" {
				candidates = append(candidates, e)
			}
		}
	}

	var selected []*EdgeDef
	for _, e := range candidates {
		if e.Condition == "" || evaluator.EvalCondition(e.Condition, result.Output, snapshot) {
			selected = append(selected, e)
		}
	}
	return selected
}

// toNodeError normalizes any error produced by a node activation into the
// structured *NodeError record the run result reports.
func toNodeError(nodeID string, err error) *NodeError {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return &NodeError{NodeID: nodeID, Message: fe.Error(), Code: "FATAL", Cause: err}
	}
	var nt *NodeTimeout
	if errors.As(err, &nt) {
		return &NodeError{NodeID: nodeID, Message: nt.Error(), Code: "NODE_TIMEOUT", Cause: err}
	}
	return &NodeError{NodeID: nodeID, Message: err.Error(), Cause: err}
}

func (r *runner) emitWF(runID, blueprintID, name string, payload map[string]any) {
	r.emitter.Emit(emit.Event{
		Name:        name,
		RunID:       runID,
		BlueprintID: blueprintID,
		Payload:     payload,
		Time:        time.Now(),
	})
}
