// Package distributed implements an abstract distributed adapter: the same
// frontier-expansion semantics as the local orchestrator, but with the
// frontier made explicit as jobs on a queue and state held in a context
// store reachable from every worker. Vendor queue bodies (SQS,
// BullMQ/Redis, Kafka) are out of scope; this package defines the
// QueueDriver contract they'd implement and ships one in-memory and one
// Redis-backed driver for local simulation and tests.
package distributed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcraft/flowcraft/flow"
	"github.com/flowcraft/flowcraft/flow/coord"
)

// Status mirrors flow.Status but adds the non-terminal "running" state a
// distributed run passes through between submission and finalization.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = Status(flow.StatusCompleted)
	StatusFailed    Status = Status(flow.StatusFailed)
	StatusStalled   Status = Status(flow.StatusStalled)
	StatusCancelled Status = Status(flow.StatusCancelled)
)

// Job is the serializable record carried on the queue. The full context is
// never carried here — it lives in the context store, keyed by RunID.
type Job struct {
	RunID       string `json:"runId"`
	BlueprintID string `json:"blueprintId"`
	NodeID      string `json:"nodeId"`
}

// FinalResult is the durable record Finalize publishes.
type FinalResult struct {
	Status      Status         `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	LastUpdated int64          `json:"lastUpdated"`
}

// QueueDriver is the overridable hook a concrete adapter supplies: persist
// a work item, and start consuming, invoking handler per message —
// acknowledging on success, leaving visible or redelivering per the
// queue's own contract on failure (handler's returned error signals that).
type QueueDriver interface {
	EnqueueJob(ctx context.Context, job Job) error
	ProcessJobs(ctx context.Context, handler func(ctx context.Context, job Job) error) error
	Stop() error
}

// StatusStore is the durable delivery point for a run's overall status and
// its terminal FinalResult.
type StatusStore interface {
	SetStatus(ctx context.Context, runID string, status Status) error
	GetStatus(ctx context.Context, runID string) (Status, bool, error)
	PublishFinalResult(ctx context.Context, runID string, result FinalResult) error
}

// RunRef names a run the reconciler sweep found marked "running".
type RunRef struct {
	RunID       string
	BlueprintID string
}

// RunIndex lets the reconciler discover stale runs without scanning the
// status store's full keyspace.
type RunIndex interface {
	ListRunning(ctx context.Context, olderThan time.Time) ([]RunRef, error)
}

// Adapter is the abstract distributed-adapter base: an injected
// QueueDriver, ContextStore, and CoordinationStore, with the orchestration
// logic implemented once on top of them. Construct via NewAdapter; a host
// program drives it through Submit, Cancel, ProcessJobs, Stop, and
// Reconcile — everything else is orchestration logic this struct owns.
type Adapter struct {
	Queue        QueueDriver
	ContextStore flow.ContextStore
	Coordination coord.Store
	Status       StatusStore
	Blueprints   *flow.Registry
	Options      flow.Options

	// OnJobStart, if set, runs liveness bookkeeping when a worker begins a
	// job. When nil, the adapter falls back to touching the context
	// store's lastUpdated marker, satisfying the same reconciler contract.
	OnJobStart func(runID, blueprintID, nodeID string)

	// JoinTTL bounds how long a join/lock/idempotency coordination key
	// survives. Defaults to 24h if zero.
	JoinTTL time.Duration

	mu       sync.Mutex
	compiled map[string]*flow.CompiledBlueprint
}

// NewAdapter wires the four injected collaborators into a ready-to-use
// Adapter.
func NewAdapter(queue QueueDriver, contextStore flow.ContextStore, coordination coord.Store, status StatusStore, blueprints *flow.Registry, opts flow.Options) *Adapter {
	if opts.Evaluator == nil {
		opts.Evaluator = flow.NewEvaluator()
	}
	return &Adapter{
		Queue:        queue,
		ContextStore: contextStore,
		Coordination: coordination,
		Status:       status,
		Blueprints:   blueprints,
		Options:      opts,
		compiled:     make(map[string]*flow.CompiledBlueprint),
	}
}

func (a *Adapter) ttl() time.Duration {
	if a.JoinTTL > 0 {
		return a.JoinTTL
	}
	return 24 * time.Hour
}

func (a *Adapter) compileFor(bp *flow.Blueprint) (*flow.CompiledBlueprint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cb, ok := a.compiled[bp.ID]; ok {
		return cb, nil
	}
	cb, err := flow.Compile(bp, a.Options.Registry)
	if err != nil {
		return nil, err
	}
	a.compiled[bp.ID] = cb
	return cb, nil
}

// Submit creates a fresh run, registers bp in a.Blueprints if no blueprint
// with its ID is registered yet (workers load it from there), materializes
// initial context in the external store, enqueues one job per start node,
// and writes the initial "running" status.
func (a *Adapter) Submit(ctx context.Context, bp *flow.Blueprint, initial map[string]any) (string, error) {
	cb, err := a.compileFor(bp)
	if err != nil {
		return "", err
	}
	if _, ok := a.Blueprints.Blueprint(bp.ID); !ok {
		a.Blueprints.RegisterBlueprint(bp)
	}
	analysis := cb.Analyze()
	if !analysis.IsDAG && a.Options.Strict {
		return "", flow.ErrCyclicStrict
	}

	runID := uuid.NewString()
	if err := a.ContextStore.Set(ctx, runID, blueprintIDKey, bp.ID); err != nil {
		return "", fmt.Errorf("flow/distributed: submit: %w", err)
	}
	for k, v := range initial {
		if err := a.ContextStore.Set(ctx, runID, k, v); err != nil {
			return "", fmt.Errorf("flow/distributed: submit: %w", err)
		}
	}

	for _, nodeID := range analysis.StartNodes {
		if err := a.Queue.EnqueueJob(ctx, Job{RunID: runID, BlueprintID: bp.ID, NodeID: nodeID}); err != nil {
			return "", fmt.Errorf("flow/distributed: enqueue start node %s: %w", nodeID, err)
		}
		if _, err := a.Coordination.Increment(ctx, enqueuedKey(runID), a.ttl()); err != nil {
			return "", err
		}
	}

	if err := a.Status.SetStatus(ctx, runID, StatusRunning); err != nil {
		return "", err
	}
	return runID, nil
}

// Cancel marks runID cancelled. In-flight jobs already pulled from the
// queue still run to completion; handleJob checks the flag before
// starting any new node activation and before enqueuing successors.
func (a *Adapter) Cancel(ctx context.Context, runID string) error {
	_, err := a.Coordination.SetIfNotExist(ctx, cancelKey(runID), "1", a.ttl())
	return err
}

func (a *Adapter) isCancelled(ctx context.Context, runID string) bool {
	_, ok, _ := a.Coordination.Get(ctx, cancelKey(runID))
	return ok
}

// ProcessJobs starts the worker loop: it delegates to the QueueDriver's
// own consumption mechanism, processing one job at a time through
// handleJob.
func (a *Adapter) ProcessJobs(ctx context.Context) error {
	return a.Queue.ProcessJobs(ctx, a.handleJob)
}

// Stop halts job consumption cooperatively.
func (a *Adapter) Stop() error { return a.Queue.Stop() }

func (a *Adapter) handleJob(ctx context.Context, job Job) error {
	if a.isCancelled(ctx, job.RunID) {
		a.finalize(ctx, job.RunID, job.BlueprintID, flow.StatusCancelled, "cancelled")
		return nil
	}

	bp, ok := a.Blueprints.Blueprint(job.BlueprintID)
	if !ok {
		a.recordFailure(ctx, job.RunID, fmt.Sprintf("node %s: blueprint %s not found", job.NodeID, job.BlueprintID))
		a.markJobDone(ctx, job.RunID)
		a.maybeFinalize(ctx, job.RunID, job.BlueprintID)
		return fmt.Errorf("flow/distributed: blueprint %s not found", job.BlueprintID)
	}
	cb, err := a.compileFor(bp)
	if err != nil {
		a.recordFailure(ctx, job.RunID, fmt.Sprintf("node %s: %v", job.NodeID, err))
		a.markJobDone(ctx, job.RunID)
		a.maybeFinalize(ctx, job.RunID, job.BlueprintID)
		return err
	}

	// Idempotency: a redelivered message for a node this run already
	// processed is a no-op.
	acquired, err := a.Coordination.SetIfNotExist(ctx, idempotencyKey(job.RunID, job.NodeID), "1", a.ttl())
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	if a.OnJobStart != nil {
		a.OnJobStart(job.RunID, job.BlueprintID, job.NodeID)
	} else {
		_ = a.ContextStore.Touch(ctx, job.RunID)
	}

	rctx := flow.NewStoreContext(a.ContextStore, job.RunID, flow.ExecMeta{
		RunID: job.RunID, BlueprintID: job.BlueprintID, NodeID: job.NodeID, StartTime: time.Now(),
	})

	pending, hasPending, _ := a.ContextStore.Get(ctx, job.RunID, pendingInputKey(job.NodeID))
	if hasPending {
		_ = a.ContextStore.Delete(ctx, job.RunID, pendingInputKey(job.NodeID))
	}

	result, err := flow.RunNode(ctx, job.RunID, job.BlueprintID, cb, job.NodeID, rctx, a.Options, pending, hasPending)
	if err != nil {
		a.recordFailure(ctx, job.RunID, fmt.Sprintf("node %s: %v", job.NodeID, err))
		a.appendCompleted(ctx, job.RunID, job.NodeID)
		a.markJobDone(ctx, job.RunID)
		a.maybeFinalize(ctx, job.RunID, job.BlueprintID)
		return err
	}

	a.appendCompleted(ctx, job.RunID, job.NodeID)

	snapshot, err := rctx.ToJSON(ctx)
	if err != nil {
		return err
	}

	selected := flow.SelectSuccessors(cb, a.Options.Evaluator, snapshot, job.NodeID, result)
	taken := make(map[*flow.EdgeDef]bool, len(selected))
	for _, e := range selected {
		taken[e] = true
	}

	for _, e := range cb.OutEdges(job.NodeID) {
		if a.isCancelled(ctx, job.RunID) {
			break
		}

		if !taken[e] {
			if err := a.settleEdge(ctx, cb, job.RunID, job.BlueprintID, e.To, false, nil); err != nil {
				return err
			}
			continue
		}

		input := result.Output
		if e.Transform != "" {
			t, terr := a.Options.Evaluator.EvalTransform(e.Transform, result.Output, snapshot)
			if terr != nil {
				// TransformFailed halts this edge only; it never arrives,
				// so it settles excluded rather than satisfying the join.
				if err := a.settleEdge(ctx, cb, job.RunID, job.BlueprintID, e.To, false, nil); err != nil {
					return err
				}
				continue
			}
			input = t
		}

		if err := a.settleEdge(ctx, cb, job.RunID, job.BlueprintID, e.To, true, input); err != nil {
			return err
		}
	}

	a.markJobDone(ctx, job.RunID)
	a.maybeFinalize(ctx, job.RunID, job.BlueprintID)
	return nil
}

// settleEdge resolves one more incoming edge of target, either arrived
// (source completed and selected it) or excluded (source completed and did
// not select it, or source itself was dead), and enqueues target once it
// becomes ready. Mirrors the local orchestrator's per-edge settlement using
// the coordination store's counters in place of in-memory state: a
// join=all node is ready once every incoming edge has settled and at
// least one arrived; if every edge settles excluded, target can never run
// and is marked dead, which excludes its own outgoing edges in turn.
func (a *Adapter) settleEdge(ctx context.Context, cb *flow.CompiledBlueprint, runID, blueprintID, target string, arrived bool, input any) error {
	if _, dead, _ := a.Coordination.Get(ctx, deadKey(runID, target)); dead {
		return nil
	}

	if arrived {
		if err := a.ContextStore.Set(ctx, runID, pendingInputKey(target), input); err != nil {
			return err
		}
	}

	settledN, err := a.Coordination.Increment(ctx, settledKey(runID, target), a.ttl())
	if err != nil {
		return err
	}

	var arrivedN int64
	if arrived {
		arrivedN, err = a.Coordination.Increment(ctx, joinKey(runID, target), a.ttl())
		if err != nil {
			return err
		}
	} else {
		arrivedN = a.counter(ctx, joinKey(runID, target))
	}

	node, ok := cb.NodeDef(target)
	if !ok {
		return fmt.Errorf("flow/distributed: target node %s not found", target)
	}
	total := int64(len(cb.InEdges(target)))

	ready := arrivedN > 0
	if node.Config.EffectiveJoin() != flow.JoinAny {
		ready = settledN >= total && arrivedN > 0
	}

	if ready {
		acquired, err := a.Coordination.SetIfNotExist(ctx, scheduledKey(runID, target), "1", a.ttl())
		if err != nil || !acquired {
			return err
		}
		if err := a.Queue.EnqueueJob(ctx, Job{RunID: runID, BlueprintID: blueprintID, NodeID: target}); err != nil {
			return err
		}
		_, err = a.Coordination.Increment(ctx, enqueuedKey(runID), a.ttl())
		return err
	}

	if settledN >= total && arrivedN == 0 {
		acquired, err := a.Coordination.SetIfNotExist(ctx, deadKey(runID, target), "1", a.ttl())
		if err != nil || !acquired {
			return err
		}
		for _, oe := range cb.OutEdges(target) {
			if err := a.settleEdge(ctx, cb, runID, blueprintID, oe.To, false, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) counter(ctx context.Context, key string) int64 {
	raw, ok, _ := a.Coordination.Get(ctx, key)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

func (a *Adapter) recordFailure(ctx context.Context, runID, reason string) {
	_, _ = a.Coordination.SetIfNotExist(ctx, failKey(runID), reason, a.ttl())
}

func (a *Adapter) markJobDone(ctx context.Context, runID string) {
	_, _ = a.Coordination.Increment(ctx, doneKey(runID), a.ttl())
}

func (a *Adapter) appendCompleted(ctx context.Context, runID, nodeID string) {
	ids, _ := a.completedNodes(ctx, runID)
	ids = append(ids, nodeID)
	_ = a.ContextStore.Set(ctx, runID, completedMarkerKey, ids)
}

func (a *Adapter) completedNodes(ctx context.Context, runID string) ([]string, error) {
	raw, ok, err := a.ContextStore.Get(ctx, runID, completedMarkerKey)
	if err != nil || !ok {
		return nil, err
	}
	items, _ := raw.([]any)
	ids := make([]string, 0, len(items))
	for _, v := range items {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	// A round-trip through a JSON-backed ContextStore yields []any; an
	// in-memory store that never serialized keeps the original []string.
	if items == nil {
		if strs, ok := raw.([]string); ok {
			ids = append(ids, strs...)
		}
	}
	return ids, nil
}

// maybeFinalize publishes the run's FinalResult once the run is terminal:
// either every node has settled (completed or dead), or every enqueued job
// has drained with some nodes left unsettled — a failed, cancelled, or
// stalled run. Settlement is checked independently of the job counters
// because reconciliation can re-enqueue work for a job that was lost
// before processing, leaving the enqueued counter permanently ahead of
// done.
func (a *Adapter) maybeFinalize(ctx context.Context, runID, blueprintID string) {
	bp, ok := a.Blueprints.Blueprint(blueprintID)
	if !ok {
		return
	}
	cb, err := a.compileFor(bp)
	if err != nil {
		return
	}

	completedIDs, _ := a.completedNodes(ctx, runID)
	completed := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}
	allSettled := true
	for _, nodeID := range cb.NodeIDs() {
		if completed[nodeID] {
			continue
		}
		if _, dead, _ := a.Coordination.Get(ctx, deadKey(runID, nodeID)); dead {
			continue
		}
		allSettled = false
		break
	}

	enqueuedStr, ok1, _ := a.Coordination.Get(ctx, enqueuedKey(runID))
	doneStr, ok2, _ := a.Coordination.Get(ctx, doneKey(runID))
	drained := ok1 && ok2 && enqueuedStr == doneStr

	if !allSettled && !drained {
		return
	}

	if a.isCancelled(ctx, runID) {
		a.finalize(ctx, runID, blueprintID, flow.StatusCancelled, "cancelled")
		return
	}
	if reason, failed, _ := a.Coordination.Get(ctx, failKey(runID)); failed {
		a.finalize(ctx, runID, blueprintID, flow.StatusFailed, reason)
		return
	}
	if allSettled {
		a.finalize(ctx, runID, blueprintID, flow.StatusCompleted, "")
		return
	}
	a.finalize(ctx, runID, blueprintID, flow.StatusStalled, "")
}

func (a *Adapter) finalize(ctx context.Context, runID, blueprintID string, status flow.Status, reason string) {
	rctx := flow.NewStoreContext(a.ContextStore, runID, flow.ExecMeta{RunID: runID, BlueprintID: blueprintID})
	payload, _ := rctx.ToJSON(ctx)
	for k := range payload {
		if strings.HasPrefix(k, internalKeyPrefix) {
			delete(payload, k)
		}
	}

	_ = a.Status.PublishFinalResult(ctx, runID, FinalResult{
		Status:      Status(status),
		Payload:     payload,
		Reason:      reason,
		LastUpdated: time.Now().Unix(),
	})
	_ = a.Status.SetStatus(ctx, runID, Status(status))
}

// Reconcile sweeps runs RunIndex reports as still "running" with no
// liveness touch since olderThan and re-enqueues any node whose incoming
// edges are satisfied but that has never been processed. Applying
// Reconcile twice in a row enqueues no new jobs the second time: nodes a
// worker already picked up hold the processing lock, and each recovery
// enqueue holds a re-enqueue lease for one staleness window.
func (a *Adapter) Reconcile(ctx context.Context, idx RunIndex, staleAfter time.Duration) error {
	refs, err := idx.ListRunning(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := a.reconcileRun(ctx, ref, staleAfter); err != nil {
			return fmt.Errorf("flow/distributed: reconcile %s: %w", ref.RunID, err)
		}
	}
	return nil
}

func (a *Adapter) reconcileRun(ctx context.Context, ref RunRef, staleAfter time.Duration) error {
	if a.isCancelled(ctx, ref.RunID) {
		return nil
	}

	blueprintID := ref.BlueprintID
	if blueprintID == "" {
		raw, ok, err := a.ContextStore.Get(ctx, ref.RunID, blueprintIDKey)
		if err != nil || !ok {
			return err
		}
		blueprintID, _ = raw.(string)
	}
	bp, ok := a.Blueprints.Blueprint(blueprintID)
	if !ok {
		return nil
	}
	cb, err := a.compileFor(bp)
	if err != nil {
		return err
	}

	completedIDs, err := a.completedNodes(ctx, ref.RunID)
	if err != nil {
		return err
	}
	completed := make(map[string]bool, len(completedIDs))
	for _, id := range completedIDs {
		completed[id] = true
	}

	for _, nodeID := range cb.NodeIDs() {
		if completed[nodeID] {
			continue
		}
		if _, dead, _ := a.Coordination.Get(ctx, deadKey(ref.RunID, nodeID)); dead {
			continue
		}

		isStart := len(cb.InEdges(nodeID)) == 0
		ready := isStart
		if !isStart {
			total := int64(len(cb.InEdges(nodeID)))
			arrivedN := a.counter(ctx, joinKey(ref.RunID, nodeID))
			node, _ := cb.NodeDef(nodeID)
			if node != nil && node.Config.EffectiveJoin() == flow.JoinAny {
				ready = arrivedN > 0
			} else {
				settledN := a.counter(ctx, settledKey(ref.RunID, nodeID))
				ready = settledN >= total && arrivedN > 0
			}
		}
		if !ready {
			continue
		}

		// A node that was ever processed holds the idempotency lock; skip it.
		if _, locked, _ := a.Coordination.Get(ctx, idempotencyKey(ref.RunID, nodeID)); locked {
			continue
		}

		// Guard the re-enqueue itself with a separate lease so sweeping
		// twice in a row synthesizes one job, not two. The lease expires
		// after the staleness threshold, so a job lost a second time is
		// still recoverable by a later sweep. The processing lock stays
		// untouched — the worker still has to take it.
		acquired, err := a.Coordination.SetIfNotExist(ctx, reenqueueKey(ref.RunID, nodeID), "1", staleAfter)
		if err != nil {
			return err
		}
		if !acquired {
			continue
		}
		if err := a.Queue.EnqueueJob(ctx, Job{RunID: ref.RunID, BlueprintID: blueprintID, NodeID: nodeID}); err != nil {
			return err
		}
		if _, err := a.Coordination.Increment(ctx, enqueuedKey(ref.RunID), a.ttl()); err != nil {
			return err
		}
	}
	return a.ContextStore.Touch(ctx, ref.RunID)
}

func enqueuedKey(runID string) string     { return runID + ":jobs:enqueued" }
func doneKey(runID string) string         { return runID + ":jobs:done" }
func failKey(runID string) string         { return runID + ":failed" }
func cancelKey(runID string) string       { return runID + ":cancelled" }
func joinKey(runID, nodeID string) string { return runID + ":" + nodeID + ":join" }

// settledKey counts how many of a node's incoming edges have resolved one
// way or another (arrived or excluded); joinKey counts only the arrivals.
// A node is ready once settledKey reaches its in-edge total with at least
// one arrival, and dead if it reaches that total with none.
func settledKey(runID, nodeID string) string { return runID + ":" + nodeID + ":settled" }

// scheduledKey guards against enqueuing the same node twice when multiple
// incoming edges settle concurrently.
func scheduledKey(runID, nodeID string) string { return runID + ":" + nodeID + ":scheduled" }

// deadKey marks a node whose incoming edges all settled excluded; it can
// never run, and this guards its outgoing-edge cascade from running twice.
func deadKey(runID, nodeID string) string { return runID + ":" + nodeID + ":dead" }

func idempotencyKey(runID, nodeID string) string {
	return runID + ":" + nodeID + ":lock"
}

// reenqueueKey leases a reconciler re-enqueue for one staleness window, so
// repeated sweeps synthesize one recovery job per node, not one per sweep.
func reenqueueKey(runID, nodeID string) string {
	return runID + ":" + nodeID + ":reenqueue"
}
func pendingInputKey(nodeID string) string { return internalKeyPrefix + "pending:" + nodeID }

// internalKeyPrefix marks context-store attributes that belong to the
// adapter's own bookkeeping; finalize strips them from the published
// payload.
const (
	internalKeyPrefix  = "__flowcraft:"
	completedMarkerKey = internalKeyPrefix + "completed"
	blueprintIDKey     = internalKeyPrefix + "blueprint_id"
)
