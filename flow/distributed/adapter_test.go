package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcraft/flowcraft/flow"
	"github.com/flowcraft/flowcraft/flow/coord"
	"github.com/flowcraft/flowcraft/flow/store"
)

// runWorker drives ProcessJobs in the background and stops it once idle
// is quiet for a short grace period — enough for a handful of in-memory
// jobs to drain without the test racing a long-lived worker loop.
func runWorker(t *testing.T, a *Adapter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.ProcessJobs(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = a.Stop()
		<-done
	})
}

func waitForStatus(t *testing.T, status *MemoryStatusStore, runID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok, _ := status.GetStatus(context.Background(), runID)
		if ok && st == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %s for run %s", want, runID)
}

func newTestAdapter(t *testing.T, reg *flow.Registry) (*Adapter, *MemoryStatusStore) {
	t.Helper()
	queue := NewMemoryQueueDriver(16)
	t.Cleanup(func() { _ = queue.Stop() })
	ctxStore := store.NewMemoryContextStore()
	coordStore := coord.NewMemoryStore()
	status := NewMemoryStatusStore()

	a := NewAdapter(queue, ctxStore, coordStore, status, reg, flow.Options{Registry: reg})
	return a, status
}

func echoNode(out any) flow.NodeFunc {
	return flow.NodeFunc(func(ctx context.Context, in flow.NodeInput) (flow.NodeResult, error) {
		return flow.NodeResult{Output: out}, nil
	})
}

func TestAdapter_SubmitAndProcessLinearChain(t *testing.T) {
	reg := flow.NewRegistry()
	reg.RegisterImplementation("a", echoNode("a-out"))
	reg.RegisterImplementation("b", echoNode("b-out"))

	bp := &flow.Blueprint{
		ID: "linear",
		Nodes: []flow.NodeDef{
			{ID: "a", Uses: "a"},
			{ID: "b", Uses: "b"},
		},
		Edges: []flow.EdgeDef{{From: "a", To: "b"}},
	}

	a, status := newTestAdapter(t, reg)
	runWorker(t, a)

	runID, err := a.Submit(context.Background(), bp, map[string]any{"seed": 1})
	require.NoError(t, err)

	waitForStatus(t, status, runID, Status(flow.StatusCompleted))
	result, ok := status.FinalResult(runID)
	require.True(t, ok)
	require.Equal(t, Status(flow.StatusCompleted), result.Status)
}

func TestAdapter_NodeErrorFinalizesAsFailed(t *testing.T) {
	reg := flow.NewRegistry()
	reg.RegisterImplementation("boom", flow.NodeFunc(func(ctx context.Context, in flow.NodeInput) (flow.NodeResult, error) {
		return flow.NodeResult{}, flow.ErrImplementationMissing
	}))

	bp := &flow.Blueprint{
		ID:    "failing",
		Nodes: []flow.NodeDef{{ID: "boom", Uses: "boom"}},
	}

	a, status := newTestAdapter(t, reg)
	runWorker(t, a)

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)

	waitForStatus(t, status, runID, Status(flow.StatusFailed))
}

func TestAdapter_JoinAllWaitsForBothPredecessors(t *testing.T) {
	reg := flow.NewRegistry()
	reg.RegisterImplementation("start", echoNode("start-out"))
	reg.RegisterImplementation("left", echoNode("left-out"))
	reg.RegisterImplementation("right", echoNode("right-out"))
	reg.RegisterImplementation("join", echoNode("join-out"))

	bp := &flow.Blueprint{
		ID: "join-all",
		Nodes: []flow.NodeDef{
			{ID: "start", Uses: "start"},
			{ID: "left", Uses: "left"},
			{ID: "right", Uses: "right"},
			{ID: "join", Uses: "join", Config: &flow.NodeConfig{Join: flow.JoinAll}},
		},
		Edges: []flow.EdgeDef{
			{From: "start", To: "left"},
			{From: "start", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	}

	a, status := newTestAdapter(t, reg)
	runWorker(t, a)

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)

	waitForStatus(t, status, runID, Status(flow.StatusCompleted))
}

func TestAdapter_JoinAllCompletesWhenBranchIsExcludedByCondition(t *testing.T) {
	reg := flow.NewRegistry()
	reg.RegisterImplementation("start", echoNode(map[string]any{}))
	reg.RegisterImplementation("onlyleft", echoNode("left-out"))
	reg.RegisterImplementation("blocker", echoNode("never-runs"))
	reg.RegisterImplementation("join", echoNode("joined"))

	bp := &flow.Blueprint{
		ID: "if-else-then-merge",
		Nodes: []flow.NodeDef{
			{ID: "start", Uses: "start"},
			{ID: "onlyleft", Uses: "onlyleft"},
			{ID: "blocker", Uses: "blocker"},
			{ID: "join", Uses: "join", Config: &flow.NodeConfig{Join: flow.JoinAll}},
		},
		Edges: []flow.EdgeDef{
			{From: "start", To: "onlyleft"},
			// Condition is always false: "blocker" has a structural incoming
			// edge but is never actually selected as a successor. Its edge
			// into "join" must settle excluded instead of blocking the
			// all-join forever.
			{From: "start", To: "blocker", Condition: "false"},
			{From: "onlyleft", To: "join"},
			{From: "blocker", To: "join"},
		},
	}

	a, status := newTestAdapter(t, reg)
	runWorker(t, a)

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)

	waitForStatus(t, status, runID, Status(flow.StatusCompleted))
}

func TestAdapter_JoinAnyFiresOnFirstArrival(t *testing.T) {
	reg := flow.NewRegistry()
	reg.RegisterImplementation("start", echoNode("start-out"))
	reg.RegisterImplementation("left", echoNode("left-out"))
	reg.RegisterImplementation("right", echoNode("right-out"))
	reg.RegisterImplementation("join", echoNode("join-out"))

	bp := &flow.Blueprint{
		ID: "join-any",
		Nodes: []flow.NodeDef{
			{ID: "start", Uses: "start"},
			{ID: "left", Uses: "left"},
			{ID: "right", Uses: "right"},
			{ID: "join", Uses: "join", Config: &flow.NodeConfig{Join: flow.JoinAny}},
		},
		Edges: []flow.EdgeDef{
			{From: "start", To: "left"},
			{From: "start", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	}

	a, status := newTestAdapter(t, reg)
	runWorker(t, a)

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)

	waitForStatus(t, status, runID, Status(flow.StatusCompleted))
}

func TestAdapter_DuplicateJobDeliveryIsIdempotent(t *testing.T) {
	reg := flow.NewRegistry()
	calls := 0
	reg.RegisterImplementation("once", flow.NodeFunc(func(ctx context.Context, in flow.NodeInput) (flow.NodeResult, error) {
		calls++
		return flow.NodeResult{Output: "ok"}, nil
	}))

	bp := &flow.Blueprint{
		ID:    "dup",
		Nodes: []flow.NodeDef{{ID: "once", Uses: "once"}},
	}

	a, status := newTestAdapter(t, reg)
	runWorker(t, a)

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)
	waitForStatus(t, status, runID, Status(flow.StatusCompleted))

	// Redeliver the same job directly through handleJob; the idempotency
	// lock in the coordination store must make this a no-op.
	err = a.handleJob(context.Background(), Job{RunID: runID, BlueprintID: bp.ID, NodeID: "once"})
	require.NoError(t, err)
	require.Equal(t, 1, calls, "redelivered job must not re-run the node")
}

func TestAdapter_CancelMidRunStopsFurtherEnqueues(t *testing.T) {
	reg := flow.NewRegistry()
	started := make(chan struct{})
	proceed := make(chan struct{})
	reg.RegisterImplementation("a", flow.NodeFunc(func(ctx context.Context, in flow.NodeInput) (flow.NodeResult, error) {
		close(started)
		<-proceed
		return flow.NodeResult{Output: "a-out"}, nil
	}))
	reg.RegisterImplementation("b", echoNode("b-out"))

	bp := &flow.Blueprint{
		ID: "cancel-me",
		Nodes: []flow.NodeDef{
			{ID: "a", Uses: "a"},
			{ID: "b", Uses: "b"},
		},
		Edges: []flow.EdgeDef{{From: "a", To: "b"}},
	}

	a, status := newTestAdapter(t, reg)
	runWorker(t, a)

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, a.Cancel(context.Background(), runID))
	close(proceed)

	waitForStatus(t, status, runID, Status(flow.StatusCancelled))
}

func TestAdapter_ReconcileReenqueuesStalledRun(t *testing.T) {
	reg := flow.NewRegistry()
	reg.RegisterImplementation("a", echoNode("a-out"))
	reg.RegisterImplementation("b", echoNode("b-out"))

	bp := &flow.Blueprint{
		ID: "reconcile-me",
		Nodes: []flow.NodeDef{
			{ID: "a", Uses: "a"},
			{ID: "b", Uses: "b"},
		},
		Edges: []flow.EdgeDef{{From: "a", To: "b"}},
	}

	// No worker running: Submit enqueues "a" onto a queue nobody drains,
	// simulating a crashed worker that never processed its job.
	queue := NewMemoryQueueDriver(16)
	t.Cleanup(func() { _ = queue.Stop() })
	ctxStore := store.NewMemoryContextStore()
	coordStore := coord.NewMemoryStore()
	status := NewMemoryStatusStore()
	a := NewAdapter(queue, ctxStore, coordStore, status, reg, flow.Options{Registry: reg})

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)

	// Drain and discard the original job so Reconcile has to synthesize a
	// fresh one instead of racing the original.
	<-queue.jobs

	require.NoError(t, status.SetStatus(context.Background(), runID, StatusRunning))
	idx := status

	require.NoError(t, a.Reconcile(context.Background(), idx, -time.Hour))

	runWorker(t, a)
	waitForStatus(t, status, runID, Status(flow.StatusCompleted))
}

func TestAdapter_ReconcileIsIdempotentOnRepeatedCalls(t *testing.T) {
	reg := flow.NewRegistry()
	reg.RegisterImplementation("a", echoNode("a-out"))

	bp := &flow.Blueprint{
		ID:    "reconcile-twice",
		Nodes: []flow.NodeDef{{ID: "a", Uses: "a"}},
	}

	queue := NewMemoryQueueDriver(16)
	t.Cleanup(func() { _ = queue.Stop() })
	ctxStore := store.NewMemoryContextStore()
	coordStore := coord.NewMemoryStore()
	status := NewMemoryStatusStore()
	a := NewAdapter(queue, ctxStore, coordStore, status, reg, flow.Options{Registry: reg})

	runID, err := a.Submit(context.Background(), bp, nil)
	require.NoError(t, err)
	<-queue.jobs // discard the original enqueue, simulating a lost worker

	require.NoError(t, status.SetStatus(context.Background(), runID, StatusRunning))

	require.NoError(t, a.Reconcile(context.Background(), status, -time.Hour))
	require.NoError(t, a.Reconcile(context.Background(), status, -time.Hour))

	// Exactly one re-enqueued job should be sitting on the queue; a
	// second job would indicate Reconcile double-scheduled the node.
	select {
	case <-queue.jobs:
	default:
		t.Fatal("expected exactly one re-enqueued job")
	}
	select {
	case <-queue.jobs:
		t.Fatal("reconcile ran a second time and enqueued a duplicate job")
	default:
	}
}
