// Package flow implements the Flowcraft workflow execution engine: the
// orchestrator that advances a blueprint's execution frontier, the
// resiliency pipeline that wraps a single node activation, and the
// supporting blueprint/context/expression model those two depend on.
package flow

import "errors"

// Sentinel errors: the blueprint ones are raised at load or run-setup
// time, the others while a run is in progress.
var (
	// ErrInvalidBlueprint indicates a blueprint failed validation: a
	// duplicate node ID, a dangling edge endpoint, or a reference to an
	// unregistered implementation key.
	ErrInvalidBlueprint = errors.New("flow: invalid blueprint")

	// ErrImplementationMissing indicates a node's Uses key did not resolve
	// to a registered implementation. Fatal to the node and, because
	// unrecoverable, to the run.
	ErrImplementationMissing = errors.New("flow: implementation missing")

	// ErrCyclicStrict indicates a cyclic blueprint was submitted under
	// strict mode, which requires an acyclic graph (invariant 4).
	ErrCyclicStrict = errors.New("flow: cyclic blueprint rejected in strict mode")

	// ErrMaxActivationsExceeded is the configurable safety net for runs
	// (cyclic or not) that never settle.
	ErrMaxActivationsExceeded = errors.New("flow: run exceeded maximum node activations")

	// ErrCancelled marks cooperative cancellation. Not a failure for
	// accounting purposes; the run ends in its own terminal status.
	ErrCancelled = errors.New("flow: run cancelled")

	// ErrTransformFailed indicates an edge's transform expression raised
	// during evaluation. Halts that edge only; other edges from the same
	// source are unaffected.
	ErrTransformFailed = errors.New("flow: edge transform failed")

	// ErrBackpressureTimeout indicates a frontier wave exceeded the
	// orchestrator's configured queue depth.
	ErrBackpressureTimeout = errors.New("flow: frontier backpressure timeout")

	// ErrSubflowMissing indicates a subflow node's child blueprint ID did
	// not resolve in the blueprint registry.
	ErrSubflowMissing = errors.New("flow: subflow blueprint missing")

	// ErrInvalidRetryPolicy indicates a NodeConfig's retry fields violate
	// their documented constraints (MaxRetries >= 1, etc).
	ErrInvalidRetryPolicy = errors.New("flow: invalid retry policy")
)

// NodeError is the structured per-node failure record returned alongside a
// run's final status.
type NodeError struct {
	// NodeID identifies which node produced this error.
	NodeID string

	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code (e.g. "NODE_TIMEOUT",
	// "IMPLEMENTATION_MISSING") for programmatic handling.
	Code string

	// Cause is the underlying error that produced this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/errors.As composition.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// FatalError marks a node failure that must bypass all retries and the
// fallback entirely. Implementations raise it directly, or the executor
// wraps ErrImplementationMissing in one.
type FatalError struct {
	NodeID  string
	Message string
	Cause   error
}

func (e *FatalError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + " (fatal): " + e.Message
	}
	return e.Message
}

func (e *FatalError) Unwrap() error { return e.Cause }

// NodeTimeout indicates a single attempt exceeded its node's configured
// timeout. Subject to retry like any other transient failure.
type NodeTimeout struct {
	NodeID  string
	Timeout string
}

func (e *NodeTimeout) Error() string {
	return "node " + e.NodeID + ": exceeded timeout of " + e.Timeout
}

// BlueprintError names the offending blueprint element alongside
// ErrInvalidBlueprint, so callers can locate exactly what failed
// validation.
type BlueprintError struct {
	Element string // e.g. "node:foo", "node[2]", "edge[3]", "subflow"
	Message string
}

func (e *BlueprintError) Error() string {
	return "flow: invalid blueprint at " + e.Element + ": " + e.Message
}

func (e *BlueprintError) Unwrap() error { return ErrInvalidBlueprint }
