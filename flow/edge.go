package flow

// EdgeDef connects two nodes in a Blueprint.
//
// At runtime the local orchestrator and the distributed adapter both
// select outgoing edges with the same two-pass algorithm: an action pass,
// then — only if it produced no candidates — a default pass over edges
// with no Action set. A selected edge's Condition (if any) must evaluate
// truthy via the expression evaluator for the edge to be taken; multiple
// taken edges fan out.
type EdgeDef struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string

	// Action, if set, selects this edge only when the source node's
	// result carries a matching Action.
	Action string

	// Condition is an optional boolean expression evaluated with access to
	// `result` (the source's output) and the context's top-level keys. A
	// falsy or erroring condition skips the edge.
	Condition string

	// Transform is an optional expression evaluated with `input` (the
	// edge's incoming payload) and `context` (a read-only snapshot). Its
	// result becomes the target node's effective input. When empty, the
	// source's output is passed through unchanged.
	Transform string
}
