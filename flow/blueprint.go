package flow

import "fmt"

// Blueprint is a self-contained, serializable workflow definition: an
// identifier, an ordered sequence of node definitions, an ordered sequence
// of edge definitions, and optional metadata. It is pure data —
// independently serializable, with no behavior of its own beyond the
// lookups this file provides.
type Blueprint struct {
	ID       string
	Nodes    []NodeDef
	Edges    []EdgeDef
	Metadata map[string]any
}

// Registry resolves implementation keys ("uses") to registered
// Implementation values. Also doubles as the lookup Flowcraft uses for
// child blueprints referenced by subflow nodes.
type Registry struct {
	implementations map[string]Implementation
	blueprints      map[string]*Blueprint
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		implementations: make(map[string]Implementation),
		blueprints:      make(map[string]*Blueprint),
	}
}

// RegisterImplementation associates a "uses" key with an Implementation.
func (r *Registry) RegisterImplementation(key string, impl Implementation) {
	r.implementations[key] = impl
}

// Implementation resolves a "uses" key, reporting whether it was found.
func (r *Registry) Implementation(key string) (Implementation, bool) {
	impl, ok := r.implementations[key]
	return impl, ok
}

// RegisterBlueprint makes a blueprint available as a subflow target by its
// own ID.
func (r *Registry) RegisterBlueprint(bp *Blueprint) {
	r.blueprints[bp.ID] = bp
}

// Blueprint resolves a blueprint ID previously registered via
// RegisterBlueprint.
func (r *Registry) Blueprint(id string) (*Blueprint, bool) {
	bp, ok := r.blueprints[id]
	return bp, ok
}

// compiled is the validated, indexed form of a Blueprint used by the
// orchestrator and graph analysis. Built once per run by compile().
type compiled struct {
	bp *Blueprint

	nodeByID   map[string]*NodeDef
	outEdges   map[string][]*EdgeDef // by source node ID, in declaration order
	inEdges    map[string][]*EdgeDef // by target node ID, in declaration order
	nodeOrder  []string              // declaration order, for deterministic iteration
}

// compile validates a Blueprint's structural invariants and builds the
// lookup indexes the orchestrator needs (outgoing/incoming edges by node,
// implementation resolution). Returns a *BlueprintError wrapping
// ErrInvalidBlueprint naming the offending element on failure.
func compile(bp *Blueprint, reg *Registry) (*compiled, error) {
	if bp == nil {
		return nil, &BlueprintError{Element: "blueprint", Message: "nil blueprint"}
	}

	c := &compiled{
		bp:        bp,
		nodeByID:  make(map[string]*NodeDef, len(bp.Nodes)),
		outEdges:  make(map[string][]*EdgeDef),
		inEdges:   make(map[string][]*EdgeDef),
		nodeOrder: make([]string, 0, len(bp.Nodes)),
	}

	for i := range bp.Nodes {
		n := &bp.Nodes[i]
		if n.ID == "" {
			return nil, &BlueprintError{Element: fmt.Sprintf("node[%d]", i), Message: "empty node ID"}
		}
		if _, dup := c.nodeByID[n.ID]; dup {
			return nil, &BlueprintError{Element: "node:" + n.ID, Message: "duplicate node ID"}
		}
		if n.Uses != "" && reg != nil {
			if _, ok := reg.Implementation(n.Uses); !ok && n.Uses != SubflowImplementationKey {
				return nil, &BlueprintError{Element: "node:" + n.ID, Message: "unknown implementation key " + n.Uses}
			}
		}
		c.nodeByID[n.ID] = n
		c.nodeOrder = append(c.nodeOrder, n.ID)
	}

	for i := range bp.Edges {
		e := &bp.Edges[i]
		if _, ok := c.nodeByID[e.From]; !ok {
			return nil, &BlueprintError{Element: fmt.Sprintf("edge[%d]", i), Message: "source node " + e.From + " not found"}
		}
		if _, ok := c.nodeByID[e.To]; !ok {
			return nil, &BlueprintError{Element: fmt.Sprintf("edge[%d]", i), Message: "target node " + e.To + " not found"}
		}
		c.outEdges[e.From] = append(c.outEdges[e.From], e)
		c.inEdges[e.To] = append(c.inEdges[e.To], e)
	}

	return c, nil
}

// NodeDef looks up a node by ID.
func (c *compiled) NodeDef(id string) (*NodeDef, bool) {
	n, ok := c.nodeByID[id]
	return n, ok
}

// OutEdges returns outgoing edges from a node, in declaration order.
func (c *compiled) OutEdges(nodeID string) []*EdgeDef {
	return c.outEdges[nodeID]
}

// InEdges returns incoming edges to a node, in declaration order.
func (c *compiled) InEdges(nodeID string) []*EdgeDef {
	return c.inEdges[nodeID]
}

// NodeIDs returns every node ID in declaration order.
func (c *compiled) NodeIDs() []string {
	return c.nodeOrder
}
