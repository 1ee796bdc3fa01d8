package flow

// Analysis is the set of topology facts the local orchestrator and
// distributed adapter precompute at run start: cycles, start nodes,
// terminal nodes, and whether the graph is acyclic.
type Analysis struct {
	// Cycles lists every cycle found, each as a node-ID sequence ending
	// back at its own start.
	Cycles [][]string

	// StartNodes are nodes with no incoming edges.
	StartNodes []string

	// TerminalNodes are nodes with no outgoing edges.
	TerminalNodes []string

	// IsDAG reports whether the graph is acyclic.
	IsDAG bool
}

// Analyze computes Analysis for a compiled blueprint via depth-first
// search with a recursion set, linear in |V|+|E|. Used by the orchestrator
// to emit warnings, enforce strict mode, and seed the initial frontier.
func analyze(c *compiled) Analysis {
	a := Analysis{}

	for _, id := range c.NodeIDs() {
		if len(c.InEdges(id)) == 0 {
			a.StartNodes = append(a.StartNodes, id)
		}
		if len(c.OutEdges(id)) == 0 {
			a.TerminalNodes = append(a.TerminalNodes, id)
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(c.NodeIDs()))
	var path []string
	pathIndex := make(map[string]int)

	var visit func(id string)
	visit = func(id string) {
		state[id] = inStack
		path = append(path, id)
		pathIndex[id] = len(path) - 1

		for _, e := range c.OutEdges(id) {
			switch state[e.To] {
			case unvisited:
				visit(e.To)
			case inStack:
				// Found a cycle: path[pathIndex[e.To]:] + back to e.To.
				start := pathIndex[e.To]
				cycle := make([]string, 0, len(path)-start+1)
				cycle = append(cycle, path[start:]...)
				cycle = append(cycle, e.To)
				a.Cycles = append(a.Cycles, cycle)
			}
		}

		path = path[:len(path)-1]
		delete(pathIndex, id)
		state[id] = done
	}

	for _, id := range c.NodeIDs() {
		if state[id] == unvisited {
			visit(id)
		}
	}

	a.IsDAG = len(a.Cycles) == 0
	return a
}
