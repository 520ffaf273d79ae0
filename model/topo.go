package model

// TopoSort reorders the operator list so every operator follows the
// producers of its inputs. It is idempotent once the graph is sorted.
//
// Each sweep moves every not-yet-placed operator whose inputs are graph
// inputs or produced by placed operators; a sweep that places nothing
// means a cycle, in which case the operator list is left unchanged and
// TopoSort returns false.
func (g *Graph) TopoSort() bool {
	if g.sorted {
		return true
	}

	order := make([]OpID, 0, len(g.ops))
	placed := make(map[OpID]bool, len(g.ops))
	for len(order) < len(g.ops) {
		modified := false
		for _, id := range g.ops {
			if placed[id] || !g.ready(g.opArena[id], placed) {
				continue
			}
			order = append(order, id)
			placed[id] = true
			modified = true
		}
		if !modified {
			return false
		}
	}

	g.ops = order
	g.sorted = true
	return true
}

// ready reports whether all producers of op's inputs are placed.
func (g *Graph) ready(op *Operator, placed map[OpID]bool) bool {
	for _, in := range op.inputs {
		if src := g.tensorArena[in].source; src != NoOp && !placed[src] {
			return false
		}
	}
	return true
}
