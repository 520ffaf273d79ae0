package model

import (
	"sort"

	"github.com/samber/lo"
)

// Rewrites counts what one Optimize sweep changed.
type Rewrites struct {
	CancelledTransposes int // transpose pairs removed as inverses
	FusedTransposes     int // transposes folded into MatMul flags
}

// Changed reports whether any rewrite was applied.
func (r Rewrites) Changed() bool {
	return r.CancelledTransposes > 0 || r.FusedTransposes > 0
}

// rewritePlan is the outcome of matching against the unmodified graph.
type rewritePlan struct {
	removed map[OpID]bool
	replace map[TensorID]TensorID // old tensor -> tensor its consumers read instead
	toggles map[OpID][2]bool      // MatMul transA/transB flips
	stats   Rewrites
}

// Optimize runs one sweep of the two rewrite rules:
//
//  1. a Transpose whose output feeds exactly one operator, itself a Transpose
//     with the inverse permutation, is removed together with that consumer;
//     readers of the second output read the first input instead.
//  2. a Transpose swapping only the last two axes whose output is read only
//     by a MatMul is folded into that MatMul's transA/transB flag.
//
// All matches are computed on the unmodified graph before any mutation.
// Chains are not collapsed transitively within one sweep. The sorted flag is
// cleared; call TopoSort before the next ordered traversal.
func (g *Graph) Optimize() Rewrites {
	plan := &rewritePlan{
		removed: make(map[OpID]bool),
		replace: make(map[TensorID]TensorID),
		toggles: make(map[OpID][2]bool),
	}
	g.matchInverseTransposes(plan)
	g.matchMatMulTransposes(plan)
	g.applyRewrites(plan)
	return plan.stats
}

func (g *Graph) matchInverseTransposes(plan *rewritePlan) {
	for _, id := range g.ops {
		op := g.opArena[id]
		if plan.removed[id] || op.kind != OpTranspose {
			continue
		}
		out := g.tensorArena[op.outputs[0]]
		if len(out.targets) != 1 {
			continue
		}
		next := g.opArena[out.targets[0]]
		if next.kind != OpTranspose || plan.removed[next.id] || !inversePermutations(op.perm, next.perm) {
			continue
		}
		plan.removed[op.id] = true
		plan.removed[next.id] = true
		plan.replace[next.outputs[0]] = op.inputs[0]
		plan.stats.CancelledTransposes++
	}
}

func (g *Graph) matchMatMulTransposes(plan *rewritePlan) {
	for _, id := range g.ops {
		op := g.opArena[id]
		if plan.removed[id] || op.kind != OpMatMul {
			continue
		}
		var flips [2]bool
		for slot, in := range op.inputs {
			// Both operands may read the same transposed tensor.
			if slot == 1 && in == op.inputs[0] && flips[0] {
				flips[1] = true
				continue
			}
			t := g.tensorArena[in]
			if !t.HasSource() {
				continue
			}
			pred := g.opArena[t.source]
			if pred.kind != OpTranspose || plan.removed[pred.id] || !swapsLastTwoAxes(pred.perm) {
				continue
			}
			// Other readers of the transposed tensor still need it.
			if lo.SomeBy(t.targets, func(c OpID) bool { return c != id }) {
				continue
			}
			flips[slot] = true
			plan.removed[pred.id] = true
			plan.replace[in] = pred.inputs[0]
			plan.stats.FusedTransposes++
		}
		if flips[0] || flips[1] {
			plan.toggles[id] = flips
		}
	}
}

// applyRewrites mutates the graph according to plan.
func (g *Graph) applyRewrites(plan *rewritePlan) {
	removed := plan.removed
	resolve := func(id TensorID) TensorID {
		// Replacement values can themselves be replaced when matches chain.
		for range len(plan.replace) {
			next, ok := plan.replace[id]
			if !ok {
				break
			}
			id = next
		}
		return id
	}

	for id, flips := range plan.toggles {
		op := g.opArena[id]
		op.transA = op.transA != flips[0]
		op.transB = op.transB != flips[1]
	}

	// Redirect the inputs of surviving operators.
	survivors := lo.Filter(g.ops, func(id OpID, _ int) bool { return !removed[id] })
	for _, id := range survivors {
		op := g.opArena[id]
		for i, in := range op.inputs {
			op.inputs[i] = resolve(in)
		}
	}

	// Replacement tensors gain the surviving consumers of the tensors they
	// replace, and those consumers gain the replacement's producer.
	olds := lo.Keys(plan.replace)
	sort.Slice(olds, func(i, j int) bool { return olds[i] < olds[j] })
	for _, old := range olds {
		nt := g.tensorArena[resolve(old)]
		for _, c := range g.tensorArena[old].targets {
			if removed[c] {
				continue
			}
			nt.addTarget(c)
			if nt.HasSource() && !removed[nt.source] {
				g.opArena[nt.source].addSucc(c)
				g.opArena[c].addPred(nt.source)
			}
		}
	}

	// Outputs of deleted operators lose their source.
	for id := range removed {
		for _, out := range g.opArena[id].outputs {
			if t := g.tensorArena[out]; t.source == id {
				t.source = NoOp
			}
		}
	}

	// Deleted operators disappear from every surviving referrer.
	for _, id := range survivors {
		op := g.opArena[id]
		op.preds = lo.Filter(op.preds, func(p OpID, _ int) bool { return !removed[p] })
		op.succs = lo.Filter(op.succs, func(s OpID, _ int) bool { return !removed[s] })
	}
	for _, tid := range g.tensors {
		t := g.tensorArena[tid]
		t.targets = lo.Filter(t.targets, func(c OpID, _ int) bool { return !removed[c] && lo.Contains(g.opArena[c].inputs, tid) })
	}

	for id := range removed {
		g.opArena[id] = nil
	}
	g.ops = survivors

	// Keep only tensors some surviving operator reads or writes.
	used := make(map[TensorID]bool, len(g.tensors))
	for _, id := range g.ops {
		op := g.opArena[id]
		for _, in := range op.inputs {
			used[in] = true
		}
		for _, out := range op.outputs {
			used[out] = true
		}
	}
	for _, tid := range g.tensors {
		if !used[tid] {
			g.tensorArena[tid] = nil
		}
	}
	g.tensors = lo.Filter(g.tensors, func(tid TensorID, _ int) bool { return used[tid] })

	g.sorted = false
}

// inversePermutations reports whether applying p1 then p2 restores every axis.
func inversePermutations(p1, p2 []int) bool {
	if len(p1) != len(p2) {
		return false
	}
	for j, axis := range p1 {
		if axis < 0 || axis >= len(p2) || p2[axis] != j {
			return false
		}
	}
	return true
}

// swapsLastTwoAxes reports whether perm exchanges the last two axes and
// leaves every other axis in place.
func swapsLastTwoAxes(perm []int) bool {
	rank := len(perm)
	if rank < 2 || perm[rank-2] != rank-1 || perm[rank-1] != rank-2 {
		return false
	}
	for i := 0; i < rank-2; i++ {
		if perm[i] != i {
			return false
		}
	}
	return true
}
