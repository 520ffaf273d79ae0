package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/graphplan/core"
)

// checkTopological fails if any operator precedes the producer of one of its inputs.
func checkTopological(t *testing.T, g *Graph) {
	t.Helper()
	pos := make(map[OpID]int, g.NumOperators())
	for i, op := range g.Operators() {
		pos[op.ID()] = i
	}
	for _, op := range g.Operators() {
		for _, in := range op.Inputs() {
			src := g.Tensor(in).Source()
			if src == NoOp {
				continue
			}
			if pos[src] >= pos[op.ID()] {
				t.Fatalf("op %d at %d reads tensor %d produced by op %d at %d", op.ID(), pos[op.ID()], in, src, pos[src])
			}
		}
	}
}

func TestTopoSortReversedChain(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	must := mustOp(t)

	// Tensors t0..t4 with ops added from the back of the chain.
	ids := make([]TensorID, 5)
	for i := range ids {
		ids[i] = g.AddTensor(core.Shape{2, 2}, core.Float32).ID()
	}
	var added []OpID
	for i := len(ids) - 2; i >= 0; i-- {
		added = append(added, must(g.AddRelu(ids[i], ids[i+1])).ID())
	}

	require.True(t, g.TopoSort())
	assert.True(t, g.Sorted())
	checkTopological(t, g)

	got := make([]OpID, 0, g.NumOperators())
	for _, op := range g.Operators() {
		got = append(got, op.ID())
	}
	want := []OpID{added[3], added[2], added[1], added[0]}
	assert.Equal(t, want, got)

	// Sorting again is a no-op.
	require.True(t, g.TopoSort())
	for i, op := range g.Operators() {
		assert.Equal(t, got[i], op.ID())
	}
}

func TestTopoSortRandomDAG(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	must := mustOp(t)

	for round := 0; round < 20; round++ {
		g := NewGraph()
		pool := []TensorID{
			g.AddTensor(core.Shape{3, 3}, core.Float32).ID(),
			g.AddTensor(core.Shape{3, 3}, core.Float32).ID(),
		}
		// Both graph inputs must have a consumer to pass Validate.
		pool = append(pool, must(g.AddAdd(pool[0], pool[1], NoTensor)).Outputs()[0])
		for i := 0; i < 30; i++ {
			a := pool[rng.Intn(len(pool))]
			b := pool[rng.Intn(len(pool))]
			var op *Operator
			switch rng.Intn(4) {
			case 0:
				op = must(g.AddMatMul(a, b, NoTensor, rng.Intn(2) == 0, rng.Intn(2) == 0))
			case 1:
				op = must(g.AddAdd(a, b, NoTensor))
			case 2:
				op = must(g.AddTranspose(a, NoTensor, []int{1, 0}))
			default:
				op = must(g.AddRelu(a, NoTensor))
			}
			pool = append(pool, op.Outputs()[0])
		}
		rng.Shuffle(len(g.ops), func(i, j int) { g.ops[i], g.ops[j] = g.ops[j], g.ops[i] })

		require.True(t, g.TopoSort(), "round %d", round)
		checkTopological(t, g)
		require.NoError(t, g.Validate())
	}
}

func TestTopoSortCycle(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	must := mustOp(t)
	a := g.AddTensor(core.Shape{4}, core.Float32)
	b := g.AddTensor(core.Shape{4}, core.Float32)
	first := must(g.AddRelu(a.ID(), b.ID()))
	second := must(g.AddRelu(b.ID(), a.ID()))

	assert.False(t, g.TopoSort())
	assert.False(t, g.Sorted())

	ops := g.Operators()
	require.Len(t, ops, 2)
	assert.Equal(t, first.ID(), ops[0].ID())
	assert.Equal(t, second.ID(), ops[1].ID())
}

func TestTopoSortEmptyGraph(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	assert.True(t, g.TopoSort())
	assert.Empty(t, g.Operators())
}

func TestTopoSortResetByMutation(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	must := mustOp(t)
	x := g.AddTensor(core.Shape{2}, core.Float32)
	r := must(g.AddRelu(x.ID(), NoTensor))
	require.True(t, g.TopoSort())

	must(g.AddRelu(r.Outputs()[0], NoTensor))
	assert.False(t, g.Sorted(), "adding an operator invalidates the order")
	require.True(t, g.TopoSort())
	checkTopological(t, g)
}
