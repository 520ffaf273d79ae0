package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/graphplan/core"
)

// opKinds lists the operator kinds in list order.
func opKinds(g *Graph) []OpKind {
	kinds := make([]OpKind, 0, g.NumOperators())
	for _, op := range g.Operators() {
		kinds = append(kinds, op.Kind())
	}
	return kinds
}

// checkOptimized runs the checks every rewritten graph must pass.
func checkOptimized(t *testing.T, g *Graph) {
	t.Helper()
	require.NoError(t, g.Validate())
	require.True(t, g.TopoSort())
	require.NoError(t, g.InferShapes())
}

func TestOptimizeLeavesCleanGraph(t *testing.T) {
	t.Parallel()
	must := mustOp(t)
	g := NewGraph()
	x := g.AddTensor(core.Shape{2, 3}, core.Float32)
	w := g.AddTensor(core.Shape{3, 4}, core.Float32)
	mm := must(g.AddMatMul(x.ID(), w.ID(), NoTensor, false, false))
	must(g.AddRelu(mm.Outputs()[0], NoTensor))
	before := g.String()

	r := g.Optimize()
	assert.False(t, r.Changed())
	assert.Equal(t, before, g.String())
	assert.False(t, g.Sorted())
	checkOptimized(t, g)
}

func TestOptimizeCancelsInverseTransposes(t *testing.T) {
	t.Parallel()
	must := mustOp(t)
	g := NewGraph()
	x := g.AddTensor(core.Shape{2, 3, 4}, core.Float32)
	t1 := must(g.AddTranspose(x.ID(), NoTensor, []int{2, 0, 1}))
	t2 := must(g.AddTranspose(t1.Outputs()[0], NoTensor, []int{1, 2, 0}))
	relu := must(g.AddRelu(t2.Outputs()[0], NoTensor))

	r := g.Optimize()
	assert.Equal(t, Rewrites{CancelledTransposes: 1}, r)

	assert.Equal(t, []OpKind{OpRelu}, opKinds(g))
	assert.Nil(t, g.Operator(t1.ID()))
	assert.Nil(t, g.Operator(t2.ID()))
	assert.Nil(t, g.Tensor(t1.Outputs()[0]))
	assert.Nil(t, g.Tensor(t2.Outputs()[0]))

	assert.Equal(t, []TensorID{x.ID()}, relu.Inputs())
	assert.Equal(t, []OpID{relu.ID()}, x.Targets())
	assert.Empty(t, relu.Predecessors())
	assert.Equal(t, 2, g.NumTensors())
	checkOptimized(t, g)
	assert.Equal(t, core.Shape{2, 3, 4}, g.Tensor(relu.Outputs()[0]).Shape())
}

func TestOptimizeKeepsNonInverseTransposes(t *testing.T) {
	t.Parallel()
	must := mustOp(t)
	g := NewGraph()
	x := g.AddTensor(core.Shape{2, 3, 4}, core.Float32)
	t1 := must(g.AddTranspose(x.ID(), NoTensor, []int{2, 0, 1}))
	must(g.AddTranspose(t1.Outputs()[0], NoTensor, []int{2, 0, 1}))

	assert.False(t, g.Optimize().Changed())
	assert.Equal(t, 2, g.NumOperators())
}

func TestOptimizeCancellationRewiresProducer(t *testing.T) {
	t.Parallel()
	must := mustOp(t)
	g := NewGraph()
	in := g.AddTensor(core.Shape{4, 8}, core.Float32)
	head := must(g.AddRelu(in.ID(), NoTensor))
	t1 := must(g.AddTranspose(head.Outputs()[0], NoTensor, []int{1, 0}))
	t2 := must(g.AddTranspose(t1.Outputs()[0], NoTensor, []int{1, 0}))
	tail := must(g.AddRelu(t2.Outputs()[0], NoTensor))

	require.Equal(t, 1, g.Optimize().CancelledTransposes)

	assert.Equal(t, head.Outputs(), tail.Inputs())
	assert.Equal(t, []OpID{head.ID()}, tail.Predecessors())
	assert.Equal(t, []OpID{tail.ID()}, head.Successors())
	assert.Equal(t, []OpID{tail.ID()}, g.Tensor(head.Outputs()[0]).Targets())
	checkOptimized(t, g)
	assert.Equal(t, []OpID{head.ID(), tail.ID()}, []OpID{g.Operators()[0].ID(), g.Operators()[1].ID()})
}

func TestOptimizeKeepsSharedTranspose(t *testing.T) {
	t.Parallel()
	must := mustOp(t)
	g := NewGraph()
	x := g.AddTensor(core.Shape{2, 3}, core.Float32)
	t1 := must(g.AddTranspose(x.ID(), NoTensor, []int{1, 0}))
	must(g.AddTranspose(t1.Outputs()[0], NoTensor, []int{1, 0}))
	must(g.AddRelu(t1.Outputs()[0], NoTensor))

	assert.False(t, g.Optimize().Changed(), "t1's output has two consumers")
	assert.Equal(t, 3, g.NumOperators())
}

func TestOptimizeFusesTransposeIntoMatMul(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		a, b           core.Shape
		perm           []int
		transposeSlot  int
		transA, transB bool
		wantA, wantB   bool
		wantOut        core.Shape
	}{
		{
			name: "first operand", a: core.Shape{3, 2}, b: core.Shape{3, 4},
			perm: []int{1, 0}, transposeSlot: 0,
			wantA: true, wantOut: core.Shape{2, 4},
		},
		{
			name: "second operand", a: core.Shape{2, 3}, b: core.Shape{4, 3},
			perm: []int{1, 0}, transposeSlot: 1,
			wantB: true, wantOut: core.Shape{2, 4},
		},
		{
			name: "batched", a: core.Shape{5, 3, 2}, b: core.Shape{3, 4},
			perm: []int{0, 2, 1}, transposeSlot: 0,
			wantA: true, wantOut: core.Shape{5, 2, 4},
		},
		{
			name: "clears existing flag", a: core.Shape{2, 3}, b: core.Shape{3, 4},
			perm: []int{1, 0}, transposeSlot: 1, transB: true,
			wantB: false, wantOut: core.Shape{2, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			must := mustOp(t)
			g := NewGraph()
			a := g.AddTensor(tt.a, core.Float32)
			b := g.AddTensor(tt.b, core.Float32)
			operands := []TensorID{a.ID(), b.ID()}
			tr := must(g.AddTranspose(operands[tt.transposeSlot], NoTensor, tt.perm))
			operands[tt.transposeSlot] = tr.Outputs()[0]
			mm := must(g.AddMatMul(operands[0], operands[1], NoTensor, tt.transA, tt.transB))
			out := mm.Outputs()[0]
			require.Equal(t, tt.wantOut, g.Tensor(out).Shape())

			r := g.Optimize()
			assert.Equal(t, Rewrites{FusedTransposes: 1}, r)
			assert.Equal(t, []OpKind{OpMatMul}, opKinds(g))
			assert.Equal(t, []TensorID{a.ID(), b.ID()}, mm.Inputs())
			assert.Equal(t, tt.wantA, mm.TransA())
			assert.Equal(t, tt.wantB, mm.TransB())
			assert.Nil(t, g.Tensor(tr.Outputs()[0]))

			checkOptimized(t, g)
			assert.Equal(t, tt.wantOut, g.Tensor(out).Shape(), "fusion must not change the result shape")
		})
	}
}

func TestOptimizeFusesSameOperandTwice(t *testing.T) {
	t.Parallel()
	must := mustOp(t)
	g := NewGraph()
	x := g.AddTensor(core.Shape{3, 3}, core.Float32)
	tr := must(g.AddTranspose(x.ID(), NoTensor, []int{1, 0}))
	mm := must(g.AddMatMul(tr.Outputs()[0], tr.Outputs()[0], NoTensor, false, false))

	assert.Equal(t, Rewrites{FusedTransposes: 1}, g.Optimize())
	assert.True(t, mm.TransA())
	assert.True(t, mm.TransB())
	assert.Equal(t, []TensorID{x.ID(), x.ID()}, mm.Inputs())
	assert.Equal(t, []OpID{mm.ID()}, x.Targets())
	checkOptimized(t, g)
}

func TestOptimizeSkipsUnfusableTransposes(t *testing.T) {
	t.Parallel()

	t.Run("not the last two axes", func(t *testing.T) {
		must := mustOp(t)
		g := NewGraph()
		x := g.AddTensor(core.Shape{2, 3, 4}, core.Float32)
		w := g.AddTensor(core.Shape{4, 5}, core.Float32)
		tr := must(g.AddTranspose(x.ID(), NoTensor, []int{1, 0, 2}))
		must(g.AddMatMul(tr.Outputs()[0], w.ID(), NoTensor, false, false))

		assert.False(t, g.Optimize().Changed())
		assert.Equal(t, []OpKind{OpTranspose, OpMatMul}, opKinds(g))
	})

	t.Run("other consumers", func(t *testing.T) {
		must := mustOp(t)
		g := NewGraph()
		x := g.AddTensor(core.Shape{3, 2}, core.Float32)
		w := g.AddTensor(core.Shape{3, 4}, core.Float32)
		tr := must(g.AddTranspose(x.ID(), NoTensor, []int{1, 0}))
		mm := must(g.AddMatMul(tr.Outputs()[0], w.ID(), NoTensor, false, false))
		must(g.AddRelu(tr.Outputs()[0], NoTensor))

		assert.False(t, g.Optimize().Changed())
		assert.False(t, mm.TransA())
		assert.Equal(t, 3, g.NumOperators())
	})

	t.Run("graph input operand", func(t *testing.T) {
		must := mustOp(t)
		g := NewGraph()
		x := g.AddTensor(core.Shape{2, 3}, core.Float32)
		w := g.AddTensor(core.Shape{3, 4}, core.Float32)
		must(g.AddMatMul(x.ID(), w.ID(), NoTensor, false, false))
		assert.False(t, g.Optimize().Changed())
	})
}

func TestOptimizeSinglePassOverChains(t *testing.T) {
	t.Parallel()

	t.Run("odd chain keeps the last transpose", func(t *testing.T) {
		must := mustOp(t)
		g := NewGraph()
		x := g.AddTensor(core.Shape{2, 3}, core.Float32)
		prev := x.ID()
		var last *Operator
		for i := 0; i < 3; i++ {
			last = must(g.AddTranspose(prev, NoTensor, []int{1, 0}))
			prev = last.Outputs()[0]
		}
		relu := must(g.AddRelu(prev, NoTensor))

		assert.Equal(t, Rewrites{CancelledTransposes: 1}, g.Optimize())
		assert.Equal(t, []OpKind{OpTranspose, OpRelu}, opKinds(g))
		assert.Equal(t, []TensorID{x.ID()}, last.Inputs())
		assert.Equal(t, []TensorID{prev}, relu.Inputs())
		checkOptimized(t, g)
		assert.Equal(t, core.Shape{3, 2}, g.Tensor(relu.Outputs()[0]).Shape())
	})

	t.Run("even chain resolves transitively", func(t *testing.T) {
		must := mustOp(t)
		g := NewGraph()
		x := g.AddTensor(core.Shape{2, 3}, core.Float32)
		prev := x.ID()
		for i := 0; i < 4; i++ {
			prev = must(g.AddTranspose(prev, NoTensor, []int{1, 0})).Outputs()[0]
		}
		relu := must(g.AddRelu(prev, NoTensor))

		assert.Equal(t, Rewrites{CancelledTransposes: 2}, g.Optimize())
		assert.Equal(t, []OpKind{OpRelu}, opKinds(g))
		assert.Equal(t, []TensorID{x.ID()}, relu.Inputs())
		checkOptimized(t, g)
	})

	t.Run("cancellation wins over fusion", func(t *testing.T) {
		must := mustOp(t)
		g := NewGraph()
		x := g.AddTensor(core.Shape{2, 3}, core.Float32)
		w := g.AddTensor(core.Shape{3, 4}, core.Float32)
		t1 := must(g.AddTranspose(x.ID(), NoTensor, []int{1, 0}))
		t2 := must(g.AddTranspose(t1.Outputs()[0], NoTensor, []int{1, 0}))
		mm := must(g.AddMatMul(t2.Outputs()[0], w.ID(), NoTensor, false, false))

		assert.Equal(t, Rewrites{CancelledTransposes: 1}, g.Optimize())
		assert.False(t, mm.TransA())
		assert.Equal(t, []TensorID{x.ID(), w.ID()}, mm.Inputs())
		checkOptimized(t, g)
	})
}

func TestInversePermutations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		p1, p2 []int
		want   bool
	}{
		{[]int{1, 0}, []int{1, 0}, true},
		{[]int{2, 0, 1}, []int{1, 2, 0}, true},
		{[]int{2, 0, 1}, []int{2, 0, 1}, false},
		{[]int{0, 1}, []int{0, 1}, true},
		{[]int{1, 0}, []int{0, 2, 1}, false},
		{nil, nil, true},
	}
	for _, tt := range tests {
		if got := inversePermutations(tt.p1, tt.p2); got != tt.want {
			t.Errorf("inversePermutations(%v, %v) = %v, want %v", tt.p1, tt.p2, got, tt.want)
		}
	}
}

func TestSwapsLastTwoAxes(t *testing.T) {
	t.Parallel()
	var got []bool
	for _, perm := range [][]int{{1, 0}, {0, 2, 1}, {0, 1, 3, 2}, {0, 1}, {1, 0, 2}, {2, 1, 0}, {0}} {
		got = append(got, swapsLastTwoAxes(perm))
	}
	want := []bool{true, true, true, false, false, false, false}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("swapsLastTwoAxes mismatch (-want +got):\n%s", diff)
	}
}
