// Package model defines the computational graph of tensors and operators.
//
// A Graph is an arena: tensors and operators are records addressed by small
// integer handles (TensorID, OpID). Relationships between records are handle
// sets stored on each record, so removing an operator and fixing up every
// referrer is a local operation over those sets.
//
// The graph supports:
//   - construction with per-kind validation and output shape inference
//   - consistency validation (Validate)
//   - a deterministic topological order (TopoSort)
//   - a rewrite pass cancelling inverse transposes and fusing transposes
//     into MatMul attributes (Optimize)
//   - shape propagation in operator order (InferShapes)
//
// Memory planning over a graph lives in the runtime package.
package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/sbl8/graphplan/core"
)

var (
	// ErrInvalidGraph reports a broken invariant between tensors and operators.
	ErrInvalidGraph = errors.New("invalid graph")
	// ErrInvalidOperator reports an operator that cannot be constructed.
	ErrInvalidOperator = errors.New("invalid operator")
	// ErrShapeMismatch reports incompatible input shapes.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrCycle reports that the operators cannot be ordered.
	ErrCycle = errors.New("graph contains a cycle")
)

// Graph owns the tensor and operator records.
type Graph struct {
	tensorArena []*Tensor   // indexed by TensorID, nil once dropped
	opArena     []*Operator // indexed by OpID, nil once deleted

	tensors []TensorID // tensor set in insertion order
	ops     []OpID     // operator list, topological once sorted
	sorted  bool
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Tensor returns the tensor record for id, or nil if it is not a member.
func (g *Graph) Tensor(id TensorID) *Tensor {
	if id < 0 || int(id) >= len(g.tensorArena) {
		return nil
	}
	return g.tensorArena[id]
}

// Operator returns the operator record for id, or nil if it is not a member.
func (g *Graph) Operator(id OpID) *Operator {
	if id < 0 || int(id) >= len(g.opArena) {
		return nil
	}
	return g.opArena[id]
}

// Tensors returns the tensor set in insertion order.
func (g *Graph) Tensors() []*Tensor {
	return lo.Map(g.tensors, func(id TensorID, _ int) *Tensor { return g.tensorArena[id] })
}

// Operators returns the operator list; it is a topological order once
// TopoSort has succeeded.
func (g *Graph) Operators() []*Operator {
	return lo.Map(g.ops, func(id OpID, _ int) *Operator { return g.opArena[id] })
}

// NumTensors returns the size of the tensor set.
func (g *Graph) NumTensors() int { return len(g.tensors) }

// NumOperators returns the size of the operator set.
func (g *Graph) NumOperators() int { return len(g.ops) }

// Sorted reports whether the operator list is a valid topological order.
func (g *Graph) Sorted() bool { return g.sorted }

// AddTensor creates a tensor with no producer and no consumers.
func (g *Graph) AddTensor(shape core.Shape, dtype core.DataType) *Tensor {
	t := &Tensor{
		id:     TensorID(len(g.tensorArena)),
		shape:  shape.Clone(),
		dtype:  dtype,
		source: NoOp,
	}
	g.tensorArena = append(g.tensorArena, t)
	g.tensors = append(g.tensors, t.id)
	return t
}

// AddMatMul adds C = op(A) x op(B), where op transposes the last two axes
// when the matching flag is set.
func (g *Graph) AddMatMul(a, b, c TensorID, transA, transB bool) (*Operator, error) {
	return g.addOperator(&Operator{
		kind:    OpMatMul,
		inputs:  []TensorID{a, b},
		outputs: []TensorID{c},
		transA:  transA,
		transB:  transB,
	})
}

// AddTranspose adds out = permute(in, perm).
func (g *Graph) AddTranspose(in, out TensorID, perm []int) (*Operator, error) {
	return g.addOperator(&Operator{
		kind:    OpTranspose,
		inputs:  []TensorID{in},
		outputs: []TensorID{out},
		perm:    append([]int(nil), perm...),
	})
}

// AddRelu adds an element-wise activation.
func (g *Graph) AddRelu(in, out TensorID) (*Operator, error) {
	return g.addOperator(&Operator{
		kind:    OpRelu,
		inputs:  []TensorID{in},
		outputs: []TensorID{out},
	})
}

// AddAdd adds a broadcasting element-wise sum.
func (g *Graph) AddAdd(a, b, c TensorID) (*Operator, error) {
	return g.addOperator(&Operator{
		kind:    OpAdd,
		inputs:  []TensorID{a, b},
		outputs: []TensorID{c},
	})
}

// addOperator validates op, creates any NoTensor outputs and connects it.
// The graph is untouched when validation fails.
func (g *Graph) addOperator(op *Operator) (*Operator, error) {
	shapes, err := op.checkValid(g)
	if err != nil {
		return nil, err
	}

	dtype := g.tensorArena[op.inputs[0]].dtype
	for i, id := range op.outputs {
		if id == NoTensor {
			op.outputs[i] = g.AddTensor(shapes[i], dtype).id
		}
	}

	op.id = OpID(len(g.opArena))
	g.opArena = append(g.opArena, op)
	g.ops = append(g.ops, op.id)
	g.connect(op)
	g.sorted = false
	return op, nil
}

// connect links op to the producers of its inputs and consumers of its outputs.
func (g *Graph) connect(op *Operator) {
	for _, id := range op.inputs {
		t := g.tensorArena[id]
		t.addTarget(op.id)
		if t.HasSource() {
			pred := g.opArena[t.source]
			pred.addSucc(op.id)
			op.addPred(pred.id)
		}
	}
	for _, id := range op.outputs {
		t := g.tensorArena[id]
		t.source = op.id
		for _, target := range t.targets {
			succ := g.opArena[target]
			succ.addPred(op.id)
			op.addSucc(succ.id)
		}
	}
}

// Validate checks the graph invariants:
//   - every tensor is produced or consumed by some operator
//   - tensor sources and targets are member operators and agree with the
//     operators' output and input lists
//   - operator inputs and outputs are member tensors
//   - predecessor and successor sets only name member operators
//   - no tensor appears twice in the tensor set
func (g *Graph) Validate() error {
	inTensors := make(map[TensorID]bool, len(g.tensors))
	for _, id := range g.tensors {
		if inTensors[id] {
			return errors.Wrapf(ErrInvalidGraph, "duplicate tensor %d", id)
		}
		inTensors[id] = true
		if g.Tensor(id) == nil || g.Tensor(id).id != id {
			return errors.Wrapf(ErrInvalidGraph, "tensor %d has no record", id)
		}
	}
	inOps := make(map[OpID]bool, len(g.ops))
	for _, id := range g.ops {
		if inOps[id] || g.Operator(id) == nil {
			return errors.Wrapf(ErrInvalidGraph, "operator %d is duplicated or has no record", id)
		}
		inOps[id] = true
	}

	for _, id := range g.tensors {
		t := g.tensorArena[id]
		if !t.HasSource() && len(t.targets) == 0 {
			return errors.Wrapf(ErrInvalidGraph, "tensor %d has neither source nor targets", id)
		}
		if t.HasSource() {
			if !inOps[t.source] {
				return errors.Wrapf(ErrInvalidGraph, "tensor %d source %d is not in the graph", id, t.source)
			}
			if !lo.Contains(g.opArena[t.source].outputs, id) {
				return errors.Wrapf(ErrInvalidGraph, "tensor %d source %d does not output it", id, t.source)
			}
		}
		for _, target := range t.targets {
			if !inOps[target] {
				return errors.Wrapf(ErrInvalidGraph, "tensor %d target %d is not in the graph", id, target)
			}
			if !lo.Contains(g.opArena[target].inputs, id) {
				return errors.Wrapf(ErrInvalidGraph, "tensor %d target %d does not consume it", id, target)
			}
		}
	}

	for _, id := range g.ops {
		op := g.opArena[id]
		for _, in := range op.inputs {
			if !inTensors[in] {
				return errors.Wrapf(ErrInvalidGraph, "op %d input %d is not in the graph", id, in)
			}
			if !lo.Contains(g.tensorArena[in].targets, id) {
				return errors.Wrapf(ErrInvalidGraph, "op %d is missing from the targets of input %d", id, in)
			}
		}
		for _, out := range op.outputs {
			if !inTensors[out] {
				return errors.Wrapf(ErrInvalidGraph, "op %d output %d is not in the graph", id, out)
			}
			if g.tensorArena[out].source != id {
				return errors.Wrapf(ErrInvalidGraph, "op %d output %d names another source", id, out)
			}
		}
		for _, pred := range op.preds {
			if !inOps[pred] {
				return errors.Wrapf(ErrInvalidGraph, "op %d predecessor %d is not in the graph", id, pred)
			}
		}
		for _, succ := range op.succs {
			if !inOps[succ] {
				return errors.Wrapf(ErrInvalidGraph, "op %d successor %d is not in the graph", id, succ)
			}
		}
	}
	return nil
}

// InferShapes propagates shapes through the operators in list order and
// updates output tensors whose shape changed. Call it after TopoSort so
// every input is final before it is read.
func (g *Graph) InferShapes() error {
	for _, id := range g.ops {
		op := g.opArena[id]
		shapes, err := op.InferShape(g)
		if err != nil {
			return errors.Wrapf(err, "op %d", id)
		}
		if len(shapes) != len(op.outputs) {
			return errors.Wrapf(ErrInvalidGraph, "op %d inferred %d shapes for %d outputs", id, len(shapes), len(op.outputs))
		}
		for i, out := range op.outputs {
			if t := g.tensorArena[out]; !t.shape.Equal(shapes[i]) {
				t.setShape(shapes[i])
			}
		}
	}
	return nil
}

// String dumps tensors and operators with their links.
func (g *Graph) String() string {
	var sb strings.Builder
	sb.WriteString("Graph Tensors:\n")
	for _, t := range g.Tensors() {
		fmt.Fprintf(&sb, "%v\n", t)
	}
	sb.WriteString("Graph operators:\n")
	for _, op := range g.Operators() {
		fmt.Fprintf(&sb, "OP %d, pred %v, succ %v, %v\n", op.id, op.preds, op.succs, op)
	}
	return sb.String()
}
