package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/sbl8/graphplan/core"
)

// OpID is the stable handle of an operator inside its Graph.
type OpID int

// NoOp marks a tensor without a producer.
const NoOp OpID = -1

// OpKind tags the computation an operator performs.
type OpKind uint8

const (
	OpMatMul OpKind = iota
	OpTranspose
	OpRelu
	OpAdd
)

var opNames = map[OpKind]string{
	OpMatMul:    "MatMul",
	OpTranspose: "Transpose",
	OpRelu:      "Relu",
	OpAdd:       "Add",
}

func (k OpKind) String() string {
	if name, ok := opNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// arity returns the number of inputs and outputs of a kind.
func (k OpKind) arity() (inputs, outputs int) {
	switch k {
	case OpMatMul, OpAdd:
		return 2, 1
	default:
		return 1, 1
	}
}

// Operator is one computation of the graph. Predecessor and successor sets
// cache the relation derived from shared tensors and are maintained by Graph.
type Operator struct {
	id      OpID
	kind    OpKind
	inputs  []TensorID
	outputs []TensorID
	preds   []OpID
	succs   []OpID

	// MatMul attributes.
	transA, transB bool
	// Transpose attribute: output axis i takes input axis perm[i].
	perm []int
}

// ID returns the operator handle.
func (op *Operator) ID() OpID { return op.id }

// Kind returns the operator kind.
func (op *Operator) Kind() OpKind { return op.kind }

// Inputs returns the ordered input tensors.
func (op *Operator) Inputs() []TensorID { return append([]TensorID(nil), op.inputs...) }

// Outputs returns the ordered output tensors.
func (op *Operator) Outputs() []TensorID { return append([]TensorID(nil), op.outputs...) }

// Predecessors returns the operators producing this operator's inputs.
func (op *Operator) Predecessors() []OpID { return append([]OpID(nil), op.preds...) }

// Successors returns the operators consuming this operator's outputs.
func (op *Operator) Successors() []OpID { return append([]OpID(nil), op.succs...) }

// TransA reports whether MatMul reads its first input transposed.
func (op *Operator) TransA() bool { return op.transA }

// TransB reports whether MatMul reads its second input transposed.
func (op *Operator) TransB() bool { return op.transB }

// Perm returns a copy of the Transpose permutation.
func (op *Operator) Perm() []int { return append([]int(nil), op.perm...) }

func (op *Operator) addPred(id OpID) {
	if !lo.Contains(op.preds, id) {
		op.preds = append(op.preds, id)
	}
}

func (op *Operator) addSucc(id OpID) {
	if !lo.Contains(op.succs, id) {
		op.succs = append(op.succs, id)
	}
}

func (op *Operator) String() string {
	var attrs string
	switch op.kind {
	case OpMatMul:
		a, b := "A", "B"
		if op.transA {
			a = "A^T"
		}
		if op.transB {
			b = "B^T"
		}
		attrs = fmt.Sprintf("[%s,%s]", a, b)
	case OpTranspose:
		attrs = fmt.Sprintf("perm=%v", op.perm)
	}
	ins := strings.Join(lo.Map(op.inputs, func(t TensorID, _ int) string { return fmt.Sprint(t) }), ",")
	outs := strings.Join(lo.Map(op.outputs, func(t TensorID, _ int) string { return fmt.Sprint(t) }), ",")
	return fmt.Sprintf("%s(%s, in=[%s], out=[%s])", op.kind, attrs, ins, outs)
}

// InferShape derives the output shapes from the current input shapes.
// An incompatibility is reported as ErrShapeMismatch.
func (op *Operator) InferShape(g *Graph) ([]core.Shape, error) {
	in := make([]core.Shape, len(op.inputs))
	for i, id := range op.inputs {
		t := g.Tensor(id)
		if t == nil {
			return nil, errors.Wrapf(ErrInvalidGraph, "%v: input %d is not in the graph", op, id)
		}
		in[i] = t.shape
	}

	switch op.kind {
	case OpMatMul:
		out, err := inferMatMul(in[0], in[1], op.transA, op.transB)
		if err != nil {
			return nil, err
		}
		return []core.Shape{out}, nil
	case OpTranspose:
		out, err := inferTranspose(in[0], op.perm)
		if err != nil {
			return nil, err
		}
		return []core.Shape{out}, nil
	case OpRelu:
		return []core.Shape{in[0].Clone()}, nil
	case OpAdd:
		out, err := core.Broadcast(in[0], in[1])
		if err != nil {
			return nil, errors.Wrapf(ErrShapeMismatch, "Add: %v", err)
		}
		return []core.Shape{out}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidOperator, "no shape inference for %v", op.kind)
	}
}

// inferMatMul follows ONNX MatMul/Gemm: the last two axes are multiplied,
// leading axes are broadcast.
func inferMatMul(a, b core.Shape, transA, transB bool) (core.Shape, error) {
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "MatMul needs rank >= 2 inputs, got %v and %v", a, b)
	}
	ra, rb := a.Rank(), b.Rank()

	m, k := a[ra-2], a[ra-1]
	if transA {
		m, k = k, m
	}
	kb, n := b[rb-2], b[rb-1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		return nil, errors.Wrapf(ErrShapeMismatch, "MatMul inner dimensions differ: %v x %v (k=%d vs %d)", a, b, k, kb)
	}

	batch, err := core.Broadcast(a[:ra-2], b[:rb-2])
	if err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "MatMul batch dimensions: %v", err)
	}
	return append(batch, m, n), nil
}

func inferTranspose(in core.Shape, perm []int) (core.Shape, error) {
	if err := checkPermutation(perm, in.Rank()); err != nil {
		return nil, err
	}
	out := make(core.Shape, len(perm))
	for i, axis := range perm {
		out[i] = in[axis]
	}
	return out, nil
}

func checkPermutation(perm []int, rank int) error {
	if len(perm) != rank {
		return errors.Wrapf(ErrShapeMismatch, "permutation %v does not match rank %d", perm, rank)
	}
	seen := make([]bool, rank)
	for _, axis := range perm {
		if axis < 0 || axis >= rank || seen[axis] {
			return errors.Wrapf(ErrShapeMismatch, "%v is not a permutation of %d axes", perm, rank)
		}
		seen[axis] = true
	}
	return nil
}

// checkValid runs at construction: arity, element types and shape inference.
// It returns the inferred output shapes so the graph can create or verify
// the output tensors.
func (op *Operator) checkValid(g *Graph) ([]core.Shape, error) {
	nIn, nOut := op.kind.arity()
	if len(op.inputs) != nIn || len(op.outputs) != nOut {
		return nil, errors.Wrapf(ErrInvalidOperator, "%v takes %d inputs and %d outputs, got %d and %d",
			op.kind, nIn, nOut, len(op.inputs), len(op.outputs))
	}
	for _, id := range op.inputs {
		if g.Tensor(id) == nil {
			return nil, errors.Wrapf(ErrInvalidOperator, "%v: input tensor %d is not in the graph", op.kind, id)
		}
	}
	dtype := g.Tensor(op.inputs[0]).dtype
	for _, id := range op.inputs[1:] {
		if g.Tensor(id).dtype != dtype {
			return nil, errors.Wrapf(ErrInvalidOperator, "%v: mixed input types %v and %v", op.kind, dtype, g.Tensor(id).dtype)
		}
	}

	shapes, err := op.InferShape(g)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidOperator, "%v: %v", op.kind, err)
	}

	for i, id := range op.outputs {
		if id == NoTensor {
			continue
		}
		t := g.Tensor(id)
		switch {
		case t == nil:
			return nil, errors.Wrapf(ErrInvalidOperator, "%v: output tensor %d is not in the graph", op.kind, id)
		case t.HasSource():
			return nil, errors.Wrapf(ErrInvalidOperator, "%v: output tensor %d is already produced by op %d", op.kind, id, t.source)
		case lo.Contains(op.inputs, id):
			return nil, errors.Wrapf(ErrInvalidOperator, "%v: tensor %d is both input and output", op.kind, id)
		case t.dtype != dtype:
			return nil, errors.Wrapf(ErrInvalidOperator, "%v: output %d has type %v, want %v", op.kind, id, t.dtype, dtype)
		case !t.shape.Equal(shapes[i]):
			return nil, errors.Wrapf(ErrInvalidOperator, "%v: output %d has shape %v, inferred %v", op.kind, id, t.shape, shapes[i])
		}
	}
	return shapes, nil
}
