package model

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/sbl8/graphplan/core"
)

// TensorID is the stable handle of a tensor inside its Graph.
type TensorID int

// NoTensor asks an operator constructor to create the output tensor.
const NoTensor TensorID = -1

// Tensor is one buffer of the graph: its shape, element type, the operator
// producing it (if any) and the operators consuming it.
type Tensor struct {
	id      TensorID
	shape   core.Shape
	dtype   core.DataType
	source  OpID
	targets []OpID // consumer set, no duplicates
	data    []byte // view into the planned buffer, nil until bound
}

// ID returns the tensor handle.
func (t *Tensor) ID() TensorID { return t.id }

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() core.Shape { return t.shape.Clone() }

// DataType returns the element type.
func (t *Tensor) DataType() core.DataType { return t.dtype }

// Bytes returns the packed byte size derived from shape and element width.
func (t *Tensor) Bytes() int { return t.shape.Bytes(t.dtype) }

// Source returns the producing operator, or NoOp for graph inputs.
func (t *Tensor) Source() OpID { return t.source }

// HasSource reports whether an operator produces this tensor.
func (t *Tensor) HasSource() bool { return t.source != NoOp }

// Targets returns the consuming operators.
func (t *Tensor) Targets() []OpID { return append([]OpID(nil), t.targets...) }

// Data returns the bound view into the planned buffer, or nil.
func (t *Tensor) Data() []byte { return t.data }

// SetData binds the tensor to a view of a materialized buffer.
// The view must be exactly Bytes() long.
func (t *Tensor) SetData(view []byte) error {
	if len(view) != t.Bytes() {
		return errors.Errorf("tensor %d: view of %d bytes, want %d", t.id, len(view), t.Bytes())
	}
	t.data = view
	return nil
}

func (t *Tensor) setShape(shape core.Shape) {
	t.shape = shape.Clone()
}

func (t *Tensor) addTarget(op OpID) {
	if !lo.Contains(t.targets, op) {
		t.targets = append(t.targets, op)
	}
}

func (t *Tensor) String() string {
	src := "input"
	if t.HasSource() {
		src = fmt.Sprintf("op %d", t.source)
	}
	return fmt.Sprintf("Tensor %d, shape %v, dtype %v, source %s, targets %v", t.id, t.shape, t.dtype, src, t.targets)
}
