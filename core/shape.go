package core

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ErrBroadcast is returned when two shapes cannot be broadcast together.
var ErrBroadcast = errors.New("incompatible broadcast shapes")

// Shape is the dimension sizes of a tensor, e.g. [2, 3, 4].
// A rank-0 shape describes a scalar.
type Shape []int

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// NumElements returns the product of dimensions. A scalar has one element,
// any zero dimension yields zero.
func (s Shape) NumElements() int {
	return lo.Reduce(s, func(n int, d int, _ int) int { return n * d }, 1)
}

// Bytes returns the packed byte size of a tensor of this shape and type.
func (s Shape) Bytes(dtype DataType) int {
	return s.NumElements() * dtype.Size()
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return append(Shape(make([]int, 0, len(s))), s...)
}

// String renders the shape as "2x3x4", or "scalar".
func (s Shape) String() string {
	if len(s) == 0 {
		return "scalar"
	}
	return strings.Join(lo.Map(s, func(d int, _ int) string { return fmt.Sprint(d) }), "x")
}

// Broadcast applies NumPy-style broadcasting: the shorter shape is padded
// with 1s on the left, then each aligned axis must either match or have one
// side equal to 1, in which case the other side wins.
func Broadcast(a, b Shape) (Shape, error) {
	rank := max(len(a), len(b))
	pa, pb := padLeft(a, rank), padLeft(b, rank)

	out := make(Shape, rank)
	for i := range out {
		switch {
		case pa[i] == pb[i]:
			out[i] = pa[i]
		case pa[i] == 1:
			out[i] = pb[i]
		case pb[i] == 1:
			out[i] = pa[i]
		default:
			return nil, errors.Wrapf(ErrBroadcast, "%v and %v at axis %d", a, b, i)
		}
	}
	return out, nil
}

func padLeft(s Shape, rank int) Shape {
	padded := make(Shape, 0, rank)
	for i := len(s); i < rank; i++ {
		padded = append(padded, 1)
	}
	return append(padded, s...)
}
