package core

import (
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DataType is the element type of a tensor.
type DataType uint8

const (
	Float32 DataType = iota
	Float16
	Float64
	Int8
	Int32
	Int64
	UInt8
	Bool
)

// Size returns the byte width of one element.
func (d DataType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return int(unsafe.Sizeof(float16.Float16(0)))
	case Float64, Int64:
		return 8
	case Int8, UInt8, Bool:
		return 1
	default:
		return 4
	}
}

// String returns the short name used in graph dumps and the graph DSL.
func (d DataType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case Float64:
		return "f64"
	case Int8:
		return "i8"
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case UInt8:
		return "u8"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(name string) (DataType, error) {
	for d := Float32; d <= Bool; d++ {
		if strings.EqualFold(d.String(), name) {
			return d, nil
		}
	}
	return 0, errors.Errorf("unknown data type %q", name)
}
