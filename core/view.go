package core

import (
	"unsafe"

	"github.com/x448/float16"
)

// AsFloat32 reinterprets a planned tensor buffer as []float32 without copying.
// Returns nil when the buffer is empty or not a whole number of elements.
func AsFloat32(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// AsFloat16 reinterprets a planned tensor buffer as half precision values.
func AsFloat16(b []byte) []float16.Float16 {
	if len(b) == 0 || len(b)%2 != 0 {
		return nil
	}
	return unsafe.Slice((*float16.Float16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// AsInt32 reinterprets a planned tensor buffer as []int32.
func AsInt32(b []byte) []int32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}
