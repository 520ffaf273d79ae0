// Package core provides the primitives shared by the graph model, the memory
// planner and the compiler: element types, shapes with broadcasting, alignment
// arithmetic and typed views over planned buffers.
//
// Nothing in this package knows about graphs. Shapes and data types describe
// a single tensor; alignment helpers are used both by the planning-time
// allocator (offset rounding) and by the host device (real buffer alignment).
package core

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is the cache line size of the target architecture.
var CacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))

// IsAligned checks if a pointer (represented as a uintptr) is aligned to a cache line boundary.
func IsAligned(addr uintptr) bool {
	return addr%uintptr(CacheLineSize) == 0
}

// AlignSize rounds size up to the specified alignment boundary.
// align must be a power of two.
func AlignSize(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// AlignedBytes allocates a byte slice with its underlying array aligned to CacheLineSize.
// Returns nil for a zero size.
func AlignedBytes(size int) []byte {
	if size == 0 {
		return nil
	}
	// Allocate extra space to allow for alignment.
	buf := make([]byte, size+CacheLineSize-1)

	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := int(ptr % uintptr(CacheLineSize)); mod != 0 {
		offset = CacheLineSize - mod
	}

	// Cap the slice so appends can never run past the aligned window.
	return buf[offset : offset+size : offset+size]
}
