package runtime

import (
	"slices"
	"sort"

	"github.com/pkg/errors"

	"github.com/sbl8/graphplan/core"
)

// Alignment is the granularity of every planned allocation.
const Alignment = 8

// Block is a contiguous byte range of the planned buffer.
type Block struct {
	Offset int
	Size   int
}

// End returns the first offset past the block.
func (b Block) End() int { return b.Offset + b.Size }

// AllocatorInfo is a diagnostic snapshot of an Allocator.
type AllocatorInfo struct {
	Used       int // bytes held by live allocations
	Peak       int // maximum Used observed
	Extent     int // bytes the real buffer must span
	FreeBlocks int
}

// Allocator plans offsets inside one future contiguous buffer. Planning is
// pure offset arithmetic; the buffer itself is requested from the Device
// once, by Materialize.
//
// Free blocks are kept sorted by offset and never overlap or touch: every
// Free coalesces with both neighbours. Alloc is first-fit over that list and
// falls back to bumping the end of the planned range.
//
// An Allocator serves a single planning session and is not safe for
// concurrent use. Alloc and Free after Materialize are contract violations
// and panic.
type Allocator struct {
	device Device

	used   int
	peak   int
	top    int     // end of the planned range
	free   []Block // sorted by Offset
	extent int     // maximum top observed

	materialized bool
	buf          []byte
}

// NewAllocator creates an allocator that materializes through dev.
func NewAllocator(dev Device) *Allocator {
	return &Allocator{device: dev}
}

// alignedSize rounds size up to Alignment. Zero-byte requests still get one
// unit so every tensor keeps a distinct offset.
func alignedSize(size int) int {
	if size <= 0 {
		return Alignment
	}
	return core.AlignSize(size, Alignment)
}

// Alloc reserves size bytes and returns their offset.
func (a *Allocator) Alloc(size int) int {
	if a.materialized {
		panic(errors.Errorf("allocator: Alloc(%d) after the buffer was materialized", size))
	}
	size = alignedSize(size)

	offset := -1
	for i, b := range a.free {
		if b.Size < size {
			continue
		}
		offset = b.Offset
		if remain := b.Size - size; remain > 0 {
			a.free[i] = Block{Offset: b.Offset + size, Size: remain}
		} else {
			a.free = slices.Delete(a.free, i, i+1)
		}
		break
	}

	if offset < 0 {
		offset = a.top
		// A free block ending at the top is extended instead of skipped.
		if n := len(a.free); n > 0 && a.free[n-1].End() == a.top {
			offset = a.free[n-1].Offset
			a.free = a.free[:n-1]
		}
		a.top = offset + size
		a.extent = max(a.extent, a.top)
	}

	a.used += size
	a.peak = max(a.peak, a.used)
	return offset
}

// Free releases the block at offset previously returned by Alloc(size).
// Freeing a range that is not live panics.
func (a *Allocator) Free(offset, size int) {
	if a.materialized {
		panic(errors.Errorf("allocator: Free(%d, %d) after the buffer was materialized", offset, size))
	}
	size = alignedSize(size)
	if offset < 0 || offset+size > a.top || size > a.used {
		panic(errors.Errorf("allocator: Free(%d, %d) outside the live range", offset, size))
	}

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Offset >= offset })
	if (i > 0 && a.free[i-1].End() > offset) || (i < len(a.free) && offset+size > a.free[i].Offset) {
		panic(errors.Errorf("allocator: Free(%d, %d) overlaps a free block", offset, size))
	}
	a.used -= size

	if i > 0 && a.free[i-1].End() == offset {
		i--
		offset = a.free[i].Offset
		size += a.free[i].Size
		a.free = slices.Delete(a.free, i, i+1)
	}
	if i < len(a.free) && offset+size == a.free[i].Offset {
		size += a.free[i].Size
		a.free = slices.Delete(a.free, i, i+1)
	}
	a.free = slices.Insert(a.free, i, Block{Offset: offset, Size: size})
}

// Materialize requests the real buffer on first call and returns the cached
// buffer afterwards. Planning is over once it has been called.
func (a *Allocator) Materialize() ([]byte, error) {
	if a.materialized {
		return a.buf, nil
	}
	buf, err := a.device.Allocate(a.extent)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %d bytes", a.extent)
	}
	if len(buf) < a.extent {
		return nil, errors.Errorf("device returned %d bytes, want %d", len(buf), a.extent)
	}
	a.buf = buf
	a.materialized = true
	return buf, nil
}

// Close returns the real buffer to the device. The allocator stays unusable
// for planning.
func (a *Allocator) Close() {
	if a.buf != nil {
		a.device.Release(a.buf)
		a.buf = nil
	}
}

// FreeBlocks returns a copy of the free list in offset order.
func (a *Allocator) FreeBlocks() []Block {
	return slices.Clone(a.free)
}

// Info reports the allocator counters.
func (a *Allocator) Info() AllocatorInfo {
	return AllocatorInfo{
		Used:       a.used,
		Peak:       a.peak,
		Extent:     a.extent,
		FreeBlocks: len(a.free),
	}
}
