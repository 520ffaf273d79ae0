package runtime

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/sbl8/graphplan/core"
)

// Device owns real memory. The planner asks it for one buffer per planning
// session and hands the buffer back when the layout is closed.
type Device interface {
	// Allocate returns a buffer of at least size bytes.
	Allocate(size int) ([]byte, error)
	// Release gives a buffer obtained from Allocate back to the device.
	Release(buf []byte)
}

// HostDevice allocates cache-line aligned Go memory and keeps count of the
// bytes it has handed out.
type HostDevice struct {
	live atomic.Int64
}

// NewHostDevice returns a device backed by the Go heap.
func NewHostDevice() *HostDevice {
	return &HostDevice{}
}

// Allocate implements Device.
func (d *HostDevice) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Errorf("host device: negative allocation %d", size)
	}
	buf := core.AlignedBytes(size)
	if buf == nil && size > 0 {
		return nil, errors.Errorf("host device: failed to allocate %d bytes", size)
	}
	d.live.Add(int64(len(buf)))
	return buf, nil
}

// Release implements Device. The memory itself is left to the garbage collector.
func (d *HostDevice) Release(buf []byte) {
	d.live.Add(-int64(len(buf)))
}

// LiveBytes reports bytes allocated and not yet released.
func (d *HostDevice) LiveBytes() int64 {
	return d.live.Load()
}
