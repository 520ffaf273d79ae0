// Package runtime plans and materializes the memory of a model.Graph.
//
// Planning happens in two phases:
//  1. Liveness-driven allocation: operators are visited in topological order
//     and every tensor is given an offset by an Allocator. A tensor's bytes
//     become reusable as soon as its last consumer has run.
//  2. Materialization: one real buffer, sized to the planned range, is
//     requested from a Device and every planned tensor is bound to a view
//     of it at its offset.
//
// Each call to Planner.DataMalloc uses its own Allocator, so planning
// independent graphs concurrently is safe as long as each graph is planned
// by a single goroutine.
package runtime

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/sbl8/graphplan/model"
)

// PlannerOptions configures a Planner.
type PlannerOptions struct {
	Logger logrus.FieldLogger
}

// DefaultPlannerOptions logs through the logrus standard logger.
func DefaultPlannerOptions() PlannerOptions {
	return PlannerOptions{Logger: logrus.StandardLogger()}
}

// Planner computes memory layouts for graphs on one Device.
type Planner struct {
	device Device
	log    logrus.FieldLogger
}

// NewPlanner creates a planner that materializes buffers through dev.
func NewPlanner(dev Device, opts PlannerOptions) *Planner {
	if opts.Logger == nil {
		opts.Logger = DefaultPlannerOptions().Logger
	}
	return &Planner{
		device: dev,
		log:    opts.Logger.WithField("component", "planner"),
	}
}

// Layout is the result of planning one graph.
type Layout struct {
	// Peak is the largest number of bytes live at once.
	Peak int
	// Extent is the size of the materialized buffer.
	Extent int
	// Buffer is the materialized buffer every tensor view points into.
	Buffer []byte

	placements map[model.TensorID]Block
	order      []model.TensorID
	alloc      *Allocator
}

// Placement returns the planned block of a tensor.
func (l *Layout) Placement(id model.TensorID) (Block, bool) {
	b, ok := l.placements[id]
	return b, ok
}

// Offset returns the planned offset of a tensor, or -1 if it was not planned.
func (l *Layout) Offset(id model.TensorID) int {
	if b, ok := l.placements[id]; ok {
		return b.Offset
	}
	return -1
}

// Tensors returns the planned tensors in the order they were first allocated.
func (l *Layout) Tensors() []model.TensorID {
	return append([]model.TensorID(nil), l.order...)
}

// Info returns the final allocator counters.
func (l *Layout) Info() AllocatorInfo {
	return l.alloc.Info()
}

// Close releases the buffer back to the device. Tensor views must not be
// used afterwards.
func (l *Layout) Close() {
	l.alloc.Close()
}

// DataMalloc plans and materializes the memory of g.
//
// The graph is sorted first; a cycle is reported as model.ErrCycle. Tensors
// without a producer hold one extra reference so graph inputs stay live for
// the whole plan. Inputs are allocated at their first use, freed once their
// last consumer has run, and every output is allocated when its producer runs.
func (p *Planner) DataMalloc(g *model.Graph) (*Layout, error) {
	if !g.TopoSort() {
		return nil, errors.Wrap(model.ErrCycle, "plan memory")
	}

	refs := make(map[model.TensorID]int, g.NumTensors())
	for _, t := range g.Tensors() {
		if !t.HasSource() {
			refs[t.ID()] = 1
		}
	}
	ops := g.Operators()
	for _, op := range ops {
		for _, in := range op.Inputs() {
			refs[in]++
		}
	}

	l := &Layout{
		placements: make(map[model.TensorID]Block, g.NumTensors()),
		alloc:      NewAllocator(p.device),
	}
	place := func(id model.TensorID) {
		size := g.Tensor(id).Bytes()
		l.placements[id] = Block{Offset: l.alloc.Alloc(size), Size: size}
		l.order = append(l.order, id)
	}

	for _, op := range ops {
		inputs := op.Inputs()
		for _, in := range inputs {
			if _, ok := l.placements[in]; refs[in] > 0 && !ok {
				place(in)
			}
		}
		for _, in := range inputs {
			refs[in]--
			if refs[in] == 0 {
				if b, ok := l.placements[in]; ok {
					l.alloc.Free(b.Offset, b.Size)
				}
			}
		}
		for _, out := range op.Outputs() {
			place(out)
		}
	}

	info := l.alloc.Info()
	p.log.WithFields(logrus.Fields{
		"used":        info.Used,
		"peak":        info.Peak,
		"extent":      info.Extent,
		"free_blocks": info.FreeBlocks,
	}).Debug("allocation planned")

	buf, err := l.alloc.Materialize()
	if err != nil {
		return nil, errors.Wrap(err, "materialize planned buffer")
	}
	p.log.WithField("bytes", len(buf)).Info("buffer materialized")

	l.Peak, l.Extent, l.Buffer = info.Peak, info.Extent, buf
	for _, id := range l.order {
		b := l.placements[id]
		if err := g.Tensor(id).SetData(buf[b.Offset : b.Offset+b.Size : b.Offset+b.Size]); err != nil {
			l.Close()
			return nil, errors.Wrap(err, "bind planned tensor")
		}
	}
	return l, nil
}

// TotalTensorBytes returns the bytes needed without any reuse, for
// comparison with Peak.
func (l *Layout) TotalTensorBytes() int {
	return lo.SumBy(lo.Values(l.placements), func(b Block) int { return alignedSize(b.Size) })
}
