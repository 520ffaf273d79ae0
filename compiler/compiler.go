// Package compiler drives a model.Graph from its description to a
// materialized memory layout.
//
// Compilation pipeline:
//  1. Validate graph structure (optional)
//  2. Rewrite: cancel inverse transposes, fuse transposes into MatMul flags
//  3. Order operators topologically and detect cycles
//  4. Propagate shapes through the ordered operators
//  5. Plan tensor lifetimes into one buffer and bind every tensor to it
//
// Graphs are described in a small line-oriented text format, see Parse.
package compiler

import (
	"context"
	goruntime "runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/graphplan/model"
	"github.com/sbl8/graphplan/runtime"
)

// Options configures the compilation process.
type Options struct {
	Optimize    bool // Apply the rewrite pass
	Validate    bool // Check graph consistency before and after rewriting
	InferShapes bool // Re-propagate shapes once operators are ordered
	Workers     int  // Graphs planned concurrently by CompileAll

	// Device provides the planned buffers. It is shared by CompileAll
	// workers and must be safe for concurrent use.
	Device runtime.Device
	Logger logrus.FieldLogger
}

// DefaultOptions provides sensible compilation defaults.
func DefaultOptions() Options {
	return Options{
		Optimize:    true,
		Validate:    true,
		InferShapes: true,
		Workers:     goruntime.NumCPU(),
		Device:      runtime.NewHostDevice(),
		Logger:      logrus.StandardLogger(),
	}
}

// Result is a compiled graph with its planned memory.
type Result struct {
	Graph    *model.Graph
	Layout   *runtime.Layout
	Rewrites model.Rewrites
}

// Close releases the planned buffer.
func (r *Result) Close() {
	if r != nil && r.Layout != nil {
		r.Layout.Close()
	}
}

// Compile runs the pipeline on g, mutating it in place.
func Compile(g *model.Graph, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Device == nil {
		opts.Device = runtime.NewHostDevice()
	}
	log := opts.Logger

	if opts.Validate {
		if err := g.Validate(); err != nil {
			return nil, errors.Wrap(err, "validate input graph")
		}
	}

	res := &Result{Graph: g}
	if opts.Optimize {
		res.Rewrites = g.Optimize()
		log.WithFields(logrus.Fields{
			"pass":      "optimize",
			"cancelled": res.Rewrites.CancelledTransposes,
			"fused":     res.Rewrites.FusedTransposes,
			"operators": g.NumOperators(),
		}).Debug("rewrites applied")
		if opts.Validate {
			if err := g.Validate(); err != nil {
				return nil, errors.Wrap(err, "validate rewritten graph")
			}
		}
	}

	if !g.TopoSort() {
		return nil, errors.Wrap(model.ErrCycle, "order operators")
	}
	log.WithField("pass", "toposort").Debugf("ordered %d operators", g.NumOperators())

	if opts.InferShapes {
		if err := g.InferShapes(); err != nil {
			return nil, errors.Wrap(err, "infer shapes")
		}
		log.WithField("pass", "shapes").Debug("shapes propagated")
	}

	planner := runtime.NewPlanner(opts.Device, runtime.PlannerOptions{Logger: log})
	layout, err := planner.DataMalloc(g)
	if err != nil {
		return nil, err
	}
	res.Layout = layout
	return res, nil
}

// CompileAll compiles independent graphs concurrently, each with its own
// planner. The results follow the order of graphs. On error every layout
// already planned is released.
func CompileAll(ctx context.Context, graphs []*model.Graph, opts Options) ([]*Result, error) {
	results := make([]*Result, len(graphs))
	eg, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		eg.SetLimit(opts.Workers)
	}

	for i, g := range graphs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := Compile(g, opts)
			if err != nil {
				return errors.Wrapf(err, "graph %d", i)
			}
			results[i] = res
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		for _, res := range results {
			res.Close()
		}
		return nil, err
	}
	return results, nil
}
