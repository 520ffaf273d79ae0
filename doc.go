// Package graphplan plans the memory of tensor computation graphs.
//
// A graph of tensors and operators (MatMul, Transpose, Relu, Add) is
// rewritten, ordered and then laid out into a single contiguous buffer in
// which tensors whose lifetimes do not overlap share bytes.
//
// # Architecture Overview
//
//   - Graph: an arena of tensor and operator records addressed by integer
//     handles, with per-kind shape inference and consistency checks
//   - Rewrites: inverse transpose pairs cancel, and transposes of the last
//     two axes fold into MatMul transA/transB flags
//   - Planner: walks the ordered operators, allocates each tensor when it
//     is first needed and frees it after its last consumer
//   - Allocator: first-fit offsets over a coalescing free list, 8-byte
//     aligned, materialized through a Device in one request
//
// # Basic Usage
//
//	// Plan a graph description from the command line
//	graphc plan examples/mlp.graph
//
//	// Or from Go
//	g, err := compiler.Parse(src)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := compiler.Compile(g, compiler.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer res.Close()
//	fmt.Println("peak bytes:", res.Layout.Peak)
//
// # Package Structure
//
//   - core: alignment helpers, element types, shapes and broadcasting
//   - model: graph representation, sorting, rewriting and shape inference
//   - runtime: allocator, devices and the memory planner
//   - compiler: text format and the end-to-end pipeline
//   - cmd: command-line tool (graphc)
package graphplan
