// Command graphc parses graph descriptions and prints their memory plans.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbl8/graphplan/compiler"
	"github.com/sbl8/graphplan/model"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:          "graphc",
		Short:        "Optimize tensor graphs and plan their memory",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logrus.SetOutput(cmd.ErrOrStderr())
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every compiler pass")
	root.AddCommand(newPlanCmd(), newCheckCmd())
	return root
}

func newPlanCmd() *cobra.Command {
	var noOptimize, noValidate bool
	cmd := &cobra.Command{
		Use:   "plan <graph>...",
		Short: "Compile graphs and print the planned tensor offsets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := compiler.DefaultOptions()
			opts.Optimize = !noOptimize
			opts.Validate = !noValidate

			graphs := make([]*model.Graph, len(args))
			names := make([]map[string]model.TensorID, len(args))
			for i, path := range args {
				g, n, err := compiler.ParseFile(path)
				if err != nil {
					return err
				}
				graphs[i], names[i] = g, n
			}

			results, err := compiler.CompileAll(context.Background(), graphs, opts)
			if err != nil {
				return err
			}
			defer func() {
				for _, res := range results {
					res.Close()
				}
			}()

			out := cmd.OutOrStdout()
			for i, res := range results {
				if len(args) > 1 {
					fmt.Fprintf(out, "== %s\n", args[i])
				}
				if err := printPlan(out, res, names[i]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noOptimize, "no-optimize", false, "Skip the transpose rewrites")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "Skip graph consistency checks")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <graph>",
		Short: "Validate a graph and print its operators in execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := compiler.ParseFile(args[0])
			if err != nil {
				return err
			}
			if err := g.Validate(); err != nil {
				return err
			}
			if !g.TopoSort() {
				return errors.Wrap(model.ErrCycle, args[0])
			}
			out := cmd.OutOrStdout()
			for _, op := range g.Operators() {
				fmt.Fprintln(out, op)
			}
			return nil
		},
	}
}

// printPlan writes one row per planned tensor, by offset.
func printPlan(w io.Writer, res *compiler.Result, names map[string]model.TensorID) error {
	labels := make(map[model.TensorID]string, len(names))
	for name, id := range names {
		labels[id] = name
	}

	ids := res.Layout.Tensors()
	sort.SliceStable(ids, func(i, j int) bool { return res.Layout.Offset(ids[i]) < res.Layout.Offset(ids[j]) })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TENSOR\tSHAPE\tTYPE\tOFFSET\tBYTES")
	for _, id := range ids {
		t := res.Graph.Tensor(id)
		label, ok := labels[id]
		if !ok {
			label = fmt.Sprintf("%%%d", id)
		}
		fmt.Fprintf(tw, "%s\t%v\t%v\t%d\t%d\n", label, t.Shape(), t.DataType(), res.Layout.Offset(id), t.Bytes())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	r := res.Rewrites
	_, err := fmt.Fprintf(w, "peak %d bytes, buffer %d bytes, unplanned total %d bytes, rewrites: %d cancelled %d fused\n",
		res.Layout.Peak, res.Layout.Extent, res.Layout.TotalTensorBytes(), r.CancelledTransposes, r.FusedTransposes)
	return err
}
