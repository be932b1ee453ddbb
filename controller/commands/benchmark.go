package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
	"github.com/workload-advisor/controller/types"
)

func newBenchmarkCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Run or compare performance benchmarks",
	}
	cmd.AddCommand(newBenchmarkRunCommand(opts), newBenchmarkCompareCommand(opts))
	return cmd
}

func newBenchmarkRunCommand(opts *options) *cobra.Command {
	var (
		runs  int
		names []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Time the benchmark battery and compare it with the previous run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				tests, err := selectTests(a.Benchmarker.Tests(), names)
				if err != nil {
					return err
				}
				if runs <= 0 {
					runs = a.Config.Feedback.Runs
				}

				run, err := a.Benchmarker.RunBenchmark(cmd.Context(), tests, runs)
				if err != nil {
					return err
				}
				comparisons, err := a.Benchmarker.CompareToPrevious(cmd.Context(), run.RunID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"run":         run,
					"comparisons": comparisons,
				})
			})
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 0, "timed executions per test (defaults to the configured value)")
	cmd.Flags().StringSliceVar(&names, "test", nil, "only run the named tests")
	return cmd
}

func newBenchmarkCompareCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "compare RUN_ID",
		Short: "Compare a stored run with the previous run of each test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				comparisons, err := a.Benchmarker.CompareToPrevious(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), comparisons)
			})
		},
	}
}

// selectTests keeps the named tests, in battery order. No names selects all of them.
func selectTests(battery []types.BenchmarkTest, names []string) ([]types.BenchmarkTest, error) {
	if len(names) == 0 {
		return battery, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var out []types.BenchmarkTest
	for _, t := range battery {
		if wanted[t.Name] {
			out = append(out, t)
			delete(wanted, t.Name)
		}
	}
	for n := range wanted {
		return nil, fmt.Errorf("unknown benchmark test %q", n)
	}
	return out, nil
}
