package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
)

func newAnalyzeCommand(opts *options) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Print the workload profile of the trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				profile, err := a.Profile(cmd.Context(), window)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), profile)
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "length of the analyzed log window")
	return cmd
}
