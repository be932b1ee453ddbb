package commands

import (
	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
)

func newTrainCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Train the models on the configured window and persist their artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Models.Train(cmd.Context(), a.DB)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}
