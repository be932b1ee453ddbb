package commands

import (
	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
	"github.com/workload-advisor/controller/types"
)

func newApplyCommand(opts *options) *cobra.Command {
	var req types.ApplyRequest

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply approved recommendations",
		Long: `Apply executes the SQL of approved recommendations, each in its own transaction.
Without --ids every approved recommendation is applied. --dry-run only prints
the plan and needs no approval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Controller.Apply(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringSliceVar(&req.IDs, "ids", nil, "recommendation ids to apply")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "report the statements without executing them")
	return cmd
}
