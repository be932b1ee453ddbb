package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
	"github.com/workload-advisor/controller/approvals"
	"github.com/workload-advisor/controller/types"
)

func newApproveCommand(opts *options) *cobra.Command {
	var applyAfter bool

	cmd := &cobra.Command{
		Use:   "approve FILE",
		Short: "Record the approvals listed in a JSON document",
		Long: `Approve reads a JSON list of {"recommendation_id", "approved_by", "notes"} objects
(or an object with "source" and "approvals") and moves each listed recommendation
to approved. With --apply the approved recommendations are applied afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read approvals: %w", err)
			}
			batch, err := approvals.Parse(data, approvals.FileSourceName)
			if err != nil {
				return err
			}

			return opts.withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Controller.Approve(cmd.Context(), batch)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !applyAfter || result.Accepted == 0 {
					return nil
				}

				report, err := a.Controller.Apply(cmd.Context(), types.ApplyRequest{})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&applyAfter, "apply", false, "apply every approved recommendation after recording the approvals")
	return cmd
}

func newRejectCommand(opts *options) *cobra.Command {
	var by, notes string

	cmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Controller.Reject(cmd.Context(), args[0], by, notes); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recommendation %s rejected\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", approvals.DefaultApprover, "who rejected the recommendation")
	cmd.Flags().StringVar(&notes, "notes", "", "reason for the rejection")
	return cmd
}
