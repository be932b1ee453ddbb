package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
	"github.com/workload-advisor/controller/types"
)

func newRecommendCommand(opts *options) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Run one recommendation cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				if list {
					recs, err := a.DB.ListRecommendations(cmd.Context(), types.RecommendationFilter{
						Statuses: []types.RecommendationStatus{types.StatusPending, types.StatusApproved, types.StatusFailed},
					})
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), recs)
				}

				report, err := a.Recommender.RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Scanned %d records, %d new recommendations, %d duplicates\n",
					report.Scanned, report.Inserted(), report.Duplicates)
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "list open recommendations instead of generating new ones")
	return cmd
}
