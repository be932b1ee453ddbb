package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/workload-advisor/controller/app"
)

func newCollectCommand(opts *options) *cobra.Command {
	var resources bool

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one telemetry collection cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Collector.CollectAndStore(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s query log records\n", humanize.Comma(int64(n)))

				if !resources {
					return nil
				}
				m, err := a.Resources.CollectAndStore(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s resource metrics\n", humanize.Comma(int64(m)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resources, "resources", false, "also collect table, index and host resource metrics")
	return cmd
}
