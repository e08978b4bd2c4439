package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCmd(root *rootOptions) *cobra.Command {
	var withHealth bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile pass over active product deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				if withHealth {
					failed, err := a.newHealthMonitor().RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "health: %d deployment(s) marked failed\n", failed)
				}

				report, err := a.newReconciler().RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reconcile: %d checked, %d skipped, %d updated\n",
					report.Checked, report.Skipped, report.Updated)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&withHealth, "health", false, "Run a container health check first")

	return cmd
}
