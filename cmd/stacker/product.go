package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/product"
	"github.com/spf13/cobra"
)

// =============================================================================
// Product Commands
// =============================================================================

type productOptions struct {
	environment string
	version     string
	deployedBy  string
	variables   map[string]string
}

func newProductCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Deploy and manage multi-stack products",
	}

	cmd.AddCommand(newProductDeployCmd(root))
	cmd.AddCommand(newProductUpgradeCmd(root))
	cmd.AddCommand(newProductRollbackCmd(root))
	cmd.AddCommand(newProductRemoveCmd(root))
	cmd.AddCommand(newProductShowCmd(root))

	return cmd
}

func newProductDeployCmd(root *rootOptions) *cobra.Command {
	opts := &productOptions{}

	cmd := &cobra.Command{
		Use:   "deploy <product-group>",
		Short: "Deploy every stack of a product in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				pd, err := a.products.Deploy(ctx, product.DeployRequest{
					EnvironmentID:  opts.environment,
					ProductGroupID: args[0],
					Version:        opts.version,
					DeployedBy:     opts.deployedBy,
					Variables:      opts.variables,
				})
				return reportProduct(cmd.OutOrStdout(), pd, err)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.environment, "env", "e", "", "Target environment")
	cmd.Flags().StringVar(&opts.version, "version", "", "Product version (defaults to the latest)")
	cmd.Flags().StringVar(&opts.deployedBy, "by", "", "Who is deploying")
	cmd.Flags().StringToStringVar(&opts.variables, "var", nil, "Shared variable as KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newProductUpgradeCmd(root *rootOptions) *cobra.Command {
	opts := &productOptions{}

	cmd := &cobra.Command{
		Use:   "upgrade <product-deployment-id>",
		Short: "Move a product deployment to another version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				pd, err := a.products.Upgrade(ctx, product.UpgradeRequest{
					ProductDeploymentID: args[0],
					Version:             opts.version,
					DeployedBy:          opts.deployedBy,
					Variables:           opts.variables,
				})
				return reportProduct(cmd.OutOrStdout(), pd, err)
			})
		},
	}

	cmd.Flags().StringVar(&opts.version, "version", "", "Product version (defaults to the latest)")
	cmd.Flags().StringVar(&opts.deployedBy, "by", "", "Who is upgrading")
	cmd.Flags().StringToStringVar(&opts.variables, "var", nil, "Shared variable as KEY=VALUE (repeatable)")

	return cmd
}

func newProductRollbackCmd(root *rootOptions) *cobra.Command {
	var deployedBy string

	cmd := &cobra.Command{
		Use:   "rollback <product-deployment-id>",
		Short: "Return a product deployment to its previous version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				pd, err := a.products.Rollback(ctx, args[0], deployedBy)
				return reportProduct(cmd.OutOrStdout(), pd, err)
			})
		},
	}

	cmd.Flags().StringVar(&deployedBy, "by", "", "Who is rolling back")

	return cmd
}

func newProductRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <product-deployment-id>",
		Short: "Remove every stack of a product in reverse order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				pd, err := a.products.Remove(ctx, args[0])
				return reportProduct(cmd.OutOrStdout(), pd, err)
			})
		},
	}
}

func newProductShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <product-deployment-id>",
		Short: "Show a product deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				pd, err := a.products.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printProduct(cmd.OutOrStdout(), pd)
				return nil
			})
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// reportProduct prints the returned record. A product that ended Failed is
// reported as a failed operation even though orchestration returned no error.
func reportProduct(w io.Writer, pd *domain.ProductDeployment, err error) error {
	if pd != nil {
		printProduct(w, pd)
	}
	if err != nil {
		return err
	}
	if pd != nil && pd.Status == domain.ProductFailed {
		return fmt.Errorf("%w: product deployment %s is failed", errOperationFailed, pd.ID)
	}
	return nil
}

func printProduct(w io.Writer, pd *domain.ProductDeployment) {
	fmt.Fprintf(w, "product deployment %s (%s/%s %s): %s\n", pd.ID, pd.EnvironmentID, pd.ProductGroupID, pd.ProductVersion, pd.Status)
	if pd.ErrorMessage != "" {
		fmt.Fprintf(w, "error: %s\n", pd.ErrorMessage)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tSTACK\tVERSION\tSTATUS\tDEPLOYMENT\tERROR")
	for _, s := range pd.StacksInOrder() {
		status := string(s.Status)
		if s.Obsolete {
			status += " (obsolete)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Order, s.StackName, s.StackVersion, status, s.DeploymentID, s.ErrorMessage)
	}
	tw.Flush()
}
