package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/service"
	"github.com/spf13/cobra"
)

// =============================================================================
// Stack Commands
// =============================================================================

type stackOptions struct {
	environment string
	name        string
	version     string
	deployedBy  string
	variables   map[string]string
}

func newStackCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Deploy and manage single stack instances",
	}

	cmd.AddCommand(newStackDeployCmd(root))
	cmd.AddCommand(newStackUpgradeCmd(root))
	cmd.AddCommand(newStackActionCmd(root, "remove", "Remove a deployment's containers", (*service.Service).Remove))
	cmd.AddCommand(newStackActionCmd(root, "stop", "Stop a running deployment", (*service.Service).Stop))
	cmd.AddCommand(newStackActionCmd(root, "start", "Start a stopped deployment", (*service.Service).Start))
	cmd.AddCommand(newStackShowCmd(root))
	cmd.AddCommand(newStackListCmd(root))

	return cmd
}

func newStackDeployCmd(root *rootOptions) *cobra.Command {
	opts := &stackOptions{}

	cmd := &cobra.Command{
		Use:   "deploy <stack-id>",
		Short: "Deploy a stack into an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				d, err := a.stacks.Deploy(ctx, service.DeployRequest{
					EnvironmentID: opts.environment,
					StackID:       args[0],
					StackVersion:  opts.version,
					StackName:     opts.name,
					DeployedBy:    opts.deployedBy,
					Variables:     opts.variables,
				})
				return reportDeployment(cmd.OutOrStdout(), d, err)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.environment, "env", "e", "", "Target environment")
	cmd.Flags().StringVar(&opts.name, "name", "", "Instance name (defaults to the stack id)")
	cmd.Flags().StringVar(&opts.version, "version", "", "Stack version (defaults to the latest)")
	cmd.Flags().StringVar(&opts.deployedBy, "by", "", "Who is deploying")
	cmd.Flags().StringToStringVar(&opts.variables, "var", nil, "Variable as KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func newStackUpgradeCmd(root *rootOptions) *cobra.Command {
	opts := &stackOptions{}

	cmd := &cobra.Command{
		Use:   "upgrade <deployment-id>",
		Short: "Move a deployment to another stack version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var variables map[string]string
			if cmd.Flags().Changed("var") {
				variables = opts.variables
			}
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				d, err := a.stacks.Upgrade(ctx, service.UpgradeRequest{
					DeploymentID: args[0],
					StackVersion: opts.version,
					DeployedBy:   opts.deployedBy,
					Variables:    variables,
				})
				return reportDeployment(cmd.OutOrStdout(), d, err)
			})
		},
	}

	cmd.Flags().StringVar(&opts.version, "version", "", "Stack version (defaults to the latest)")
	cmd.Flags().StringVar(&opts.deployedBy, "by", "", "Who is upgrading")
	cmd.Flags().StringToStringVar(&opts.variables, "var", nil, "Replace variables with KEY=VALUE pairs (repeatable)")

	return cmd
}

func newStackActionCmd(root *rootOptions, use, short string, action func(*service.Service, context.Context, string) (*domain.Deployment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <deployment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				d, err := action(a.stacks, ctx, args[0])
				return reportDeployment(cmd.OutOrStdout(), d, err)
			})
		},
	}
}

func newStackShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <deployment-id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				d, err := a.stacks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printDeployment(cmd.OutOrStdout(), d)
				return nil
			})
		},
	}
}

func newStackListCmd(root *rootOptions) *cobra.Command {
	var environment string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, root, func(ctx context.Context, a *app) error {
				list, err := a.stacks.List(ctx, environment)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tENVIRONMENT\tNAME\tSTACK\tVERSION\tSTATUS")
				for _, d := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.EnvironmentID, d.StackName, d.StackID, d.StackVersion, d.Status)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&environment, "env", "e", "", "Only list this environment")

	return cmd
}

// =============================================================================
// Helpers
// =============================================================================

// withApp opens the application for the duration of fn.
func withApp(cmd *cobra.Command, root *rootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := root.open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// reportDeployment prints whatever record the operation returned, then
// passes its error through.
func reportDeployment(w io.Writer, d *domain.Deployment, err error) error {
	if d != nil {
		printDeployment(w, d)
	}
	return err
}

func printDeployment(w io.Writer, d *domain.Deployment) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "deployment\t%s\n", d.ID)
	fmt.Fprintf(tw, "instance\t%s/%s\n", d.EnvironmentID, d.StackName)
	fmt.Fprintf(tw, "stack\t%s %s\n", d.StackID, d.StackVersion)
	fmt.Fprintf(tw, "status\t%s\n", d.Status)
	if names := serviceNames(d); len(names) > 0 {
		fmt.Fprintf(tw, "services\t%s\n", strings.Join(names, ", "))
	}
	if d.ErrorMessage != "" {
		fmt.Fprintf(tw, "error\t%s\n", d.ErrorMessage)
	}
	tw.Flush()
}

func serviceNames(d *domain.Deployment) []string {
	names := make([]string, 0, len(d.Services))
	for _, s := range d.Services {
		names = append(names, s.ServiceName)
	}
	return names
}
