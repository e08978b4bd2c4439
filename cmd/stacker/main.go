package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// =============================================================================
// Root Command
// =============================================================================

type rootOptions struct {
	configPath string
	logOutput  io.Writer
}

// open loads configuration, builds the logger and wires the application.
func (o *rootOptions) open(ctx context.Context) (*app, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, &ServerError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	return newApp(ctx, cfg, SetupLogger(cfg, o.logOutput))
}

func newRootCmd(logOutput io.Writer) *cobra.Command {
	opts := &rootOptions{logOutput: logOutput}

	cmd := &cobra.Command{
		Use:           "stacker",
		Short:         "Deploys Docker stacks and multi-stack products",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStackCmd(opts))
	cmd.AddCommand(newProductCmd(opts))
	cmd.AddCommand(newReconcileCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "stacker %s (built %s)\n", Version, BuildTime)
			return nil
		},
	}
}
